/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/appio"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
	requtil "github.com/DryHumorInDC/passenger/pkg/core/util/request"
	"github.com/DryHumorInDC/passenger/version"
)

const poweredByHeader = "X-Powered-By"

// relayAppResponse waits for the application's response and streams it to
// the client.
func (s *Server) relayAppResponse(ctx context.Context, w http.ResponseWriter, req *Request) error {
	logger := log.FromContext(ctx)
	conn := req.session.Conn()

	if s.appResponseHeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.appResponseHeaderTimeout))
	}
	resp, err := appio.ParseResponse(req.appSource, req.httpReq)
	req.appResponseInitialized = req.appSource.Initialized()
	if err != nil {
		if req.forwardErr != nil {
			return req.forwardErr
		}
		return responseHeaderError(ctx, err)
	}
	req.appResponse = resp
	if s.appResponseHeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
		if ctx.Err() != nil {
			_ = conn.SetDeadline(aLongTimeAgo)
		}
	}
	logger.V(logutil.DEBUG).Info("Application responded", "status", resp.StatusCode, "contentLength", resp.ContentLength)

	if resp.Upgrade {
		if !req.upgrade {
			return errutil.Errorf(errutil.MalformedAppResponse, "switching protocols without an upgrade request")
		}
		return s.spliceUpgrade(ctx, w, req)
	}

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	if h.Get(poweredByHeader) == "" {
		h.Set(poweredByHeader, version.PoweredBy)
	}
	if req.stickySession && req.session.StickySessionID() != req.options.StickySessionID {
		http.SetCookie(w, requtil.StickySessionCookie(req.options.StickySessionsCookieName, req.session.StickySessionID(), req.https))
	}
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	} else if req.dechunkResponse {
		h.Set("Connection", "close")
	}
	w.WriteHeader(resp.StatusCode)
	req.responseStarted = true

	n, err := copyResponseBody(ctx, w, resp.Body)
	logger.V(logutil.TRACE).Info("Response body relayed", "bytes", n)
	return err
}

func responseHeaderError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, appio.ErrHeaderTooLarge), errors.Is(err, appio.ErrMalformedResponse):
		return errutil.Errorf(errutil.MalformedAppResponse, "%v", err)
	case errors.Is(err, appio.ErrIncompleteResponse):
		if ctx.Err() != nil {
			return errutil.Errorf(errutil.ClientDisconnected, "waiting for response: %v", err)
		}
		return errutil.Errorf(errutil.AppConnectionError, "%v", err)
	}
	return appIOError(ctx, "reading response header", err)
}

// copyResponseBody streams body to w, flushing after every chunk so that
// streaming responses reach the client as they are produced.
func copyResponseBody(ctx context.Context, w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, forwardChunkSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, errutil.Errorf(errutil.ClientDisconnected, "writing response: %v", werr)
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, errutil.Errorf(errutil.ClientDisconnected, "flushing response: %v", ferr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, appIOError(ctx, "reading response body", rerr)
		}
	}
}

// spliceUpgrade takes over the client connection and copies bytes in both
// directions until both sides are done.
func (s *Server) spliceUpgrade(ctx context.Context, w http.ResponseWriter, req *Request) error {
	logger := log.FromContext(ctx)
	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return errutil.Errorf(errutil.Internal, "hijacking client connection: %v", err)
	}
	req.hijacked = true
	defer clientConn.Close()

	resp := req.appResponse
	if err := writeUpgradeHeader(clientBuf.Writer, resp); err != nil {
		return errutil.Errorf(errutil.ClientDisconnected, "writing upgrade response: %v", err)
	}

	appConn := req.session.Conn()
	var g errgroup.Group
	var up, down int64
	g.Go(func() error {
		var err error
		up, err = io.Copy(appConn, clientBuf.Reader)
		closeWrite(appConn)
		return err
	})
	g.Go(func() error {
		var err error
		down, err = io.Copy(clientConn, req.appSource.Reader())
		// The application is gone; stop reading from the client too.
		_ = clientConn.Close()
		return err
	})
	err = g.Wait()
	logger.V(logutil.DEBUG).Info("Upgraded connection closed", "bytesToApp", up, "bytesToClient", down)
	if err != nil && !isClosedConnError(err) {
		return appIOError(ctx, "splicing upgraded connection", err)
	}
	return nil
}

func writeUpgradeHeader(bw *bufio.Writer, resp *appio.Response) error {
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
