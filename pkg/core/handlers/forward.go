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
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/appio"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
)

const forwardChunkSize = 32 * 1024

// aLongTimeAgo is a deadline that makes pending I/O fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// watchConn unblocks I/O on the session connection when the client goes away.
func (s *Server) watchConn(ctx context.Context, req *Request) {
	conn := req.session.Conn()
	req.stopConnWatch = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
}

func (s *Server) sendHeaderToApp(ctx context.Context, req *Request) error {
	req.stopwatchLogs.requestProxying.Begin(req.txn, RequestProxyingMeasurement)

	if proto := req.session.Protocol(); proto != pool.ProtocolHTTP {
		return errutil.Errorf(errutil.Internal, "session protocol %q is not supported", proto)
	}
	conn := req.session.Conn()
	req.appSink = appio.NewSink(conn)
	req.appSource = appio.NewSource(conn, s.maxResponseHeaderBytes)

	framing := appio.Framing{
		ContentLength: req.httpReq.ContentLength,
		HTTPS:         req.https,
		StripExpect:   req.strip100ContinueHeader,
		Upgrade:       req.upgrade,
		TxnID:         req.txnID,
	}
	switch {
	case req.requestBodyBuffering:
		framing.ContentLength = req.bodyBytesBuffered
	case req.httpReq.Body == nil || req.httpReq.Body == http.NoBody:
		framing.ContentLength = 0
	}

	if err := req.appSink.WriteHeader(req.httpReq, framing); err != nil {
		return appIOError(ctx, "sending request header", err)
	}
	return nil
}

// forwardBodyToApp streams the request body, from the buffer or directly
// from the client, into the session.
func (s *Server) forwardBodyToApp(ctx context.Context, req *Request) error {
	logger := log.FromContext(ctx)

	var (
		body        io.Reader
		clientError func(error) error
	)
	switch {
	case req.requestBodyBuffering:
		r, err := req.bodyBuffer.Reader()
		if err != nil {
			return errutil.Errorf(errutil.Internal, "replaying buffered body: %v", err)
		}
		body = r
		clientError = func(err error) error {
			return errutil.Errorf(errutil.Internal, "reading buffered body: %v", err)
		}
	case req.httpReq.Body != nil && req.httpReq.Body != http.NoBody:
		body = req.httpReq.Body
		clientError = func(err error) error { return clientBodyError(ctx, err) }
	}

	if body != nil {
		buf := make([]byte, forwardChunkSize)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				if _, werr := req.appSink.Write(buf[:n]); werr != nil {
					return appWriteFailure{appIOError(ctx, "forwarding request body", werr)}
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return clientError(rerr)
			}
		}
	}

	if err := req.appSink.Finish(req.halfCloseAppConnection); err != nil {
		if errors.Is(err, appio.ErrBodyLengthMismatch) {
			return errutil.Errorf(errutil.BadRequest, "%v", err)
		}
		return appWriteFailure{appIOError(ctx, "finishing request", err)}
	}
	logger.V(logutil.TRACE).Info("Request body forwarded", "bytes", req.appSink.BytesWritten())
	return nil
}

// appWriteFailure marks errors writing to the application, which may have
// closed its end after responding early.
type appWriteFailure struct {
	error
}

func (e appWriteFailure) Unwrap() error { return e.error }

func isAppWriteFailure(err error) bool {
	var wf appWriteFailure
	return errors.As(err, &wf)
}

// appIOError classifies a failure talking to the application.
func appIOError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errutil.Errorf(errutil.ClientDisconnected, "%s: %v", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errutil.Errorf(errutil.AppTimeout, "%s: %v", op, err)
	}
	return errutil.Errorf(errutil.AppConnectionError, "%s: %v", op, err)
}
