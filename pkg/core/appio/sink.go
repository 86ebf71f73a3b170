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

// Package appio frames requests onto a session connection and parses the
// application's response from it.
package appio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	requtil "github.com/DryHumorInDC/passenger/pkg/core/util/request"
)

var (
	ErrHeaderAlreadySent  = errors.New("request header already sent")
	ErrHeaderNotSent      = errors.New("request header not sent")
	ErrBodyLengthMismatch = errors.New("request body length does not match Content-Length")
)

// Framing describes how the request header is presented to the application.
type Framing struct {
	// ContentLength is the body size. A negative value streams the body
	// with chunked encoding.
	ContentLength int64
	HTTPS         bool
	// StripExpect drops the Expect header because the expectation was
	// already answered.
	StripExpect bool
	// Upgrade keeps the Upgrade handshake headers.
	Upgrade bool
	TxnID   string
}

// Sink writes one HTTP/1.1 request to a session connection.
type Sink struct {
	conn    net.Conn
	bw      *bufio.Writer
	chunked io.WriteCloser

	headerSent bool
	finished   bool
	declared   int64
	written    int64
}

func NewSink(conn net.Conn) *Sink {
	return &Sink{conn: conn, bw: bufio.NewWriter(conn)}
}

// BytesWritten returns the number of body bytes written.
func (s *Sink) BytesWritten() int64 {
	return s.written
}

// WriteHeader writes the request line and headers of r and flushes them.
func (s *Sink) WriteHeader(r *http.Request, f Framing) error {
	if s.headerSent {
		return ErrHeaderAlreadySent
	}
	s.headerSent = true
	s.declared = f.ContentLength

	uri := r.RequestURI
	if r.URL != nil {
		uri = r.URL.RequestURI()
	}
	if _, err := fmt.Fprintf(s.bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, uri, r.Host); err != nil {
		return err
	}

	h := forwardedHeader(r, f)
	if err := h.Write(s.bw); err != nil {
		return err
	}

	switch {
	case f.ContentLength < 0:
		s.chunked = httputil.NewChunkedWriter(s.bw)
		if _, err := io.WriteString(s.bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	case f.ContentLength > 0 || methodExpectsBody(r.Method):
		if _, err := io.WriteString(s.bw, "Content-Length: "+strconv.FormatInt(f.ContentLength, 10)+"\r\n"); err != nil {
			return err
		}
	}
	connection := "close"
	if f.Upgrade {
		connection = "Upgrade"
	}
	if _, err := io.WriteString(s.bw, "Connection: "+connection+"\r\n\r\n"); err != nil {
		return err
	}
	return s.bw.Flush()
}

// forwardedHeader returns the end-to-end headers of r plus the forwarding
// headers the application relies on.
func forwardedHeader(r *http.Request, f Framing) http.Header {
	h := make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if httpguts.ValidHeaderFieldValue(v) {
				h[k] = append(h[k], v)
			}
		}
	}
	upgrade := h.Get("Upgrade")
	requtil.RemoveHopByHopHeaders(h)
	if f.Upgrade && upgrade != "" {
		h.Set("Upgrade", upgrade)
	}
	h.Del("Content-Length")
	h.Del("Host")
	if f.StripExpect {
		h.Del("Expect")
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior, ok := h["X-Forwarded-For"]; ok {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if f.HTTPS {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if f.TxnID != "" {
		h.Set(requtil.TxnIdHeaderKey, f.TxnID)
	}
	return h
}

func methodExpectsBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Write forwards body bytes.
func (s *Sink) Write(p []byte) (int, error) {
	if !s.headerSent {
		return 0, ErrHeaderNotSent
	}
	var (
		n   int
		err error
	)
	if s.chunked != nil {
		n, err = s.chunked.Write(p)
	} else {
		if s.written+int64(len(p)) > s.declared {
			return 0, ErrBodyLengthMismatch
		}
		n, err = s.bw.Write(p)
	}
	s.written += int64(n)
	if err != nil {
		return n, err
	}
	return n, s.bw.Flush()
}

// Finish terminates the request and optionally half-closes the connection so
// the application sees end of input.
func (s *Sink) Finish(halfClose bool) error {
	if !s.headerSent {
		return ErrHeaderNotSent
	}
	if s.finished {
		return nil
	}
	s.finished = true
	if s.chunked != nil {
		if err := s.chunked.Close(); err != nil {
			return err
		}
		if _, err := io.WriteString(s.bw, "\r\n"); err != nil {
			return err
		}
	} else if s.written != s.declared && s.declared > 0 {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrBodyLengthMismatch, s.written, s.declared)
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if halfClose {
		if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}
	}
	return nil
}
