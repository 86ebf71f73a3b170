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

package appio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	requtil "github.com/DryHumorInDC/passenger/pkg/core/util/request"
)

// DefaultMaxHeaderBytes bounds the size of the application's response header.
const DefaultMaxHeaderBytes = 1 << 20

var (
	ErrHeaderTooLarge     = errors.New("application response header too large")
	ErrMalformedResponse  = errors.New("malformed application response")
	ErrIncompleteResponse = errors.New("application closed the connection before sending a complete response header")
)

// Source reads the application's output from a session connection.
type Source struct {
	conn        net.Conn
	limit       *headerLimitReader
	br          *bufio.Reader
	initialized bool
}

// NewSource returns a Source that rejects response headers larger than
// maxHeaderBytes. Zero selects DefaultMaxHeaderBytes.
func NewSource(conn net.Conn, maxHeaderBytes int64) *Source {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	limit := &headerLimitReader{r: conn, remaining: maxHeaderBytes, limited: true}
	return &Source{conn: conn, limit: limit, br: bufio.NewReader(limit)}
}

// Initialized reports whether the application has produced any output.
func (s *Source) Initialized() bool {
	return s.initialized
}

// WaitForOutput blocks until the application produces its first byte.
func (s *Source) WaitForOutput() error {
	if s.initialized {
		return nil
	}
	if _, err := s.br.Peek(1); err != nil {
		return classify(err)
	}
	s.initialized = true
	return nil
}

// Reader returns the buffered reader over the connection. Bytes buffered
// while parsing the header are not lost.
func (s *Source) Reader() *bufio.Reader {
	return s.br
}

// Response is the parsed application response. Body streams from the
// connection.
type Response struct {
	StatusCode    int
	Status        string
	Proto         string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
	// Upgrade is set for 101 Switching Protocols. The connection then carries
	// the upgraded protocol and Body is empty.
	Upgrade bool
}

// ParseResponse reads the application's response header. Interim 1xx
// responses other than 101 are skipped.
func ParseResponse(src *Source, req *http.Request) (*Response, error) {
	for {
		if err := src.WaitForOutput(); err != nil {
			return nil, err
		}
		resp, err := http.ReadResponse(src.br, req)
		if err != nil {
			return nil, classify(err)
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		src.limit.lift()

		upgrade := resp.StatusCode == http.StatusSwitchingProtocols
		upgradeType := requtil.UpgradeType(resp.Header)
		requtil.RemoveHopByHopHeaders(resp.Header)
		if upgrade && upgradeType != "" {
			resp.Header.Set("Connection", "Upgrade")
			resp.Header.Set("Upgrade", upgradeType)
		}
		return &Response{
			StatusCode:    resp.StatusCode,
			Status:        resp.Status,
			Proto:         resp.Proto,
			Header:        resp.Header,
			ContentLength: resp.ContentLength,
			Body:          resp.Body,
			Upgrade:       upgrade,
		}, nil
	}
}

// classify sorts read errors into connection failures, which are returned
// as is, and protocol failures.
func classify(err error) error {
	switch {
	case errors.Is(err, errHeaderLimit):
		return ErrHeaderTooLarge
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrIncompleteResponse, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
}

var errHeaderLimit = errors.New("header limit reached")

// headerLimitReader caps the bytes read until the header has been parsed.
type headerLimitReader struct {
	r         io.Reader
	remaining int64
	limited   bool
}

func (l *headerLimitReader) Read(p []byte) (int, error) {
	if !l.limited {
		return l.r.Read(p)
	}
	if l.remaining <= 0 {
		return 0, errHeaderLimit
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *headerLimitReader) lift() {
	l.limited = false
}
