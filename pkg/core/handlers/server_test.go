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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/analytics"
	"github.com/DryHumorInDC/passenger/pkg/core/bodybuffer"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
)

// appScript plays the application side of one session connection.
type appScript func(conn net.Conn)

// startApp listens on loopback and runs script for every connection.
func startApp(t *testing.T, script appScript) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				script(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// digestApp answers with the size and digest of the request body it read.
func digestApp(conn net.Conn) {
	r, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}
	h := sha256.New()
	n, _ := io.Copy(h, r.Body)
	body := "hello from " + r.URL.Path
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\n"+
		"Content-Length: %d\r\n"+
		"X-Body-Size: %d\r\n"+
		"X-Body-Digest: %s\r\n"+
		"X-Body-Content-Length: %d\r\n"+
		"X-Forwarded-Proto-Seen: %s\r\n"+
		"\r\n%s",
		len(body), n, hex.EncodeToString(h.Sum(nil)), r.ContentLength, r.Header.Get("X-Forwarded-Proto"), body)
}

type fakeSession struct {
	conn     net.Conn
	protocol string
	stickyID uint32

	once     sync.Once
	released chan bool
}

func (s *fakeSession) Conn() net.Conn          { return s.conn }
func (s *fakeSession) Protocol() string        { return s.protocol }
func (s *fakeSession) ProcessID() string       { return s.conn.RemoteAddr().String() }
func (s *fakeSession) StickySessionID() uint32 { return s.stickyID }
func (s *fakeSession) Release(reusable bool) {
	s.once.Do(func() {
		s.conn.Close()
		s.released <- reusable
	})
}

// fakePool hands out sessions to a scripted application. The first len(fails)
// attempts fail with the listed errors; failAll fails every attempt.
type fakePool struct {
	addr     string
	protocol string
	stickyID uint32
	failAll  error

	mu       sync.Mutex
	fails    []error
	attempts int
	released chan bool
}

func newFakePool(addr string, fails ...error) *fakePool {
	return &fakePool{addr: addr, fails: fails, stickyID: 42, released: make(chan bool, 16)}
}

func (p *fakePool) Checkout(ctx context.Context, _ *pool.Options) (pool.Session, error) {
	p.mu.Lock()
	p.attempts++
	if p.failAll != nil {
		p.mu.Unlock()
		return nil, p.failAll
	}
	if len(p.fails) > 0 {
		err := p.fails[0]
		p.fails = p.fails[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, &pool.CheckoutError{Kind: pool.Transient, Err: err}
	}
	protocol := p.protocol
	if protocol == "" {
		protocol = pool.ProtocolHTTP
	}
	return &fakeSession{conn: conn, protocol: protocol, stickyID: p.stickyID, released: p.released}, nil
}

func (p *fakePool) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func saturated() error {
	return &pool.CheckoutError{Kind: pool.Transient, Group: "app", Err: pool.ErrSaturated}
}

type staticResolver struct {
	opts pool.Options
	err  error
}

func (r staticResolver) Resolve(*http.Request) (*pool.Options, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.opts.Clone(), nil
}

func defaultOptions() pool.Options {
	return pool.Options{
		AppGroupName:             "app",
		ConcurrencyModel:         pool.ConcurrencyModelProcess,
		StickySessionsCookieName: "_passenger_route",
		AllowChunkedUpload:       true,
	}
}

// stateLog records the states a request enters.
type stateLog struct {
	mu     sync.Mutex
	states []State
	req    *Request
}

func (l *stateLog) observe(req *Request, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.req = req
	l.states = append(l.states, s)
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func noBackoff() CheckoutPolicy {
	p := DefaultCheckoutPolicy()
	p.Backoff = 0
	return p
}

func serve(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r.WithContext(logutil.NewTestLoggerIntoContext(r.Context())))
	return w
}

func awaitRelease(t *testing.T, p *fakePool) bool {
	t.Helper()
	select {
	case reusable := <-p.released:
		return reusable
	case <-time.After(5 * time.Second):
		t.Fatal("session was not released")
		return false
	}
}

func TestServeHTTPForwardsRequest(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	sr := tracetest.NewSpanRecorder()
	states := &stateLog{}
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: defaultOptions()},
		Analytics:     analytics.NewOtelCore(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))),
		Checkout:      noBackoff(),
		StateObserver: states.observe,
	})

	body := []byte("name=passenger")
	r := httptest.NewRequest(http.MethodPost, "http://example.com/greet", bytes.NewReader(body))
	w := serve(s, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello from /greet", w.Body.String())
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("X-Body-Size"))
	assert.Equal(t, "http", w.Header().Get("X-Forwarded-Proto-Seen"))
	assert.Equal(t, "Passenger Core", w.Header().Get("X-Powered-By"))
	assert.True(t, awaitRelease(t, p), "a completed session is reusable")

	want := []State{AnalyzingRequest, CheckingOutSession, SendingHeaderToApp, ForwardingBodyToApp, WaitingForAppOutput}
	if diff := cmp.Diff(want, states.get()); diff != "" {
		t.Errorf("Unexpected states (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint8(0), states.req.SessionCheckoutTry())
	assert.False(t, states.req.HasSession())
	assert.False(t, states.req.HasAppChannels())

	// The transaction and the three measurements it went through.
	assert.Len(t, sr.Started(), 4)
	assert.Len(t, sr.Ended(), 4, "every span started is ended")
}

func TestServeHTTPStatesOnlyMoveForward(t *testing.T) {
	p := newFakePool(startApp(t, digestApp), saturated(), saturated())
	states := &stateLog{}
	opts := defaultOptions()
	opts.BufferUpload = true
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: opts},
		Checkout:      noBackoff(),
		StateObserver: states.observe,
	})

	w := serve(s, httptest.NewRequest(http.MethodPut, "http://example.com/", strings.NewReader("payload")))
	require.Equal(t, http.StatusOK, w.Code)

	got := states.get()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "state %s entered after %s", got[i], got[i-1])
	}
	assert.Equal(t, BufferingRequestBody, got[1])
}

func TestServeHTTPSpillsLargeBufferedBody(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	states := &stateLog{}
	opts := defaultOptions()
	opts.AllowChunkedUpload = false
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: opts},
		Checkout:      noBackoff(),
		Buffer:        bodybuffer.Config{Threshold: 128 * 1024, TempDir: t.TempDir()},
		StateObserver: states.observe,
	})

	body := make([]byte, 10<<20)
	_, err := rand.Read(body)
	require.NoError(t, err)
	sum := sha256.Sum256(body)

	r := httptest.NewRequest(http.MethodPost, "http://example.com/upload", io.NopCloser(bytes.NewReader(body)))
	r.ContentLength = -1
	w := serve(s, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, states.req.RequestBodyBuffering(), "chunked uploads are buffered when the app does not accept them")
	assert.Equal(t, int64(len(body)), states.req.BodyBytesBuffered())
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("X-Body-Content-Length"), "buffered bodies are sent with a length")
	assert.Equal(t, hex.EncodeToString(sum[:]), w.Header().Get("X-Body-Digest"))
	assert.True(t, awaitRelease(t, p))
}

func TestServeHTTPStreamsChunkedUpload(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	states := &stateLog{}
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: defaultOptions()},
		Checkout:      noBackoff(),
		StateObserver: states.observe,
	})

	body := strings.Repeat("chunk", 1000)
	r := httptest.NewRequest(http.MethodPost, "http://example.com/stream", io.NopCloser(strings.NewReader(body)))
	r.ContentLength = -1
	w := serve(s, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, states.req.RequestBodyBuffering())
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("X-Body-Size"))
	assert.Equal(t, "-1", w.Header().Get("X-Body-Content-Length"))
}

func TestServeHTTPRejectsOversizedBody(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	s := NewServer(Config{
		Pool:     p,
		Resolver: staticResolver{opts: defaultOptions()},
		Buffer:   bodybuffer.Config{MaxSize: 10},
	})

	w := serve(s, httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader(strings.Repeat("x", 100))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 0, p.Attempts(), "no session is checked out for a rejected request")
}

func TestServeHTTPResolveFailure(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	s := NewServer(Config{
		Pool:     p,
		Resolver: staticResolver{err: pool.ErrGroupNotFound},
	})

	w := serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "500 Internal Server Error\n", w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, 0, p.Attempts())
}

func TestServeHTTPAppFailures(t *testing.T) {
	tests := []struct {
		name       string
		script     appScript
		wantStatus int
	}{
		{
			name: "closes without answering",
			script: func(conn net.Conn) {
				_, _ = http.ReadRequest(bufio.NewReader(conn))
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "answers garbage",
			script: func(conn net.Conn) {
				_, _ = http.ReadRequest(bufio.NewReader(conn))
				_, _ = io.WriteString(conn, "this is not http\r\n\r\n")
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "never answers",
			script: func(conn net.Conn) {
				_, _ = http.ReadRequest(bufio.NewReader(conn))
				time.Sleep(2 * time.Second)
			},
			wantStatus: http.StatusGatewayTimeout,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newFakePool(startApp(t, test.script))
			s := NewServer(Config{
				Pool:                     p,
				Resolver:                 staticResolver{opts: defaultOptions()},
				AppResponseHeaderTimeout: 100 * time.Millisecond,
			})

			w := serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
			assert.Equal(t, test.wantStatus, w.Code)
			assert.False(t, awaitRelease(t, p), "a failed session is discarded")
		})
	}
}

func TestServeHTTPPanicDiscardsSession(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	s := NewServer(Config{
		Pool:     p,
		Resolver: staticResolver{opts: defaultOptions()},
		StateObserver: func(_ *Request, state State) {
			if state == WaitingForAppOutput {
				panic("observer failure")
			}
		},
	})

	var w *httptest.ResponseRecorder
	assert.NotPanics(t, func() {
		w = serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, awaitRelease(t, p), "a session used by a panicking request is discarded")
}

func TestServeHTTPRejectsUnknownSessionProtocol(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	p.protocol = "session"
	s := NewServer(Config{Pool: p, Resolver: staticResolver{opts: defaultOptions()}})

	w := serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, awaitRelease(t, p))
}

func TestServeHTTPEndsSpansWithOutcome(t *testing.T) {
	p := newFakePool(startApp(t, func(conn net.Conn) {
		_, _ = http.ReadRequest(bufio.NewReader(conn))
	}))
	sr := tracetest.NewSpanRecorder()
	s := NewServer(Config{
		Pool:      p,
		Resolver:  staticResolver{opts: defaultOptions()},
		Analytics: analytics.NewOtelCore(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))),
		Checkout:  noBackoff(),
	})

	w := serve(s, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, awaitRelease(t, p))

	require.Len(t, sr.Started(), 4)
	got := map[string]codes.Code{}
	for _, span := range sr.Ended() {
		_, dup := got[span.Name()]
		assert.False(t, dup, "span %q ended twice", span.Name())
		got[span.Name()] = span.Status().Code
	}
	want := map[string]codes.Code{
		analyticsCategory:            codes.Error,
		RequestProcessingMeasurement: codes.Error,
		GetFromPoolMeasurement:       codes.Ok,
		RequestProxyingMeasurement:   codes.Error,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected span statuses (-want +got):\n%s", diff)
	}
}

func TestServeHTTPAbortsTruncatedResponse(t *testing.T) {
	p := newFakePool(startApp(t, func(conn net.Conn) {
		_, _ = http.ReadRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nonly ten b")
	}))
	states := &stateLog{}
	s := NewServer(Config{
		Pool:          p,
		Resolver:      staticResolver{opts: defaultOptions()},
		StateObserver: states.observe,
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		s.ServeHTTP(w, r.WithContext(logutil.NewTestLoggerIntoContext(r.Context())))
	})
	assert.Equal(t, http.StatusOK, w.Code, "the status line was already sent")
	assert.Equal(t, "only ten b", w.Body.String())
	assert.False(t, awaitRelease(t, p), "a session that failed mid-response is discarded")
	assert.False(t, states.req.HasAppChannels())
}

func TestServeHTTPStickySessionCookie(t *testing.T) {
	tests := []struct {
		name       string
		cookie     *http.Cookie
		wantCookie string
	}{
		{
			name:       "no cookie presented",
			wantCookie: "_passenger_route=42",
		},
		{
			name:       "cookie names another process",
			cookie:     &http.Cookie{Name: "_passenger_route", Value: "7"},
			wantCookie: "_passenger_route=42",
		},
		{
			name:   "cookie names the serving process",
			cookie: &http.Cookie{Name: "_passenger_route", Value: "42"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newFakePool(startApp(t, digestApp))
			opts := defaultOptions()
			opts.StickySessions = true
			s := NewServer(Config{Pool: p, Resolver: staticResolver{opts: opts}})

			r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			if test.cookie != nil {
				r.AddCookie(test.cookie)
			}
			w := serve(s, r)
			require.Equal(t, http.StatusOK, w.Code)

			got := w.Header().Get("Set-Cookie")
			if test.wantCookie == "" {
				assert.Empty(t, got)
				return
			}
			assert.True(t, strings.HasPrefix(got, test.wantCookie+";"), "Set-Cookie %q", got)
			assert.Contains(t, got, "HttpOnly")
		})
	}
}

// echoUpgradeApp accepts "Upgrade: echo", returns the request body it read
// and then echoes whatever the client sends.
func echoUpgradeApp(conn net.Conn) {
	br := bufio.NewReader(conn)
	r, err := http.ReadRequest(br)
	if err != nil || r.Header.Get("Upgrade") != "echo" {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
	_, _ = conn.Write(body)
	_, _ = io.Copy(conn, br)
}

func TestServeHTTPUpgrade(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		wantBody string
	}{
		{
			name:    "without a body",
			request: "GET /socket HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n",
		},
		{
			name: "with a body",
			request: "POST /socket HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: echo\r\n" +
				"Content-Length: 5\r\n\r\nhello",
			wantBody: "hello",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newFakePool(startApp(t, echoUpgradeApp))
			s := NewServer(Config{Pool: p, Resolver: staticResolver{opts: defaultOptions()}})
			front := httptest.NewServer(s)
			t.Cleanup(front.Close)

			conn, err := net.Dial("tcp", front.Listener.Addr().String())
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

			_, err = io.WriteString(conn, test.request)
			require.NoError(t, err)
			br := bufio.NewReader(conn)
			resp, err := http.ReadResponse(br, nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
			assert.Equal(t, "echo", resp.Header.Get("Upgrade"))

			want := test.wantBody + "ping"
			_, err = io.WriteString(conn, "ping")
			require.NoError(t, err)
			got := make([]byte, len(want))
			_, err = io.ReadFull(br, got)
			require.NoError(t, err)
			assert.Equal(t, want, string(got))

			require.NoError(t, conn.(*net.TCPConn).CloseWrite())
			assert.False(t, awaitRelease(t, p), "upgraded sessions are never reused")
		})
	}
}

func TestServeHTTPDeclinedUpgradeForwardsBody(t *testing.T) {
	p := newFakePool(startApp(t, digestApp))
	s := NewServer(Config{Pool: p, Resolver: staticResolver{opts: defaultOptions()}})

	r := httptest.NewRequest(http.MethodPost, "http://example.com/h2c", strings.NewReader("hello"))
	r.Header.Set("Connection", "Upgrade, HTTP2-Settings")
	r.Header.Set("Upgrade", "h2c")
	w := serve(s, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello from /h2c", w.Body.String())
	assert.Equal(t, "5", w.Header().Get("X-Body-Size"))
	assert.Equal(t, "5", w.Header().Get("X-Body-Content-Length"))
	assert.False(t, awaitRelease(t, p), "sessions of upgrade requests are never reused")
}

func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-App", "stale")
	writeErrorResponse(w, errutil.ServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get("X-App"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "503 Service Unavailable\n", w.Body.String())
}
