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

// Package handlers forwards HTTP requests to application processes. Each
// request runs through a fixed sequence of states on the goroutine serving
// it: analyzing, optionally buffering the body, checking out a session,
// sending the header, forwarding the body and relaying the response.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/pkg/core/analytics"
	"github.com/DryHumorInDC/passenger/pkg/core/appio"
	"github.com/DryHumorInDC/passenger/pkg/core/bodybuffer"
	"github.com/DryHumorInDC/passenger/pkg/core/metrics"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	errutil "github.com/DryHumorInDC/passenger/pkg/core/util/error"
	requtil "github.com/DryHumorInDC/passenger/pkg/core/util/request"
)

// AppResolver maps a request to the application serving it.
type AppResolver interface {
	Resolve(r *http.Request) (*pool.Options, error)
}

// Config configures a Server.
type Config struct {
	Pool     pool.Pool
	Resolver AppResolver
	// Analytics records transactions. Nil disables analytics.
	Analytics analytics.Core
	Checkout  CheckoutPolicy
	Buffer    bodybuffer.Config
	// MaxResponseHeaderBytes bounds the application's response header.
	MaxResponseHeaderBytes int64
	// AppResponseHeaderTimeout bounds the wait for the application's
	// response header. Zero waits indefinitely.
	AppResponseHeaderTimeout time.Duration
	Clock                    clock.Clock
	// StateObserver is called whenever a request enters a state.
	StateObserver func(*Request, State)
}

// Server is an http.Handler forwarding requests to application processes.
type Server struct {
	pool      pool.Pool
	resolver  AppResolver
	analytics analytics.Core
	checkout  CheckoutPolicy
	buffer    bodybuffer.Config

	maxResponseHeaderBytes   int64
	appResponseHeaderTimeout time.Duration
	clock                    clock.Clock
	observer                 func(*Request, State)
}

var _ http.Handler = &Server{}

func NewServer(cfg Config) *Server {
	if cfg.Analytics == nil {
		cfg.Analytics = analytics.NoopCore{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Checkout.MaxTry == 0 {
		cfg.Checkout = DefaultCheckoutPolicy()
	}
	if cfg.MaxResponseHeaderBytes <= 0 {
		cfg.MaxResponseHeaderBytes = appio.DefaultMaxHeaderBytes
	}
	return &Server{
		pool:                     cfg.Pool,
		resolver:                 cfg.Resolver,
		analytics:                cfg.Analytics,
		checkout:                 cfg.Checkout,
		buffer:                   cfg.Buffer,
		maxResponseHeaderBytes:   cfg.MaxResponseHeaderBytes,
		appResponseHeaderTimeout: cfg.AppResponseHeaderTimeout,
		clock:                    cfg.Clock,
		observer:                 cfg.StateObserver,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	req := &Request{
		httpReq:   r,
		requestID: requtil.GetOrCreateRequestID(r),
		startedAt: now,
	}
	ctx := r.Context()
	logger := log.FromContext(ctx).WithValues("requestId", req.requestID)
	ctx = log.IntoContext(ctx, logger)
	logger.V(logutil.TRACE).Info("Processing", "method", r.Method, "uri", r.RequestURI)

	var err error
	completed := false
	defer func() {
		if !completed {
			// process panicked; the request failed and its session is suspect.
			p := recover()
			err = errutil.Errorf(errutil.Internal, "panic while processing request: %v", p)
			logger.V(logutil.DEFAULT).Error(err, "Recovered from panic", "state", req.state.String(), "stack", string(debug.Stack()))
		}
		s.finish(ctx, w, req, err)
	}()
	err = s.process(ctx, w, req)
	completed = true
}

// process drives req through its states. It returns the error that ended
// the request early, if any.
func (s *Server) process(ctx context.Context, w http.ResponseWriter, req *Request) error {
	s.enter(ctx, req, AnalyzingRequest)
	ctx, err := s.analyzeRequest(ctx, w, req)
	if err != nil {
		return err
	}
	metrics.IncRunningRequests(req.appGroup())

	if req.requestBodyBuffering {
		s.enter(ctx, req, BufferingRequestBody)
		if err := s.bufferRequestBody(ctx, req); err != nil {
			return err
		}
	}

	s.enter(ctx, req, CheckingOutSession)
	if err := s.checkoutSession(ctx, req); err != nil {
		return err
	}

	s.enter(ctx, req, SendingHeaderToApp)
	if err := s.sendHeaderToApp(ctx, req); err != nil {
		return err
	}

	s.enter(ctx, req, ForwardingBodyToApp)
	if err := s.forwardBodyToApp(ctx, req); err != nil {
		if !isAppWriteFailure(err) {
			return err
		}
		// The application may have answered without reading the whole
		// body. Its response decides the outcome.
		req.forwardErr = err
	}

	s.enter(ctx, req, WaitingForAppOutput)
	return s.relayAppResponse(ctx, w, req)
}

// enter moves req to state and records how long the previous state took.
func (s *Server) enter(ctx context.Context, req *Request, state State) {
	now := s.clock.Now()
	if !req.stageStartedAt.IsZero() {
		metrics.RecordStageLatency(req.state.String(), true, now.Sub(req.stageStartedAt))
	}
	req.state = state
	req.stageStartedAt = now
	log.FromContext(ctx).V(logutil.TRACE).Info("State changed", "state", state.String())
	if s.observer != nil {
		s.observer(req, state)
	}
}

// finish releases everything req owns, records metrics and reports err to
// the client. It runs on every exit path.
func (s *Server) finish(ctx context.Context, w http.ResponseWriter, req *Request, err error) {
	logger := log.FromContext(ctx)
	success := err == nil
	code := ""
	if !success {
		code = errutil.CanonicalCode(err)
	}

	s.teardown(ctx, req, success)

	now := s.clock.Now()
	metrics.RecordStageLatency(req.state.String(), success, now.Sub(req.stageStartedAt))
	group := req.appGroup()
	metrics.RecordRequestCounter(group)
	metrics.RecordRequestLatencies(ctx, group, req.startedAt, now)
	if req.state != AnalyzingRequest {
		metrics.DecRunningRequests(group)
	}

	if success {
		logger.V(logutil.VERBOSE).Info("Request completed", "appGroup", group,
			"checkoutTry", req.sessionCheckoutTry, "duration", now.Sub(req.startedAt))
		return
	}

	metrics.RecordRequestErrCounter(group, code)
	if code == errutil.ClientDisconnected {
		logger.V(logutil.VERBOSE).Info("Client disconnected", "state", req.state.String(), "error", err.Error())
	} else {
		logger.V(logutil.DEFAULT).Error(err, "Failed to process request", "state", req.state.String(), "appGroup", group)
	}

	switch {
	case req.hijacked:
		// The connection belongs to the upgraded protocol.
	case req.responseStarted:
		// The status line is gone; truncating the response is the only
		// way left to report the failure.
		panic(http.ErrAbortHandler)
	case code != errutil.ClientDisconnected:
		writeErrorResponse(w, code)
	}
}

// teardown releases the resources of req in the reverse order of their
// acquisition and closes the open measurements.
func (s *Server) teardown(ctx context.Context, req *Request, success bool) {
	if req.stopConnWatch != nil {
		req.stopConnWatch()
		req.stopConnWatch = nil
	}
	if req.appResponse != nil && req.appResponse.Body != nil {
		_ = req.appResponse.Body.Close()
	}
	req.appSink = nil
	req.appSource = nil
	if req.session != nil {
		reusable := success && !req.upgrade && req.forwardErr == nil
		if !reusable {
			metrics.RecordSessionDiscard(req.appGroup())
		}
		req.session.Release(reusable)
		req.session = nil
	}
	if req.bodyBuffer != nil {
		if err := req.bodyBuffer.Close(); err != nil {
			log.FromContext(ctx).V(logutil.DEFAULT).Error(err, "Failed to remove buffered request body")
		}
		req.bodyBuffer = nil
	}
	req.stopwatchLogs.endAll(success)
	if req.txn != nil {
		req.txn.End(success)
	}
}

func writeErrorResponse(w http.ResponseWriter, code string) {
	status := errutil.HTTPStatus(code)
	h := w.Header()
	for k := range h {
		delete(h, k)
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "%d %s\n", status, http.StatusText(status))
}
