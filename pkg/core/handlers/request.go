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
	"net/http"
	"time"

	"github.com/DryHumorInDC/passenger/pkg/core/analytics"
	"github.com/DryHumorInDC/passenger/pkg/core/appio"
	"github.com/DryHumorInDC/passenger/pkg/core/bodybuffer"
	"github.com/DryHumorInDC/passenger/pkg/core/pool"
)

// State is the stage a request is in. A request only moves forward through
// the states; the checkout retry loop stays in CheckingOutSession.
type State int

const (
	AnalyzingRequest State = iota
	BufferingRequestBody
	CheckingOutSession
	SendingHeaderToApp
	ForwardingBodyToApp
	WaitingForAppOutput
)

func (s State) String() string {
	switch s {
	case AnalyzingRequest:
		return "ANALYZING_REQUEST"
	case BufferingRequestBody:
		return "BUFFERING_REQUEST_BODY"
	case CheckingOutSession:
		return "CHECKING_OUT_SESSION"
	case SendingHeaderToApp:
		return "SENDING_HEADER_TO_APP"
	case ForwardingBodyToApp:
		return "FORWARDING_BODY_TO_APP"
	case WaitingForAppOutput:
		return "WAITING_FOR_APP_OUTPUT"
	default:
		return "UNKNOWN"
	}
}

// Names of the stopwatch measurements recorded for each request.
const (
	RequestProcessingMeasurement    = "request processing"
	BufferingRequestBodyMeasurement = "buffering request body"
	GetFromPoolMeasurement          = "get from pool"
	RequestProxyingMeasurement      = "request proxying"
)

// stopwatchLogs are idle when analytics are disabled.
type stopwatchLogs struct {
	requestProcessing    analytics.Stopwatch
	bufferingRequestBody analytics.Stopwatch
	getFromPool          analytics.Stopwatch
	requestProxying      analytics.Stopwatch
}

// endAll ends the running measurements, innermost first.
func (l *stopwatchLogs) endAll(success bool) {
	l.requestProxying.End(success)
	l.getFromPool.End(success)
	l.bufferingRequestBody.End(success)
	l.requestProcessing.End(success)
}

// Request is the state of one HTTP transaction forwarded to an application.
// It is owned by the goroutine serving the transaction.
type Request struct {
	httpReq   *http.Request
	requestID string
	startedAt time.Time

	state          State
	stageStartedAt time.Time

	options *pool.Options
	txn     analytics.Transaction
	txnID   string

	sessionCheckoutTry uint8
	session            pool.Session
	stopConnWatch      func() bool

	bodyBuffer        *bodybuffer.Buffer
	bodyBytesBuffered int64

	appSink     *appio.Sink
	appSource   *appio.Source
	appResponse *appio.Response

	// Decided while analyzing the request, read-only afterwards.
	dechunkResponse        bool
	requestBodyBuffering   bool
	https                  bool
	stickySession          bool
	halfCloseAppConnection bool
	strip100ContinueHeader bool
	hasPragmaHeader        bool
	upgrade                bool

	appResponseInitialized bool
	responseStarted        bool
	hijacked               bool
	// forwardErr is a failure writing the body that may be explained by a
	// response the application sent early.
	forwardErr error

	stopwatchLogs stopwatchLogs
}

func (r *Request) State() State                 { return r.state }
func (r *Request) RequestID() string            { return r.requestID }
func (r *Request) TxnID() string                { return r.txnID }
func (r *Request) Options() *pool.Options       { return r.options }
func (r *Request) SessionCheckoutTry() uint8    { return r.sessionCheckoutTry }
func (r *Request) BodyBytesBuffered() int64     { return r.bodyBytesBuffered }
func (r *Request) RequestBodyBuffering() bool   { return r.requestBodyBuffering }
func (r *Request) HalfCloseAppConnection() bool { return r.halfCloseAppConnection }
func (r *Request) HasSession() bool             { return r.session != nil }
func (r *Request) HasAppChannels() bool         { return r.appSink != nil || r.appSource != nil }

func (r *Request) appGroup() string {
	if r.options == nil {
		return unresolvedAppGroup
	}
	return r.options.AppGroupName
}

const unresolvedAppGroup = "unknown"
