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

package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	metricsutil "github.com/DryHumorInDC/passenger/pkg/core/util/metrics"
)

const (
	Namespace          = "passenger"
	CoreSubsystem      = "core"
	CheckoutSuccess    = "success"
	CheckoutTransient  = "transient"
	CheckoutFatal      = "fatal"
	CheckoutCanceled   = "canceled"
	appGroupLabel      = "app_group"
	errorCodeLabel     = "error_code"
	stageLabel         = "stage"
	successLabel       = "success"
	checkoutResultName = "result"
)

var (
	AppGroupLabels = []string{appGroupLabel}

	// RequestLatencyBuckets cover requests from 1ms to 10 minutes.
	RequestLatencyBuckets = []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
	}

	// BodySizeBuckets cover request bodies from 1KiB to 1GiB.
	BodySizeBuckets = prometheus.ExponentialBuckets(1024, 4, 11)
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "request_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of requests broken out for each application group.", compbasemetrics.ALPHA),
		},
		AppGroupLabels,
	)

	requestErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "request_error_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of failed requests broken out for each application group and error code.", compbasemetrics.ALPHA),
		},
		[]string{appGroupLabel, errorCodeLabel},
	)

	requestLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "request_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Request latency distribution in seconds for each application group.", compbasemetrics.ALPHA),
			Buckets:   RequestLatencyBuckets,
		},
		AppGroupLabels,
	)

	stageLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "stage_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time spent in each request processing stage in seconds.", compbasemetrics.ALPHA),
			Buckets:   RequestLatencyBuckets,
		},
		[]string{stageLabel, successLabel},
	)

	checkoutAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "session_checkout_attempts_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of session checkout attempts broken out by result.", compbasemetrics.ALPHA),
		},
		[]string{appGroupLabel, checkoutResultName},
	)

	bufferedBodySizes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "request_body_buffered_bytes",
			Help:      metricsutil.HelpMsgWithStability("Size distribution of request bodies buffered before checkout.", compbasemetrics.ALPHA),
			Buckets:   BodySizeBuckets,
		},
		AppGroupLabels,
	)

	bodySpills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "request_body_spills_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of request bodies that did not fit in memory and were written to disk.", compbasemetrics.ALPHA),
		},
		AppGroupLabels,
	)

	runningRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "running_requests",
			Help:      metricsutil.HelpMsgWithStability("Number of requests currently being processed for each application group.", compbasemetrics.ALPHA),
		},
		AppGroupLabels,
	)

	sessionDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "session_discards_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of sessions discarded after a failed conversation with the application.", compbasemetrics.ALPHA),
		},
		AppGroupLabels,
	)

	CoreInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: CoreSubsystem,
			Name:      "info",
			Help:      metricsutil.HelpMsgWithStability("General information of the current build of the core.", compbasemetrics.ALPHA),
		},
		[]string{"commit", "build_ref"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(requestCounter)
		metrics.Registry.MustRegister(requestErrCounter)
		metrics.Registry.MustRegister(requestLatencies)
		metrics.Registry.MustRegister(stageLatencies)
		metrics.Registry.MustRegister(checkoutAttempts)
		metrics.Registry.MustRegister(bufferedBodySizes)
		metrics.Registry.MustRegister(bodySpills)
		metrics.Registry.MustRegister(runningRequests)
		metrics.Registry.MustRegister(sessionDiscards)
		metrics.Registry.MustRegister(CoreInfo)
		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// Reset clears all recorded values. Used by tests.
func Reset() {
	requestCounter.Reset()
	requestErrCounter.Reset()
	requestLatencies.Reset()
	stageLatencies.Reset()
	checkoutAttempts.Reset()
	bufferedBodySizes.Reset()
	bodySpills.Reset()
	runningRequests.Reset()
	sessionDiscards.Reset()
	CoreInfo.Reset()
}

// RecordRequestCounter records the number of requests.
func RecordRequestCounter(appGroup string) {
	requestCounter.WithLabelValues(appGroup).Inc()
}

// RecordRequestErrCounter records the number of error requests.
func RecordRequestErrCounter(appGroup string, code string) {
	if code != "" {
		requestErrCounter.WithLabelValues(appGroup, code).Inc()
	}
}

// RecordRequestLatencies records duration of request.
func RecordRequestLatencies(ctx context.Context, appGroup string, received time.Time, complete time.Time) bool {
	if complete.Before(received) {
		log.FromContext(ctx).V(logutil.DEFAULT).Error(nil, "Request latency values are invalid",
			"appGroup", appGroup, "completeTime", complete, "receivedTime", received)
		return false
	}
	requestLatencies.WithLabelValues(appGroup).Observe(complete.Sub(received).Seconds())
	return true
}

// RecordStageLatency records the time spent in one processing stage.
func RecordStageLatency(stage string, success bool, duration time.Duration) {
	stageLatencies.WithLabelValues(stage, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// RecordCheckoutAttempt records the outcome of one session checkout attempt.
func RecordCheckoutAttempt(appGroup, result string) {
	checkoutAttempts.WithLabelValues(appGroup, result).Inc()
}

// RecordBufferedBody records a request body that was buffered before checkout.
func RecordBufferedBody(appGroup string, size int64, spilled bool) {
	bufferedBodySizes.WithLabelValues(appGroup).Observe(float64(size))
	if spilled {
		bodySpills.WithLabelValues(appGroup).Inc()
	}
}

func IncRunningRequests(appGroup string) {
	if appGroup != "" {
		runningRequests.WithLabelValues(appGroup).Inc()
	}
}

func DecRunningRequests(appGroup string) {
	if appGroup != "" {
		runningRequests.WithLabelValues(appGroup).Dec()
	}
}

// RecordSessionDiscard records a session that was not returned for reuse.
func RecordSessionDiscard(appGroup string) {
	sessionDiscards.WithLabelValues(appGroup).Inc()
}

// RecordCoreInfo records the build information of the running binary.
func RecordCoreInfo(commitSha, buildRef string) {
	CoreInfo.WithLabelValues(commitSha, buildRef).Set(1)
}
