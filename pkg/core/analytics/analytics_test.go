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

package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingCore() (*OtelCore, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewOtelCore(tp), sr
}

func TestNoopCore(t *testing.T) {
	ctx := context.Background()
	got, txn := NoopCore{}.NewTransaction(ctx, "app", "requests")
	assert.Nil(t, txn)
	assert.Equal(t, ctx, got)

	var sw Stopwatch
	sw.Begin(txn, "request processing")
	assert.False(t, sw.Running(), "stopwatch stays idle without a transaction")
	sw.End(true)
}

func TestOtelTransaction(t *testing.T) {
	core, sr := newRecordingCore()

	_, txn := core.NewTransaction(context.Background(), "app", "requests")
	require.NotNil(t, txn)
	assert.NotEmpty(t, txn.TxnID())

	var processing, checkout Stopwatch
	processing.Begin(txn, "request processing")
	checkout.Begin(txn, "get from pool")
	assert.True(t, checkout.Running())
	txn.Message("checkout retried")
	checkout.End(false)
	checkout.End(true)
	assert.False(t, checkout.Running())
	processing.End(true)
	txn.End(true)
	txn.End(false)

	ended := sr.Ended()
	require.Len(t, ended, 3, "every span ends exactly once")
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		byName[s.Name()] = s
	}

	root := byName["requests"]
	require.NotNil(t, root)
	assert.Equal(t, codes.Ok, root.Status().Code)
	require.Len(t, root.Events(), 1)
	assert.Equal(t, "checkout retried", root.Events()[0].Name)

	getFromPool := byName["get from pool"]
	require.NotNil(t, getFromPool)
	assert.Equal(t, codes.Error, getFromPool.Status().Code)
	assert.Equal(t, root.SpanContext().SpanID(), getFromPool.Parent().SpanID())

	assert.Equal(t, codes.Ok, byName["request processing"].Status().Code)
}

func TestStopwatchBeginTwiceKeepsFirstMeasurement(t *testing.T) {
	core, sr := newRecordingCore()
	_, txn := core.NewTransaction(context.Background(), "app", "requests")

	var sw Stopwatch
	sw.Begin(txn, "first")
	sw.Begin(txn, "second")
	sw.End(true)
	txn.End(true)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"first", "requests"}, names)
	assert.Len(t, sr.Started(), 2, "the second Begin does not start a span")
}
