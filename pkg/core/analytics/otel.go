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
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/DryHumorInDC/passenger/pkg/core/analytics"

const (
	AppGroupKey = attribute.Key("passenger.app_group")
	TxnIDKey    = attribute.Key("passenger.txn_id")
)

// OtelCore records transactions as OpenTelemetry spans: one span per
// transaction with a child span per measurement.
type OtelCore struct {
	tracer trace.Tracer
}

var _ Core = &OtelCore{}

func NewOtelCore(tp trace.TracerProvider) *OtelCore {
	return &OtelCore{tracer: tp.Tracer(instrumentationName)}
}

func (c *OtelCore) NewTransaction(ctx context.Context, groupName, category string) (context.Context, Transaction) {
	id := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, category,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AppGroupKey.String(groupName), TxnIDKey.String(id)),
	)
	return ctx, &otelTransaction{tracer: c.tracer, ctx: ctx, span: span, id: id}
}

type otelTransaction struct {
	tracer trace.Tracer
	ctx    context.Context
	span   trace.Span
	id     string
	once   sync.Once
}

func (t *otelTransaction) TxnID() string {
	return t.id
}

func (t *otelTransaction) Message(text string) {
	t.span.AddEvent(text)
}

func (t *otelTransaction) BeginMeasurement(name string) Measurement {
	_, span := t.tracer.Start(t.ctx, name)
	return &otelMeasurement{span: span}
}

func (t *otelTransaction) End(success bool) {
	t.once.Do(func() { endSpan(t.span, success) })
}

type otelMeasurement struct {
	span trace.Span
	once sync.Once
}

func (m *otelMeasurement) End(success bool) {
	m.once.Do(func() { endSpan(m.span, success) })
}

func endSpan(span trace.Span, success bool) {
	if success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "failed")
	}
	span.End()
}
