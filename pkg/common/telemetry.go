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

package common

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
	"github.com/DryHumorInDC/passenger/version"
)

// MaxPendingTransactions bounds the export queue. Transactions recorded while
// the queue is full are dropped.
const MaxPendingTransactions = 5000

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(logutil.DEFAULT).Error(err, "trace error occurred")
}

// InitTracing installs a global tracer provider exporting to the configured
// collector and returns it. The provider is shut down when ctx is done.
// endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT when set.
func InitTracing(ctx context.Context, logger logr.Logger, endpoint string) (*sdktrace.TracerProvider, error) {
	logger = logger.WithName("trace")
	loggerWrap := &errorHandler{logger: logger}

	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		os.Setenv("OTEL_SERVICE_NAME", "passenger-core")
	}
	if endpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)
	} else if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")
	}

	traceExporter, err := initTraceExporter(ctx, logger)
	if err != nil {
		loggerWrap.Handle(fmt.Errorf("%s: %v", "init trace exporter failed", err))
		return nil, err
	}

	// Go SDK doesn't have an automatic sampler, handle manually
	samplerType, ok := os.LookupEnv("OTEL_TRACES_SAMPLER")
	if !ok {
		samplerType = "parentbased_always_on"
	}
	var sampler sdktrace.Sampler
	switch samplerType {
	case "parentbased_always_on":
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_traceidratio":
		fraction, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
		if err != nil {
			fraction = 0.1
		}
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
	default:
		loggerWrap.Handle(fmt.Errorf("unsupported sampler type: %s, fallback to parentbased_always_on", samplerType))
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithMaxQueueSize(MaxPendingTransactions)),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceVersionKey.String(version.BuildRef),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(loggerWrap)

	go func() {
		<-ctx.Done()
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			loggerWrap.Handle(fmt.Errorf("%s: %v", "failed to shutdown TraceProvider", err))
		}
		logger.V(logutil.DEFAULT).Info("trace provider shutting down")
	}()

	return tracerProvider, nil
}

// initTraceExporter creates a SpanExporter selected by OTEL_TRACES_EXPORTER:
// - console: print spans, for development
// - otlp: send spans to an OpenTelemetry collector over gRPC, or over HTTP
// when OTEL_EXPORTER_OTLP_PROTOCOL is http/protobuf
func initTraceExporter(ctx context.Context, logger logr.Logger) (sdktrace.SpanExporter, error) {
	exporterType, ok := os.LookupEnv("OTEL_TRACES_EXPORTER")
	if !ok {
		exporterType = "otlp"
	}
	protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	logger.Info("init OTel trace exporter", "type", exporterType, "protocol", protocol)

	switch exporterType {
	case "console":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdouttrace exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		if protocol == "http/protobuf" {
			exp, err := otlptracehttp.New(ctx, otlptracehttp.WithInsecure())
			if err != nil {
				return nil, fmt.Errorf("failed to create otlp-http exporter: %w", err)
			}
			return exp, nil
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporterType)
	}
}
