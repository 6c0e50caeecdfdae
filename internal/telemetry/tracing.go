// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskforge"

// TracerProvider manages the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "taskforge",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SamplingRate:   1.0,
	}
}

// NewTracerProvider creates and registers a new OpenTelemetry tracer
// provider. Callers supply their own span exporter (e.g. OTLP, stdout)
// via opts; with none the provider records spans but exports nothing.
func NewTracerProvider(ctx context.Context, config *Config, opts ...sdktrace.TracerProviderOption) (*TracerProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	}, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: tp}, nil
}

// Shutdown gracefully shuts down the tracer provider, flushing spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.provider.Shutdown(shutdownCtx)
}

// StartSpan starts a new span named spanName under the taskforge tracer.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordError records err on span and marks it errored.
func RecordError(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace ID from the current span.
func TraceID(ctx context.Context) string {
	return trace.SpanFromContext(ctx).SpanContext().TraceID().String()
}

// Attribute keys shared across orchestrator, merge and driver spans.
const (
	AttrProjectID = attribute.Key("taskforge.project_id")
	AttrTaskID    = attribute.Key("taskforge.task_id")
	AttrBranch    = attribute.Key("taskforge.branch")
	AttrStatus    = attribute.Key("taskforge.status")
	AttrAttempt   = attribute.Key("taskforge.attempt")

	AttrSessionID      = attribute.Key("opencode.session_id")
	AttrPrompt         = attribute.Key("opencode.prompt")
	AttrModel          = attribute.Key("opencode.model")
	AttrAgent          = attribute.Key("opencode.agent")
	AttrFilesModified  = attribute.Key("opencode.files_modified")
	AttrResponseLength = attribute.Key("opencode.response_length")

	AttrError        = attribute.Key("error")
	AttrErrorMessage = attribute.Key("error.message")
	AttrDuration      = attribute.Key("duration_ms")
)

// TaskAttrs creates attributes identifying a task's project/branch context.
func TaskAttrs(projectID, taskID, branch string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProjectID.String(projectID),
		AttrTaskID.String(taskID),
		AttrBranch.String(branch),
	}
}

// DurationAttrs creates a duration attribute in milliseconds.
func DurationAttrs(d time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{AttrDuration.Int64(d.Milliseconds())}
}

// ErrorAttrs creates attributes describing a failed operation, for
// attaching to an AddEvent call alongside RecordError.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrError.Bool(true),
		AttrErrorMessage.String(err.Error()),
	}
}
