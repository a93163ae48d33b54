// Package otelobserve records resilient HTTP calls with OpenTelemetry.
//
// Each attempt becomes a client span and increments http.client.attempts; each call increments
// http.client.calls labelled with its outcome code. Attempt durations are recorded in
// milliseconds in http.client.attempt.duration_ms.
package otelobserve

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

// InstrumentationName is the meter and tracer name.
const InstrumentationName = "github.com/JohnPlummer/jp-go-resilient-http"

// Config selects the providers. Nil providers fall back to the otel globals.
type Config struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Observer implements resilience.Observer on top of OpenTelemetry.
type Observer struct {
	tracer       trace.Tracer
	attemptCount metric.Int64Counter
	callCount    metric.Int64Counter
	durationHist metric.Float64Histogram
}

var _ resilience.Observer = (*Observer)(nil)

// New creates an Observer.
func New(cfg Config) (*Observer, error) {
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	meter := mp.Meter(InstrumentationName)

	attemptCount, err := meter.Int64Counter(
		"http.client.attempts",
		metric.WithDescription("Number of request attempts, retries included"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	callCount, err := meter.Int64Counter(
		"http.client.calls",
		metric.WithDescription("Number of resilient calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"http.client.attempt.duration_ms",
		metric.WithDescription("Attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Observer{
		tracer:       tp.Tracer(InstrumentationName),
		attemptCount: attemptCount,
		callCount:    callCount,
		durationHist: durationHist,
	}, nil
}

// ObserveAttempt records the attempt counter, duration and a span covering the attempt.
func (o *Observer) ObserveAttempt(ctx context.Context, event resilience.AttemptEvent) {
	outcome := outcomeOf(event.Failure)
	opt := metric.WithAttributes(
		attribute.String("http.request.method", event.Method),
		attribute.String("outcome", outcome),
	)
	o.attemptCount.Add(ctx, 1, opt)
	o.durationHist.Record(ctx, float64(event.Duration)/float64(time.Millisecond), opt)

	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", event.Method),
		attribute.String("url.full", event.URL),
		attribute.Int("resilience.attempt", event.Attempt),
		attribute.Int("resilience.max_attempts", event.MaxAttempts),
		attribute.String("resilience.outcome", outcome),
		attribute.Bool("resilience.will_retry", event.WillRetry),
	}
	if event.StatusCode != 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", event.StatusCode))
	}
	if event.WillRetry {
		attrs = append(attrs, attribute.Int64("resilience.next_delay_ms", event.NextDelay.Milliseconds()))
	}

	_, span := o.tracer.Start(ctx, "HTTP "+event.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(event.Started),
		trace.WithAttributes(attrs...),
	)
	if event.Failure != nil && event.Failure.Code() != resilience.CodeAborted {
		span.RecordError(event.Failure)
		span.SetStatus(codes.Error, event.Failure.Message())
	}
	span.End(trace.WithTimestamp(event.Started.Add(event.Duration)))
}

// ObserveCall records the call counter labelled with the outcome code.
func (o *Observer) ObserveCall(ctx context.Context, event resilience.CallEvent) {
	o.callCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.request.method", event.Method),
		attribute.String("outcome", outcomeOf(event.Failure)),
		attribute.Int("resilience.attempts", event.Attempts),
	))
}

func outcomeOf(f *resilience.Failure) string {
	if f == nil {
		return "success"
	}
	return string(f.Code())
}
