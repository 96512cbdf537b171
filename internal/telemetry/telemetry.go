// Package telemetry provides OpenTelemetry metrics for civicsense.
//
// Metrics are off by default; the global no-op provider makes every
// recording call free. Set CIVIC_OTEL_STDOUT=true to print metrics to stdout
// at the configured interval.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "civicsense"

var shutdownFns []func(context.Context) error

// Enabled reports whether metrics export is on.
func Enabled() bool {
	return os.Getenv("CIVIC_OTEL_STDOUT") == "true"
}

// Init installs the meter provider. With export disabled it installs no-op
// providers and returns immediately.
func Init(ctx context.Context, interval time.Duration) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts the providers down.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

var instruments struct {
	once        sync.Once
	submissions metric.Int64Counter
	transitions metric.Int64Counter
	assignments metric.Int64Counter
	updates     metric.Int64Counter
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	resyncs     metric.Int64Counter
}

func initInstruments() {
	instruments.once.Do(func() {
		m := Meter(instrumentationScope)
		instruments.submissions, _ = m.Int64Counter("civic.issue.submissions",
			metric.WithDescription("Issues reported by citizens"))
		instruments.transitions, _ = m.Int64Counter("civic.issue.transitions",
			metric.WithDescription("Issue status transitions"))
		instruments.assignments, _ = m.Int64Counter("civic.issue.assignments",
			metric.WithDescription("Issue assignments"))
		instruments.updates, _ = m.Int64Counter("civic.issue.updates",
			metric.WithDescription("Progress notes appended"))
		instruments.delivered, _ = m.Int64Counter("civic.feed.delivered",
			metric.WithDescription("Change events delivered to subscriptions"))
		instruments.dropped, _ = m.Int64Counter("civic.feed.dropped",
			metric.WithDescription("Subscriptions dropped by the feed"))
		instruments.resyncs, _ = m.Int64Counter("civic.dashboard.resyncs",
			metric.WithDescription("Dashboard resubscribe and re-query cycles"))
	})
}

func RecordSubmission(ctx context.Context, category string) {
	initInstruments()
	instruments.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func RecordTransition(ctx context.Context, from, to, role string) {
	initInstruments()
	instruments.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("role", role),
	))
}

func RecordAssignment(ctx context.Context) {
	initInstruments()
	instruments.assignments.Add(ctx, 1)
}

func RecordUpdate(ctx context.Context, role string) {
	initInstruments()
	instruments.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func RecordDelivered(ctx context.Context, topic string) {
	initInstruments()
	instruments.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func RecordDropped(ctx context.Context, topic, reason string) {
	initInstruments()
	instruments.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("reason", reason),
	))
}

func RecordResync(ctx context.Context, view string) {
	initInstruments()
	instruments.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("view", view)))
}
