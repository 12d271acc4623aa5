// Package observer provides OTEL-based observability for chatvault
// operations.
//
// It wraps the embedding provider with an instrumented version and exposes
// recording helpers for imports, searches, and worker jobs that emit traces,
// metrics, and logs via OpenTelemetry. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/chatvault/chatvault/observer"

// Instruments holds all OTEL instruments used by the observer wrappers and
// recording helpers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	EmbedRequests       metric.Int64Counter
	EmbedTexts          metric.Int64Counter
	SearchRequests      metric.Int64Counter
	ImportConversations metric.Int64Counter
	ImportMessages      metric.Int64Counter
	JobsCompleted       metric.Int64Counter
	JobsFailed          metric.Int64Counter

	// Histograms
	EmbedDuration  metric.Float64Histogram
	SearchDuration metric.Float64Histogram
	ImportDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("chatvault")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding provider call count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	embedTexts, err := meter.Int64Counter("embedding.texts",
		metric.WithDescription("Texts embedded"),
		metric.WithUnit("{text}"))
	if err != nil {
		return nil, err
	}

	searchRequests, err := meter.Int64Counter("search.requests",
		metric.WithDescription("Search request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	importConversations, err := meter.Int64Counter("import.conversations",
		metric.WithDescription("Conversations imported"),
		metric.WithUnit("{conversation}"))
	if err != nil {
		return nil, err
	}

	importMessages, err := meter.Int64Counter("import.messages",
		metric.WithDescription("Messages imported"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	jobsCompleted, err := meter.Int64Counter("jobs.completed",
		metric.WithDescription("Queue jobs completed"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	jobsFailed, err := meter.Int64Counter("jobs.failed",
		metric.WithDescription("Queue job attempts failed"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram("search.duration",
		metric.WithDescription("Search duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	importDuration, err := meter.Float64Histogram("import.duration",
		metric.WithDescription("Archive import duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		EmbedRequests:       embedRequests,
		EmbedTexts:          embedTexts,
		SearchRequests:      searchRequests,
		ImportConversations: importConversations,
		ImportMessages:      importMessages,
		JobsCompleted:       jobsCompleted,
		JobsFailed:          jobsFailed,
		EmbedDuration:       embedDuration,
		SearchDuration:      searchDuration,
		ImportDuration:      importDuration,
	}, nil
}
