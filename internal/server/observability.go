package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	ScanCounter    metric.Int64Counter
	ModuleDuration metric.Int64Histogram
	RefusalCounter metric.Int64Counter
	CircuitOpens   metric.Int64Counter
	BudgetBlocked  metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "redscan-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	scanCounter, _ := meter.Int64Counter("redscan_scan_total")
	moduleDuration, _ := meter.Int64Histogram("redscan_module_duration_ms")
	refusalCounter, _ := meter.Int64Counter("redscan_refusal_total")
	circuitOpens, _ := meter.Int64Counter("redscan_circuit_open_total")
	budgetBlocked, _ := meter.Int64Counter("redscan_budget_block_total")
	return &Observability{
		Tracer:         tracer,
		Meter:          meter,
		traceProvider:  tp,
		ScanCounter:    scanCounter,
		ModuleDuration: moduleDuration,
		RefusalCounter: refusalCounter,
		CircuitOpens:   circuitOpens,
		BudgetBlocked:  budgetBlocked,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkScan(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.ScanCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkModule(ctx context.Context, module string, durationMS int64) {
	if o == nil {
		return
	}
	o.ModuleDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("module", module),
	))
}

func (o *Observability) MarkRefusal(ctx context.Context, module string) {
	if o == nil {
		return
	}
	o.RefusalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("module", module)))
}

func (o *Observability) MarkCircuitOpen(ctx context.Context, count int) {
	if o == nil || count <= 0 {
		return
	}
	o.CircuitOpens.Add(ctx, int64(count))
}

func (o *Observability) MarkBudgetBlocked(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.BudgetBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
