package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records dispatch pass and tick measurements through the
// OpenTelemetry meter. A nil *Observability records nothing.
type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	passCounter   otelmetric.Int64Counter
	passDuration  otelmetric.Float64Histogram
	tickCounter   otelmetric.Int64Counter
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	passCounter, _ := meter.Int64Counter(
		"dispatch.passes",
		otelmetric.WithDescription("Scan-resolve-render-enqueue passes run"),
	)

	passDuration, _ := meter.Float64Histogram(
		"dispatch.pass.duration",
		otelmetric.WithDescription("Dispatch pass duration"),
		otelmetric.WithUnit("ms"),
	)

	tickCounter, _ := meter.Int64Counter(
		"delivery.ticks",
		otelmetric.WithDescription("Delivery ticks run"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		passCounter:   passCounter,
		passDuration:  passDuration,
		tickCounter:   tickCounter,
	}
}

func (o *Observability) RecordPass(ctx context.Context, kind, status string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	if o.passCounter != nil {
		o.passCounter.Add(ctx, 1, attrs)
	}
	if o.passDuration != nil {
		o.passDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordTick(ctx context.Context, sent, failed int) {
	if o == nil || o.tickCounter == nil {
		return
	}
	status := "ok"
	if failed > 0 {
		status = "failures"
	} else if sent == 0 {
		status = "idle"
	}
	o.tickCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
}

func (o *Observability) Shutdown() {
	if o != nil && o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
