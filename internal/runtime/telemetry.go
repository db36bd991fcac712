package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/parlay-labs/interp-core/internal/config"
)

// Telemetry owns the worker's tracer and meter providers and the
// interpretation-specific instruments the host reports into. Traces go to an
// OTLP collector when one is configured, stdout otherwise; metrics are
// scraped by Prometheus through the Metrics handler on the worker mux.
type Telemetry struct {
	// Metrics serves the Prometheus scrape endpoint; nil when the exporter
	// could not be built (metrics are then recorded but not exported).
	Metrics http.Handler

	// ActiveJobs and SegmentLatency are the worker-level instruments: room
	// jobs currently bound to this host, and the first-seen to first-audio
	// latency distribution across every pipeline it runs.
	ActiveJobs     metric.Int64UpDownCounter
	SegmentLatency metric.Float64Histogram

	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
}

// newTelemetry wires the OTel providers for one worker host. The resource
// identifies the host within the interpretation fleet so per-worker
// dashboards can split on dispatch mode and capacity.
func newTelemetry(cfg config.Config, log *slog.Logger) (*Telemetry, error) {
	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.WorkerName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("interp.dispatch_mode", cfg.Worker.DispatchMode),
		attribute.Int("interp.max_jobs", cfg.Worker.MaxConcurrentJobs),
	))
	if err != nil {
		return nil, err
	}

	t := &Telemetry{}

	var spans sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if spans, err = otlptracegrpc.New(ctx, opts...); err != nil {
			return nil, err
		}
		log.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		if spans, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, err
		}
		log.Info("telemetry initialized", slog.String("exporter", "stdout"))
	}
	t.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.traces)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if promExporter, err := prometheus.New(); err != nil {
		log.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(promExporter))
		t.Metrics = promhttp.Handler()
	}
	t.meters = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(t.meters)

	meter := t.meters.Meter("github.com/parlay-labs/interp-core/runtime")
	if t.ActiveJobs, err = meter.Int64UpDownCounter("interp.jobs.active",
		metric.WithDescription("Room jobs currently bound to this worker host")); err != nil {
		return nil, err
	}
	if t.SegmentLatency, err = meter.Float64Histogram("interp.segment.latency_ms",
		metric.WithDescription("Per-segment first-seen to TTS-first-audio latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	return t, nil
}

// Shutdown flushes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
