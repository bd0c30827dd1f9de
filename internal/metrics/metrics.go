// Package metrics exposes kernel lifecycle counters through an
// OpenTelemetry meter backed by the Prometheus registry the server
// scrapes at /metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/otterscale/kernel-provisioner"

// Metrics records kernel lifecycle events. A nil *Metrics is valid and
// records nothing, so callers need no guards.
type Metrics struct {
	launches       metric.Int64Counter
	launchFailures metric.Int64Counter
	activeKernels  metric.Int64UpDownCounter
	launchSeconds  metric.Float64Histogram

	handler http.Handler
}

func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(meterName)

	m := &Metrics{
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if m.launches, err = meter.Int64Counter("kernel_launches_total",
		metric.WithDescription("Kernel launch attempts")); err != nil {
		return nil, err
	}
	if m.launchFailures, err = meter.Int64Counter("kernel_launch_failures_total",
		metric.WithDescription("Kernel launches that did not reach running")); err != nil {
		return nil, err
	}
	if m.activeKernels, err = meter.Int64UpDownCounter("kernels_active",
		metric.WithDescription("Kernels currently tracked by the server")); err != nil {
		return nil, err
	}
	if m.launchSeconds, err = meter.Float64Histogram("kernel_launch_duration_seconds",
		metric.WithDescription("Wall-clock time from launch request to running")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func backendAttr(backend string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("backend", backend))
}

func (m *Metrics) LaunchStarted(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.launches.Add(ctx, 1, backendAttr(backend))
}

func (m *Metrics) LaunchFailed(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.launchFailures.Add(ctx, 1, backendAttr(backend))
}

func (m *Metrics) KernelStarted(ctx context.Context, backend string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeKernels.Add(ctx, 1, backendAttr(backend))
	m.launchSeconds.Record(ctx, elapsed.Seconds(), backendAttr(backend))
}

func (m *Metrics) KernelStopped(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.activeKernels.Add(ctx, -1, backendAttr(backend))
}
