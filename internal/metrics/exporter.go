// Package metrics provides the OpenTelemetry-based metrics exporter for
// the replication engine, bridging OTel instruments to a Prometheus
// registry so `cmd/replicad` can serve them over /metrics without any
// controller-runtime manager to own the registry.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// The instruments below default to no-op implementations so
// internal/fetch can record against them
// unconditionally, including in tests that never call InitExporter;
// InitExporter replaces them with real, registry-backed instruments.
var (
	otelMeter metric.Meter

	FetchAttemptsTotal   metric.Int64Counter       = noop.Int64Counter{}
	FetchDurationSeconds metric.Float64Histogram   = noop.Float64Histogram{}
	FetchBytesTotal      metric.Int64Counter       = noop.Int64Counter{}
	VerifyFailuresTotal  metric.Int64Counter       = noop.Int64Counter{}
	RefsAppliedTotal     metric.Int64Counter       = noop.Int64Counter{}
	RefsRejectedTotal    metric.Int64Counter       = noop.Int64Counter{}
	PeersTrackedGauge    metric.Int64UpDownCounter = noop.Int64UpDownCounter{}
	ReplicationsInflight metric.Int64UpDownCounter = noop.Int64UpDownCounter{}
)

// InitExporter wires an OTel MeterProvider to reg, a caller-owned
// Prometheus registry (no controller-runtime registry handoff: the
// registry is just prometheus.NewRegistry(), exposed over HTTP by
// cmd/replicad itself), and creates every instrument the replication
// engine reports against. The returned func shuts the provider down.
func InitExporter(ctx context.Context, reg *prometheus.Registry) (func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	otelMeter = provider.Meter("replica")

	FetchAttemptsTotal, err = otelMeter.Int64Counter("replica_fetch_attempts_total",
		metric.WithDescription("fetch state machine runs started, by outcome"))
	if err != nil {
		return nil, err
	}
	FetchDurationSeconds, err = otelMeter.Float64Histogram("replica_fetch_duration_seconds",
		metric.WithDescription("wall-clock time from Peek to Done/Abort"))
	if err != nil {
		return nil, err
	}
	FetchBytesTotal, err = otelMeter.Int64Counter("replica_fetch_bytes_total",
		metric.WithDescription("bytes pulled across peek and pull phases"))
	if err != nil {
		return nil, err
	}
	VerifyFailuresTotal, err = otelMeter.Int64Counter("replica_verify_failures_total",
		metric.WithDescription("identity verification failures"))
	if err != nil {
		return nil, err
	}
	RefsAppliedTotal, err = otelMeter.Int64Counter("replica_refs_applied_total",
		metric.WithDescription("refdb updates applied by commit phases"))
	if err != nil {
		return nil, err
	}
	RefsRejectedTotal, err = otelMeter.Int64Counter("replica_refs_rejected_total",
		metric.WithDescription("refdb updates rejected by commit phases"))
	if err != nil {
		return nil, err
	}
	PeersTrackedGauge, err = otelMeter.Int64UpDownCounter("replica_peers_tracked",
		metric.WithDescription("current tracking graph entries"))
	if err != nil {
		return nil, err
	}
	ReplicationsInflight, err = otelMeter.Int64UpDownCounter("replica_replications_inflight",
		metric.WithDescription("replications currently running, including singleflight-coalesced callers"))
	if err != nil {
		return nil, err
	}

	return provider.Shutdown, nil
}
