package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "civic-gateway"

// Metric names
const (
	MetricDecisions      = "gateway.decisions.total"
	MetricClaims         = "gateway.idempotency.claims.total"
	MetricRotations      = "gateway.tokens.rotations.total"
	MetricTickets        = "gateway.tickets.consumptions.total"
	MetricSecurityEvents = "gateway.security_events.total"
	MetricEvalDuration   = "gateway.decision.duration"
)

// Metrics records gateway counters on an in-process meter provider.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	decisions      metric.Int64Counter
	claims         metric.Int64Counter
	rotations      metric.Int64Counter
	tickets        metric.Int64Counter
	securityEvents metric.Int64Counter
	evalDuration   metric.Float64Histogram
}

// NewMetrics creates the meter provider and registers all instruments
func NewMetrics(serviceName string) (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, reader: reader}

	var err error
	if m.decisions, err = meter.Int64Counter(MetricDecisions,
		metric.WithDescription("Governance decisions by status and rationale code"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}
	if m.claims, err = meter.Int64Counter(MetricClaims,
		metric.WithDescription("Idempotency claims by outcome"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create claims counter: %w", err)
	}
	if m.rotations, err = meter.Int64Counter(MetricRotations,
		metric.WithDescription("Refresh token rotations by outcome"),
		metric.WithUnit("{rotation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rotations counter: %w", err)
	}
	if m.tickets, err = meter.Int64Counter(MetricTickets,
		metric.WithDescription("One-time ticket consumptions by outcome"),
		metric.WithUnit("{ticket}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tickets counter: %w", err)
	}
	if m.securityEvents, err = meter.Int64Counter(MetricSecurityEvents,
		metric.WithDescription("Security events by kind"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create security events counter: %w", err)
	}
	if m.evalDuration, err = meter.Float64Histogram(MetricEvalDuration,
		metric.WithDescription("Decision evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return m, nil
}

// RecordDecision counts one decision and its evaluation time
func (m *Metrics) RecordDecision(ctx context.Context, status, rationaleCode string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("rationale_code", rationaleCode),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.evalDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordClaim counts one idempotency claim outcome
func (m *Metrics) RecordClaim(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRotation counts one refresh rotation outcome
func (m *Metrics) RecordRotation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTicket counts one ticket consumption outcome
func (m *Metrics) RecordTicket(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tickets.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSecurityEvent counts one security event
func (m *Metrics) RecordSecurityEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Snapshot collects current counter totals keyed by "<metric>{<attr>=<value>,...}".
// Histograms report their sample count.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if m == nil {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(md.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(md.Name, dp.Attributes)] += int64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// Shutdown releases the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func seriesKey(name string, set attribute.Set) string {
	if set.Len() == 0 {
		return name
	}
	key := name + "{"
	iter := set.Iter()
	first := true
	for iter.Next() {
		kv := iter.Attribute()
		if !first {
			key += ","
		}
		key += string(kv.Key) + "=" + kv.Value.Emit()
		first = false
	}
	return key + "}"
}
