package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const instrumentationName = "pkt.systems/tenantd/gateway"

type transportMetrics struct {
	calls        metric.Int64Counter
	callDuration metric.Int64Histogram
	connects     metric.Int64Counter
	pendingGauge metric.Int64ObservableGauge
	registration metric.Registration
}

func newTransportMetrics(logger pslog.Logger, pending func() int) *transportMetrics {
	meter := otel.Meter(instrumentationName)
	m := &transportMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"tenantd.gateway.calls",
		metric.WithDescription("Gateway RPC calls by method and outcome"),
	)
	logMetricInitError(logger, "tenantd.gateway.calls", err)

	m.callDuration, err = meter.Int64Histogram(
		"tenantd.gateway.call.duration_ms",
		metric.WithDescription("Gateway RPC call duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tenantd.gateway.call.duration_ms", err)

	m.connects, err = meter.Int64Counter(
		"tenantd.gateway.connects",
		metric.WithDescription("Gateway connection attempts by outcome"),
	)
	logMetricInitError(logger, "tenantd.gateway.connects", err)

	m.pendingGauge, err = meter.Int64ObservableGauge(
		"tenantd.gateway.pending",
		metric.WithDescription("Outstanding gateway calls"),
	)
	logMetricInitError(logger, "tenantd.gateway.pending", err)

	if m.pendingGauge != nil && pending != nil {
		reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.pendingGauge, int64(pending()))
			return nil
		}, m.pendingGauge)
		logMetricInitError(logger, "tenantd.gateway.pending.callback", err)
		m.registration = reg
	}
	return m
}

func (m *transportMetrics) recordCall(ctx context.Context, method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", callOutcome(err)),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.callDuration != nil {
		m.callDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *transportMetrics) recordConnect(ctx context.Context, err error) {
	if m == nil || m.connects == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *transportMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func callOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("gateway.metrics.init_failed", "metric", name, "error", err)
}
