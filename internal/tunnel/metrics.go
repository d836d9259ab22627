package tunnel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type registryMetrics struct {
	produced      metric.Int64Counter
	producedBytes metric.Int64Counter
	consumed      metric.Int64Counter
	acked         metric.Int64Counter
	replied       metric.Int64Counter
	rejected      metric.Int64Counter
	pollWait      metric.Float64Histogram
	tunnels       metric.Int64ObservableGauge
	messages      metric.Int64ObservableGauge
	waiters       metric.Int64ObservableGauge
}

var (
	attrModePending = attribute.String("tunneld.consume.mode", "pending")
	attrModeAuto    = attribute.String("tunneld.consume.mode", "auto")
)

func newRegistryMetrics(reg *Registry, logger pslog.Logger) *registryMetrics {
	meter := otel.Meter("pkt.systems/tunneld/tunnel")
	m := &registryMetrics{}
	var err error

	m.produced, err = meter.Int64Counter(
		"tunneld.messages.produced",
		metric.WithDescription("Messages accepted by produce"),
	)
	logMetricInitError(logger, "tunneld.messages.produced", err)

	m.producedBytes, err = meter.Int64Counter(
		"tunneld.messages.produced.bytes",
		metric.WithDescription("Body bytes accepted by produce"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "tunneld.messages.produced.bytes", err)

	m.consumed, err = meter.Int64Counter(
		"tunneld.messages.consumed",
		metric.WithDescription("Messages delivered to consumers"),
	)
	logMetricInitError(logger, "tunneld.messages.consumed", err)

	m.acked, err = meter.Int64Counter(
		"tunneld.messages.acked",
		metric.WithDescription("Pending messages acknowledged explicitly or by reply"),
	)
	logMetricInitError(logger, "tunneld.messages.acked", err)

	m.replied, err = meter.Int64Counter(
		"tunneld.replies.sent",
		metric.WithDescription("Replies stored in a mailbox"),
	)
	logMetricInitError(logger, "tunneld.replies.sent", err)

	m.rejected, err = meter.Int64Counter(
		"tunneld.messages.rejected",
		metric.WithDescription("Produce attempts rejected by the tunnel limit"),
	)
	logMetricInitError(logger, "tunneld.messages.rejected", err)

	m.pollWait, err = meter.Float64Histogram(
		"tunneld.poll.wait",
		metric.WithDescription("Time long polls spent waiting"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "tunneld.poll.wait", err)

	m.tunnels, err = meter.Int64ObservableGauge(
		"tunneld.tunnels.live",
		metric.WithDescription("Tunnels currently held by the registry"),
	)
	logMetricInitError(logger, "tunneld.tunnels.live", err)

	m.messages, err = meter.Int64ObservableGauge(
		"tunneld.messages.queued",
		metric.WithDescription("Unseen and pending messages across all tunnels"),
	)
	logMetricInitError(logger, "tunneld.messages.queued", err)

	m.waiters, err = meter.Int64ObservableGauge(
		"tunneld.waiters.active",
		metric.WithDescription("Parked long polls"),
	)
	logMetricInitError(logger, "tunneld.waiters.active", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := reg.Stats()
		o.ObserveInt64(m.tunnels, int64(stats.Tunnels))
		o.ObserveInt64(m.messages, stats.Messages)
		o.ObserveInt64(m.waiters, stats.Waiters)
		return nil
	}, m.tunnels, m.messages, m.waiters); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tunneld.registry", "error", err)
	}
	return m
}

func (m *registryMetrics) recordProduced(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.produced != nil {
		m.produced.Add(metricContext(ctx), 1)
	}
	if m.producedBytes != nil {
		m.producedBytes.Add(metricContext(ctx), int64(size))
	}
}

func (m *registryMetrics) recordConsumed(ctx context.Context, pending bool) {
	if m == nil || m.consumed == nil {
		return
	}
	mode := attrModeAuto
	if pending {
		mode = attrModePending
	}
	m.consumed.Add(metricContext(ctx), 1, metric.WithAttributes(mode))
}

func (m *registryMetrics) recordAcked(ctx context.Context) {
	if m == nil || m.acked == nil {
		return
	}
	m.acked.Add(metricContext(ctx), 1)
}

func (m *registryMetrics) recordReplied(ctx context.Context) {
	if m == nil || m.replied == nil {
		return
	}
	m.replied.Add(metricContext(ctx), 1)
}

func (m *registryMetrics) recordRejected(ctx context.Context) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(metricContext(ctx), 1)
}

func (m *registryMetrics) recordPollWait(ctx context.Context, kind string, waited time.Duration, delivered bool) {
	if m == nil || m.pollWait == nil {
		return
	}
	m.pollWait.Record(metricContext(ctx), waited.Seconds(), metric.WithAttributes(
		attribute.String("tunneld.poll.kind", kind),
		attribute.Bool("tunneld.poll.delivered", delivered),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
