package lsf

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lsfMetrics struct {
	sample        metric.Int64Counter
	inflight      metric.Int64ObservableGauge
	rssBytes      metric.Int64ObservableGauge
	memoryPercent metric.Float64ObservableGauge
	swapPercent   metric.Float64ObservableGauge
	load          metric.Float64ObservableGauge
	goroutines    metric.Int64ObservableGauge

	snapshot atomic.Value
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/tunneld/lsf")
	m := &lsfMetrics{}
	var err error

	m.sample, err = meter.Int64Counter(
		"tunneld.lsf.sample",
		metric.WithDescription("LSF samples collected"),
	)
	logMetricInitError(logger, "tunneld.lsf.sample", err)

	m.inflight, err = meter.Int64ObservableGauge(
		"tunneld.lsf.inflight",
		metric.WithDescription("LSF inflight request counts by operation kind"),
	)
	logMetricInitError(logger, "tunneld.lsf.inflight", err)

	m.rssBytes, err = meter.Int64ObservableGauge(
		"tunneld.lsf.rss.bytes",
		metric.WithDescription("LSF RSS bytes"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "tunneld.lsf.rss.bytes", err)

	m.memoryPercent, err = meter.Float64ObservableGauge(
		"tunneld.lsf.memory.percent",
		metric.WithDescription("LSF system memory used percent"),
	)
	logMetricInitError(logger, "tunneld.lsf.memory.percent", err)

	m.swapPercent, err = meter.Float64ObservableGauge(
		"tunneld.lsf.swap.percent",
		metric.WithDescription("LSF system swap used percent"),
	)
	logMetricInitError(logger, "tunneld.lsf.swap.percent", err)

	m.load, err = meter.Float64ObservableGauge(
		"tunneld.lsf.load",
		metric.WithDescription("LSF system load average"),
	)
	logMetricInitError(logger, "tunneld.lsf.load", err)

	m.goroutines, err = meter.Int64ObservableGauge(
		"tunneld.lsf.goroutines",
		metric.WithDescription("LSF goroutine count"),
	)
	logMetricInitError(logger, "tunneld.lsf.goroutines", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.inflight, m.rssBytes, m.memoryPercent, m.swapPercent, m.load, m.goroutines); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tunneld.lsf.metrics", "error", err)
	}

	return m
}

func (m *lsfMetrics) recordSample(ctx context.Context, snapshot Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(snapshot)
	if m.sample != nil {
		m.sample.Add(metricContext(ctx), 1)
	}
}

func (m *lsfMetrics) observe(o metric.Observer) {
	if m == nil {
		return
	}
	snapshot, ok := m.snapshot.Load().(Snapshot)
	if !ok {
		return
	}
	if m.inflight != nil {
		observeInflight(o, m.inflight, KindProduce, snapshot.ProduceInflight)
		observeInflight(o, m.inflight, KindConsume, snapshot.ConsumeInflight)
		observeInflight(o, m.inflight, KindAck, snapshot.AckInflight)
		observeInflight(o, m.inflight, KindReply, snapshot.ReplyInflight)
	}
	if m.rssBytes != nil {
		o.ObserveInt64(m.rssBytes, clampUint64(snapshot.RSSBytes))
	}
	if m.memoryPercent != nil {
		o.ObserveFloat64(m.memoryPercent, snapshot.SystemMemoryUsedPercent)
	}
	if m.swapPercent != nil {
		o.ObserveFloat64(m.swapPercent, snapshot.SystemSwapUsedPercent)
	}
	if m.load != nil {
		o.ObserveFloat64(m.load, snapshot.Load1, metric.WithAttributes(attribute.String("tunneld.load.window", "1")))
		o.ObserveFloat64(m.load, snapshot.Load5, metric.WithAttributes(attribute.String("tunneld.load.window", "5")))
		o.ObserveFloat64(m.load, snapshot.Load15, metric.WithAttributes(attribute.String("tunneld.load.window", "15")))
	}
	if m.goroutines != nil {
		o.ObserveInt64(m.goroutines, int64(snapshot.Goroutines))
	}
}

func observeInflight(o metric.Observer, instrument metric.Int64ObservableGauge, kind Kind, value int64) {
	o.ObserveInt64(instrument, value, metric.WithAttributes(attribute.String("tunneld.op.kind", kind.String())))
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
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
