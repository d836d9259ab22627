package lsf

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/pslog"

	"pkt.systems/tunneld/internal/svcfields"
)

// Config controls the LSF sampling cadence and the write guard.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
	// MemoryLimitBytes sheds produce and reply traffic while process RSS is at or
	// above the limit. Zero disables shedding.
	MemoryLimitBytes uint64
	// RetryAfter is the hint returned with a shed request.
	RetryAfter time.Duration
}

// Kind identifies the operation class tracked by the observer.
type Kind int

const (
	// KindProduce marks produce requests.
	KindProduce Kind = iota
	// KindConsume marks consume and poll requests.
	KindConsume
	// KindAck marks acknowledgements and queue clears.
	KindAck
	// KindReply marks reply send/read/poll requests.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindProduce:
		return "produce"
	case KindConsume:
		return "consume"
	case KindAck:
		return "ack"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Snapshot captures one sample.
type Snapshot struct {
	ProduceInflight         int64
	ConsumeInflight         int64
	AckInflight             int64
	ReplyInflight           int64
	RSSBytes                uint64
	SystemMemoryUsedPercent float64
	SystemSwapUsedPercent   float64
	Load1                   float64
	Load5                   float64
	Load15                  float64
	Goroutines              int
	CollectedAt             time.Time
}

// ThrottleError is returned by Admit while the guard sheds load.
type ThrottleError struct {
	Kind       Kind
	RetryAfter time.Duration
	Reason     string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("lsf: %s throttled: %s", e.Kind, e.Reason)
}

// Observer samples process and host load, tracks inflight requests and decides
// whether write traffic should be shed. A nil Observer is valid and inert.
type Observer struct {
	cfg     Config
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool

	inflight [4]atomic.Int64

	mu          sync.Mutex
	last        Snapshot
	shedding    bool
	lastLogTime time.Time
	proc        *process.Process

	wg sync.WaitGroup
}

// NewObserver constructs an observer. It does not sample until Start.
func NewObserver(cfg Config, logger pslog.Logger) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "control.lsf.observer")
	o := &Observer{
		cfg:    cfg,
		logger: logger,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		o.proc = proc
	} else {
		logger.Warn("lsf.process.unavailable", "error", err)
	}
	o.metrics = newLSFMetrics(logger)
	return o
}

// Start launches the sampling loop. Only the first call starts it.
func (o *Observer) Start(ctx context.Context) {
	if o == nil || !o.cfg.Enabled {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// Begin records the start of an operation and returns its completion callback.
func (o *Observer) Begin(kind Kind) func() {
	if o == nil || !o.cfg.Enabled || kind < 0 || int(kind) >= len(o.inflight) {
		return func() {}
	}
	o.inflight[kind].Add(1)
	return func() {
		o.inflight[kind].Add(-1)
	}
}

// Admit returns a *ThrottleError when kind is write traffic and the guard is
// shedding. Reads are always admitted so tunnels can drain.
func (o *Observer) Admit(kind Kind) error {
	if o == nil || !o.cfg.Enabled || o.cfg.MemoryLimitBytes == 0 {
		return nil
	}
	if kind != KindProduce && kind != KindReply {
		return nil
	}
	o.mu.Lock()
	shedding := o.shedding
	rss := o.last.RSSBytes
	o.mu.Unlock()
	if !shedding {
		return nil
	}
	return &ThrottleError{
		Kind:       kind,
		RetryAfter: o.cfg.RetryAfter,
		Reason:     fmt.Sprintf("rss %d bytes at or above limit %d", rss, o.cfg.MemoryLimitBytes),
	}
}

// Snapshot returns the most recent sample.
func (o *Observer) Snapshot() Snapshot {
	if o == nil {
		return Snapshot{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Observe records snapshot and re-evaluates the guard.
func (o *Observer) Observe(snapshot Snapshot) {
	if o == nil {
		return
	}
	o.mu.Lock()
	wasShedding := o.shedding
	o.last = snapshot
	o.shedding = o.cfg.MemoryLimitBytes > 0 && snapshot.RSSBytes >= o.cfg.MemoryLimitBytes
	shedding := o.shedding
	o.mu.Unlock()
	o.metrics.recordSample(context.Background(), snapshot)
	switch {
	case shedding && !wasShedding:
		o.logger.Warn("lsf.guard.engaged", "rss_bytes", snapshot.RSSBytes, "limit_bytes", o.cfg.MemoryLimitBytes)
	case !shedding && wasShedding:
		o.logger.Info("lsf.guard.disengaged", "rss_bytes", snapshot.RSSBytes, "limit_bytes", o.cfg.MemoryLimitBytes)
	}
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	o.sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(now)
		}
	}
}

func (o *Observer) sample(ts time.Time) {
	snapshot := Snapshot{
		ProduceInflight: o.inflight[KindProduce].Load(),
		ConsumeInflight: o.inflight[KindConsume].Load(),
		AckInflight:     o.inflight[KindAck].Load(),
		ReplyInflight:   o.inflight[KindReply].Load(),
		Goroutines:      runtime.NumGoroutine(),
		CollectedAt:     ts,
	}
	if o.proc != nil {
		if info, err := o.proc.MemoryInfo(); err == nil && info != nil {
			snapshot.RSSBytes = info.RSS
		}
	}
	if snapshot.RSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		snapshot.RSSBytes = ms.Sys
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snapshot.SystemMemoryUsedPercent = vm.UsedPercent
	}
	if sw, err := mem.SwapMemory(); err == nil && sw != nil {
		snapshot.SystemSwapUsedPercent = sw.UsedPercent
	}
	if l1, l5, l15, err := loadAverages(); err == nil {
		snapshot.Load1, snapshot.Load5, snapshot.Load15 = l1, l5, l15
	}
	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("tunneld.lsf.sample",
			"produce_inflight", snapshot.ProduceInflight,
			"consume_inflight", snapshot.ConsumeInflight,
			"ack_inflight", snapshot.AckInflight,
			"reply_inflight", snapshot.ReplyInflight,
			"rss_bytes", snapshot.RSSBytes,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_swap_percent", snapshot.SystemSwapUsedPercent,
			"system_load1", snapshot.Load1,
			"system_load5", snapshot.Load5,
			"system_load15", snapshot.Load15,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.Observe(snapshot)
}
