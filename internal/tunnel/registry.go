package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tunneld/internal/clock"
	"pkt.systems/tunneld/internal/svcfields"
)

// Config tunes a Registry.
type Config struct {
	// Clock drives timestamps, poll deadlines and reply expiry. Defaults to clock.Real.
	Clock clock.Clock
	// Logger receives registry diagnostics. Defaults to a disabled logger.
	Logger pslog.Logger
	// MaxWaiters caps concurrently parked long polls across all tunnels (0 = unlimited).
	MaxWaiters int
	// ReplyTTL bounds how long an unread reply survives Sweep (0 = forever).
	ReplyTTL time.Duration
	// Epoch seeds message ids. Defaults to the clock's current Unix milliseconds.
	Epoch int64
}

// Registry maps tunnel ids to tunnels. Its lock covers lookup, creation and
// eviction only; queue operations run under the owning tunnel's lock.
type Registry struct {
	clock      clock.Clock
	logger     pslog.Logger
	maxWaiters int64
	replyTTL   time.Duration
	epoch      int64

	mu      sync.Mutex
	tunnels map[string]*tunnel

	seq     atomic.Uint64
	waiters atomic.Int64
	queued  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	metrics *registryMetrics
}

// Stats is a point-in-time view of registry occupancy.
type Stats struct {
	Tunnels  int
	Messages int64
	Waiters  int64
}

// SweepResult summarises a Sweep pass.
type SweepResult struct {
	ExpiredReplies int
	Evicted        int
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	epoch := cfg.Epoch
	if epoch <= 0 {
		epoch = clk.Now().UnixMilli()
	}
	maxWaiters := int64(cfg.MaxWaiters)
	if maxWaiters < 0 {
		maxWaiters = 0
	}
	r := &Registry{
		clock:      clk,
		logger:     svcfields.WithSubsystem(logger, "tunnel.registry"),
		maxWaiters: maxWaiters,
		replyTTL:   cfg.ReplyTTL,
		epoch:      epoch,
		tunnels:    make(map[string]*tunnel),
		closed:     make(chan struct{}),
	}
	r.metrics = newRegistryMetrics(r, r.logger)
	return r
}

// Epoch returns the epoch component shared by all ids minted by r.
func (r *Registry) Epoch() int64 {
	return r.epoch
}

// nextID must be called under the tunnel lock so ids follow arrival order.
func (r *Registry) nextID() MessageID {
	return MessageID{Epoch: r.epoch, Seq: r.seq.Add(1)}
}

// acquire pins the tunnel for id so it cannot be evicted. When create is false
// and the tunnel does not exist, acquire returns nil.
func (r *Registry) acquire(id string, create bool) *tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok {
		if !create {
			return nil
		}
		t = newTunnel(id)
		r.tunnels[id] = t
		r.logger.Trace("tunnel.create", "tunnel", id)
	}
	t.users++
	return t
}

// release unpins t and evicts it when nothing references it anymore. The idle
// check and the delete happen under the registry lock, so a concurrent acquire
// either sees the tunnel pinned or gets a fresh one.
func (r *Registry) release(t *tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.users--
	if t.users > 0 {
		return
	}
	t.mu.Lock()
	idle := t.idle()
	t.mu.Unlock()
	if idle && r.tunnels[t.id] == t {
		delete(r.tunnels, t.id)
		r.logger.Trace("tunnel.evict", "tunnel", t.id)
	}
}

// Produce appends body to the tunnel. limit > 0 rejects the message with a
// *CapacityError when the tunnel already holds limit messages.
func (r *Registry) Produce(ctx context.Context, id string, body []byte, contentType string, limit int) (Receipt, error) {
	if err := ValidateID(id); err != nil {
		return Receipt{}, err
	}
	if limit < 0 {
		return Receipt{}, invalidArgument("limit must be >= 0")
	}
	t := r.acquire(id, true)
	defer r.release(t)

	t.mu.Lock()
	if size := t.length(); limit > 0 && size >= limit {
		t.mu.Unlock()
		r.metrics.recordRejected(ctx)
		r.logger.Debug("tunnel.produce.capacity", "tunnel", id, "limit", limit, "size", size)
		return Receipt{}, &CapacityError{Limit: limit, Size: size}
	}
	msgID := r.nextID()
	size := t.produce(msgID, body, contentType, r.clock.Now())
	t.mu.Unlock()

	r.queued.Add(1)
	r.metrics.recordProduced(ctx, len(body))
	return Receipt{ID: msgID, QueueSize: size}, nil
}

// Consume delivers the head of the tunnel without blocking.
func (r *Registry) Consume(ctx context.Context, id string, pending bool) (Delivery, bool, error) {
	if err := ValidateID(id); err != nil {
		return Delivery{}, false, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return Delivery{}, false, nil
	}
	defer r.release(t)
	t.mu.Lock()
	d, ok := t.consume(pending)
	t.mu.Unlock()
	if ok {
		r.recordDelivery(ctx, d)
	}
	return d, ok, nil
}

// Poll is Consume that parks for up to timeout while the tunnel is empty.
func (r *Registry) Poll(ctx context.Context, id string, pending bool, timeout time.Duration) (Delivery, bool, error) {
	if err := ValidateID(id); err != nil {
		return Delivery{}, false, err
	}
	if timeout <= 0 {
		return r.Consume(ctx, id, pending)
	}
	t := r.acquire(id, true)
	defer r.release(t)

	start := r.clock.Now()
	deadline := r.clock.After(timeout)
	logger := r.logger.With("tunnel", id)
	for {
		t.mu.Lock()
		if d, ok := t.consume(pending); ok {
			t.mu.Unlock()
			r.recordDelivery(ctx, d)
			r.metrics.recordPollWait(ctx, "message", r.clock.Now().Sub(start), true)
			return d, true, nil
		}
		if !r.reserveWaiter() {
			t.mu.Unlock()
			return Delivery{}, false, ErrTooManyWaiters
		}
		w := newWaiter()
		t.msgWaiters.add(w)
		t.mu.Unlock()
		logger.Trace("tunnel.poll.park", "waiter", w.id.String())

		woken := r.park(ctx, w, deadline)
		r.releaseWaiter()
		if woken {
			logger.Trace("tunnel.poll.wake", "waiter", w.id.String())
			continue
		}
		t.mu.Lock()
		if !t.msgWaiters.remove(w) && t.length() > 0 {
			// w was notified while giving up; pass the wake on.
			t.msgWaiters.wakeOne()
		}
		t.mu.Unlock()
		logger.Trace("tunnel.poll.expire", "waiter", w.id.String())
		r.metrics.recordPollWait(ctx, "message", r.clock.Now().Sub(start), false)
		return Delivery{}, false, nil
	}
}

// park blocks until w is notified (true) or the deadline, ctx or registry
// shutdown ends the wait (false).
func (r *Registry) park(ctx context.Context, w *waiter, deadline <-chan time.Time) bool {
	select {
	case <-w.ready:
		return true
	case <-deadline:
	case <-ctx.Done():
	case <-r.closed:
	}
	return false
}

func (r *Registry) reserveWaiter() bool {
	n := r.waiters.Add(1)
	if r.maxWaiters > 0 && n > r.maxWaiters {
		r.waiters.Add(-1)
		r.logger.Warn("tunnel.waiters.exhausted", "max", r.maxWaiters)
		return false
	}
	return true
}

func (r *Registry) releaseWaiter() {
	r.waiters.Add(-1)
}

func (r *Registry) recordDelivery(ctx context.Context, d Delivery) {
	if !d.Pending {
		r.queued.Add(-1)
	}
	r.metrics.recordConsumed(ctx, d.Pending)
}

// Acknowledge removes msgID when it is the pending head. Anything else is a
// no-op; the result reports whether a message was removed.
func (r *Registry) Acknowledge(ctx context.Context, id string, msgID MessageID) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return false, nil
	}
	defer r.release(t)
	t.mu.Lock()
	acked := t.acknowledge(msgID)
	t.mu.Unlock()
	if acked {
		r.queued.Add(-1)
		r.metrics.recordAcked(ctx)
	}
	return acked, nil
}

// Status reports where msgID is in its lifecycle.
func (r *Registry) Status(_ context.Context, id string, msgID MessageID) (Status, error) {
	if err := ValidateID(id); err != nil {
		return StatusUnknown, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return StatusUnknown, nil
	}
	defer r.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(msgID), nil
}

// Length returns unseen plus pending messages; 0 for unknown tunnels.
func (r *Registry) Length(_ context.Context, id string) (int, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return 0, nil
	}
	defer r.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.length(), nil
}

// Clear drops every message and mailbox of the tunnel and returns how many
// messages were dropped.
func (r *Registry) Clear(ctx context.Context, id string) (int, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return 0, nil
	}
	defer r.release(t)
	t.mu.Lock()
	dropped := t.clear()
	t.mu.Unlock()
	if dropped > 0 {
		r.queued.Add(-int64(dropped))
		r.logger.Debug("tunnel.clear", "tunnel", id, "dropped", dropped)
	}
	return dropped, nil
}

// SendReply answers the pending head msgID and acknowledges it. It reports false
// when msgID is not the pending head.
func (r *Registry) SendReply(ctx context.Context, id string, msgID MessageID, body []byte, contentType string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return false, nil
	}
	defer r.release(t)
	t.mu.Lock()
	sent := t.sendReply(msgID, Reply{Body: body, ContentType: contentType}, r.clock.Now())
	t.mu.Unlock()
	if sent {
		r.queued.Add(-1)
		r.metrics.recordAcked(ctx)
		r.metrics.recordReplied(ctx)
	}
	return sent, nil
}

// ReadReply returns the reply for msgID once.
func (r *Registry) ReadReply(_ context.Context, id string, msgID MessageID) (Reply, bool, error) {
	if err := ValidateID(id); err != nil {
		return Reply{}, false, err
	}
	t := r.acquire(id, false)
	if t == nil {
		return Reply{}, false, nil
	}
	defer r.release(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	reply, ok := t.readReply(msgID)
	return reply, ok, nil
}

// PollReply is ReadReply that parks for up to timeout while msgID is pending
// and unanswered. Any other state returns immediately.
func (r *Registry) PollReply(ctx context.Context, id string, msgID MessageID, timeout time.Duration) (Reply, bool, error) {
	if err := ValidateID(id); err != nil {
		return Reply{}, false, err
	}
	if timeout <= 0 {
		return r.ReadReply(ctx, id, msgID)
	}
	t := r.acquire(id, false)
	if t == nil {
		return Reply{}, false, nil
	}
	defer r.release(t)

	start := r.clock.Now()
	deadline := r.clock.After(timeout)
	for {
		t.mu.Lock()
		if reply, ok := t.readReply(msgID); ok {
			t.mu.Unlock()
			r.metrics.recordPollWait(ctx, "reply", r.clock.Now().Sub(start), true)
			return reply, true, nil
		}
		if !t.awaitingReply(msgID) {
			t.mu.Unlock()
			return Reply{}, false, nil
		}
		if !r.reserveWaiter() {
			t.mu.Unlock()
			return Reply{}, false, ErrTooManyWaiters
		}
		w := newWaiter()
		t.addReplyWaiter(msgID, w)
		t.mu.Unlock()

		woken := r.park(ctx, w, deadline)
		r.releaseWaiter()
		if woken {
			continue
		}
		t.mu.Lock()
		t.removeReplyWaiter(msgID, w)
		t.mu.Unlock()
		r.metrics.recordPollWait(ctx, "reply", r.clock.Now().Sub(start), false)
		return Reply{}, false, nil
	}
}

// Sweep drops expired replies and evicts idle, unpinned tunnels.
func (r *Registry) Sweep() SweepResult {
	now := r.clock.Now()
	var res SweepResult
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tunnels {
		t.mu.Lock()
		res.ExpiredReplies += t.expireReplies(now, r.replyTTL)
		idle := t.users == 0 && t.idle()
		t.mu.Unlock()
		if idle {
			delete(r.tunnels, id)
			res.Evicted++
		}
	}
	if res.ExpiredReplies > 0 || res.Evicted > 0 {
		r.logger.Debug("tunnel.sweep", "expired_replies", res.ExpiredReplies, "evicted", res.Evicted)
	}
	return res
}

// Stats reports current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	n := len(r.tunnels)
	r.mu.Unlock()
	return Stats{
		Tunnels:  n,
		Messages: r.queued.Load(),
		Waiters:  r.waiters.Load(),
	}
}

// Close releases every parked poll; they return empty results.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.logger.Debug("tunnel.registry.closed")
	})
}
