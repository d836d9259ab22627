package tunnel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/tunneld/internal/clock"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	reg := NewRegistry(cfg)
	t.Cleanup(reg.Close)
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustProduce(t *testing.T, reg *Registry, id, body string) Receipt {
	t.Helper()
	rec, err := reg.Produce(context.Background(), id, []byte(body), "application/json", 0)
	if err != nil {
		t.Fatalf("produce %s: %v", id, err)
	}
	return rec
}

func mustLength(t *testing.T, reg *Registry, id string) int {
	t.Helper()
	n, err := reg.Length(context.Background(), id)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	return n
}

func mustStatus(t *testing.T, reg *Registry, id string, msgID MessageID) Status {
	t.Helper()
	st, err := reg.Status(context.Background(), id, msgID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

func TestProduceConsumeAutoAck(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec := mustProduce(t, reg, "orders", `{"greeting":"hi"}`)
	if rec.QueueSize != 1 {
		t.Fatalf("queue size after produce=%d want 1", rec.QueueSize)
	}
	d, ok, err := reg.Consume(ctx, "orders", false)
	if err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if d.ID != rec.ID || string(d.Body) != `{"greeting":"hi"}` || d.ContentType != "application/json" {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if d.Pending || d.QueueSize != 0 {
		t.Fatalf("auto-ack delivery should not be pending, got %+v", d)
	}
	if _, ok, _ := reg.Consume(ctx, "orders", false); ok {
		t.Fatalf("second consume should be empty")
	}
	if st := mustStatus(t, reg, "orders", rec.ID); st != StatusUnknown {
		t.Fatalf("status after auto-ack=%v want unknown", st)
	}
}

func TestProduceDefaultsContentType(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	if _, err := reg.Produce(ctx, "text", []byte("hello"), "", 0); err != nil {
		t.Fatalf("produce: %v", err)
	}
	d, ok, _ := reg.Consume(ctx, "text", false)
	if !ok || d.ContentType != DefaultContentType {
		t.Fatalf("expected %q content type, got %+v", DefaultContentType, d)
	}
}

func TestTunnelIDsAreCaseSensitive(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	mustProduce(t, reg, "test-abc", "x")
	if _, ok, _ := reg.Consume(ctx, "TEST-ABC", false); ok {
		t.Fatalf("upper-case id must not see lower-case tunnel")
	}
	if _, ok, _ := reg.Consume(ctx, "test-abc", false); !ok {
		t.Fatalf("expected message on original id")
	}
}

func TestPendingConsumeRedeliversUntilAck(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	rec := mustProduce(t, reg, "jobs", "work")
	mustProduce(t, reg, "jobs", "more")

	for i := 0; i < 2; i++ {
		d, ok, err := reg.Consume(ctx, "jobs", true)
		if err != nil || !ok {
			t.Fatalf("pending consume %d: ok=%v err=%v", i, ok, err)
		}
		if d.ID != rec.ID || !d.Pending || d.QueueSize != 2 {
			t.Fatalf("pending consume %d returned %+v", i, d)
		}
	}
	if st := mustStatus(t, reg, "jobs", rec.ID); st != StatusPending {
		t.Fatalf("status=%v want pending", st)
	}
	acked, err := reg.Acknowledge(ctx, "jobs", rec.ID)
	if err != nil || !acked {
		t.Fatalf("ack: acked=%v err=%v", acked, err)
	}
	if n := mustLength(t, reg, "jobs"); n != 1 {
		t.Fatalf("length after ack=%d want 1", n)
	}
	d, ok, _ := reg.Consume(ctx, "jobs", true)
	if !ok || string(d.Body) != "more" {
		t.Fatalf("expected next message after ack, got %+v ok=%v", d, ok)
	}
}

func TestNonPendingConsumeOnPendingHeadAcknowledges(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	rec := mustProduce(t, reg, "mixed", "one")
	mustProduce(t, reg, "mixed", "two")

	if _, ok, _ := reg.Consume(ctx, "mixed", true); !ok {
		t.Fatalf("pending consume failed")
	}
	d, ok, _ := reg.Consume(ctx, "mixed", false)
	if !ok || d.ID != rec.ID || d.Pending {
		t.Fatalf("non-pending consume should deliver the pending head, got %+v", d)
	}
	if st := mustStatus(t, reg, "mixed", rec.ID); st != StatusUnknown {
		t.Fatalf("status=%v want unknown", st)
	}
	if n := mustLength(t, reg, "mixed"); n != 1 {
		t.Fatalf("length=%d want 1", n)
	}
	if sent, _ := reg.SendReply(ctx, "mixed", rec.ID, []byte("late"), ""); sent {
		t.Fatalf("reply to auto-acked message must not be accepted")
	}
}

func TestAcknowledgeIsNoopForNonHead(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	acked, err := reg.Acknowledge(ctx, "ghost", MessageID{Epoch: 999, Seq: 123})
	if err != nil || acked {
		t.Fatalf("ack on unknown tunnel: acked=%v err=%v", acked, err)
	}

	first := mustProduce(t, reg, "acks", "a")
	second := mustProduce(t, reg, "acks", "b")
	if acked, _ := reg.Acknowledge(ctx, "acks", first.ID); acked {
		t.Fatalf("ack of unseen head must be a no-op")
	}
	if _, ok, _ := reg.Consume(ctx, "acks", true); !ok {
		t.Fatalf("pending consume failed")
	}
	if acked, _ := reg.Acknowledge(ctx, "acks", second.ID); acked {
		t.Fatalf("ack of non-head must be a no-op")
	}
	if acked, _ := reg.Acknowledge(ctx, "acks", first.ID); !acked {
		t.Fatalf("ack of pending head should succeed")
	}
	if acked, _ := reg.Acknowledge(ctx, "acks", first.ID); acked {
		t.Fatalf("second ack must be a no-op")
	}
	if n := mustLength(t, reg, "acks"); n != 1 {
		t.Fatalf("length=%d want 1", n)
	}
}

func TestStatusLifecycle(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	if st := mustStatus(t, reg, "status", MessageID{}); st != StatusUnknown {
		t.Fatalf("unknown tunnel status=%v", st)
	}
	rec := mustProduce(t, reg, "status", "body")
	if st := mustStatus(t, reg, "status", rec.ID); st != StatusUnseen {
		t.Fatalf("status=%v want unseen", st)
	}
	if _, ok, _ := reg.Consume(ctx, "status", true); !ok {
		t.Fatalf("pending consume failed")
	}
	if st := mustStatus(t, reg, "status", rec.ID); st != StatusPending {
		t.Fatalf("status=%v want pending", st)
	}
	if _, err := reg.Acknowledge(ctx, "status", rec.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if st := mustStatus(t, reg, "status", rec.ID); st != StatusUnknown {
		t.Fatalf("status=%v want unknown", st)
	}
}

func TestLengthCountsUnseenAndPending(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	if n := mustLength(t, reg, "len"); n != 0 {
		t.Fatalf("empty length=%d", n)
	}
	mustProduce(t, reg, "len", "m1")
	mustProduce(t, reg, "len", "m2")
	if n := mustLength(t, reg, "len"); n != 2 {
		t.Fatalf("length=%d want 2", n)
	}
	reg.Consume(ctx, "len", false)
	if n := mustLength(t, reg, "len"); n != 1 {
		t.Fatalf("length=%d want 1", n)
	}
	mustProduce(t, reg, "len", "m3")
	d, _, _ := reg.Consume(ctx, "len", true)
	if n := mustLength(t, reg, "len"); n != 2 {
		t.Fatalf("length with pending=%d want 2", n)
	}
	reg.Acknowledge(ctx, "len", d.ID)
	if n := mustLength(t, reg, "len"); n != 1 {
		t.Fatalf("length after ack=%d want 1", n)
	}
}

func TestProduceCapacity(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	rec, err := reg.Produce(ctx, "bp", []byte("1"), "", 1)
	if err != nil || rec.QueueSize != 1 {
		t.Fatalf("first produce: rec=%+v err=%v", rec, err)
	}
	_, err = reg.Produce(ctx, "bp", []byte("2"), "", 1)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Size != 1 || capErr.Limit != 1 {
		t.Fatalf("unexpected capacity error %+v", capErr)
	}
	if n := mustLength(t, reg, "bp"); n != 1 {
		t.Fatalf("length after rejection=%d want 1", n)
	}
	if _, ok, _ := reg.Consume(ctx, "bp", false); !ok {
		t.Fatalf("consume failed")
	}
	rec, err = reg.Produce(ctx, "bp", []byte("3"), "", 1)
	if err != nil || rec.QueueSize != 1 {
		t.Fatalf("produce after drain: rec=%+v err=%v", rec, err)
	}
}

func TestProduceLimitZeroIsUnlimited(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	for i := 0; i < 50; i++ {
		if _, err := reg.Produce(context.Background(), "free", []byte("x"), "", 0); err != nil {
			t.Fatalf("produce %d: %v", i, err)
		}
	}
	if _, err := reg.Produce(context.Background(), "free", nil, "", -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative limit should be invalid, got %v", err)
	}
}

func TestInvalidTunnelIDRejectedEverywhere(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	bad := strings.Repeat("a", MaxIDLength+1)
	checks := map[string]error{}
	_, checks["produce"] = reg.Produce(ctx, bad, nil, "", 0)
	_, _, checks["consume"] = reg.Consume(ctx, bad, false)
	_, _, checks["poll"] = reg.Poll(ctx, bad, false, time.Second)
	_, checks["ack"] = reg.Acknowledge(ctx, bad, MessageID{})
	_, checks["status"] = reg.Status(ctx, bad, MessageID{})
	_, checks["length"] = reg.Length(ctx, bad)
	_, checks["clear"] = reg.Clear(ctx, bad)
	_, checks["reply"] = reg.SendReply(ctx, bad, MessageID{}, nil, "")
	_, _, checks["read-reply"] = reg.ReadReply(ctx, bad, MessageID{})
	_, _, checks["poll-reply"] = reg.PollReply(ctx, bad, MessageID{}, time.Second)
	for op, err := range checks {
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", op, err)
		}
	}
}

func TestClearDropsMessagesAndMailboxes(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	first := mustProduce(t, reg, "wipe", "1")
	mustProduce(t, reg, "wipe", "2")
	reg.Consume(ctx, "wipe", true)

	dropped, err := reg.Clear(ctx, "wipe")
	if err != nil || dropped != 2 {
		t.Fatalf("clear: dropped=%d err=%v", dropped, err)
	}
	if n := mustLength(t, reg, "wipe"); n != 0 {
		t.Fatalf("length after clear=%d", n)
	}
	if sent, _ := reg.SendReply(ctx, "wipe", first.ID, []byte("r"), ""); sent {
		t.Fatalf("reply after clear must not be accepted")
	}
	if reg.Stats().Tunnels != 0 {
		t.Fatalf("cleared tunnel should be evicted, stats=%+v", reg.Stats())
	}
	if dropped, _ := reg.Clear(ctx, "never"); dropped != 0 {
		t.Fatalf("clear of unknown tunnel dropped %d", dropped)
	}
}

func TestReplyLifecycle(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	rec := mustProduce(t, reg, "rpc", `{"q":1}`)

	if sent, _ := reg.SendReply(ctx, "rpc", rec.ID, []byte("early"), ""); sent {
		t.Fatalf("reply before delivery must be rejected")
	}
	if _, ok, _ := reg.Consume(ctx, "rpc", true); !ok {
		t.Fatalf("pending consume failed")
	}
	if _, ok, _ := reg.ReadReply(ctx, "rpc", rec.ID); ok {
		t.Fatalf("read before send must be empty")
	}
	sent, err := reg.SendReply(ctx, "rpc", rec.ID, []byte(`{"a":1}`), "application/json")
	if err != nil || !sent {
		t.Fatalf("send reply: sent=%v err=%v", sent, err)
	}
	if st := mustStatus(t, reg, "rpc", rec.ID); st != StatusUnknown {
		t.Fatalf("reply must acknowledge, status=%v", st)
	}
	if n := mustLength(t, reg, "rpc"); n != 0 {
		t.Fatalf("length after reply=%d", n)
	}
	if sent, _ := reg.SendReply(ctx, "rpc", rec.ID, []byte("again"), ""); sent {
		t.Fatalf("second reply must be rejected")
	}
	reply, ok, _ := reg.ReadReply(ctx, "rpc", rec.ID)
	if !ok || string(reply.Body) != `{"a":1}` || reply.ContentType != "application/json" {
		t.Fatalf("unexpected reply %+v ok=%v", reply, ok)
	}
	if _, ok, _ := reg.ReadReply(ctx, "rpc", rec.ID); ok {
		t.Fatalf("reply must be readable once")
	}
	if reg.Stats().Tunnels != 0 {
		t.Fatalf("drained tunnel should be evicted")
	}
}

func TestReplyDefaultsContentType(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	rec := mustProduce(t, reg, "rpc", "q")
	reg.Consume(ctx, "rpc", true)
	reg.SendReply(ctx, "rpc", rec.ID, []byte("This is a reply"), "")
	reply, ok, _ := reg.ReadReply(ctx, "rpc", rec.ID)
	if !ok || reply.ContentType != DefaultContentType {
		t.Fatalf("expected default content type, got %+v", reply)
	}
}

func TestPollReturnsImmediatelyWhenQueued(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	rec := mustProduce(t, reg, "poll", "now")
	d, ok, err := reg.Poll(context.Background(), "poll", false, time.Second)
	if err != nil || !ok || d.ID != rec.ID {
		t.Fatalf("poll: d=%+v ok=%v err=%v", d, ok, err)
	}
}

func TestPollReceivesLateProduce(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	type result struct {
		d   Delivery
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, ok, err := reg.Poll(context.Background(), "late", false, 5*time.Second)
		done <- result{d, ok, err}
	}()
	waitFor(t, "poller to park", func() bool { return reg.Stats().Waiters == 1 })
	rec := mustProduce(t, reg, "late", "arrived")

	select {
	case res := <-done:
		if res.err != nil || !res.ok || res.d.ID != rec.ID {
			t.Fatalf("poll result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not observe produced message")
	}
	if reg.Stats().Waiters != 0 {
		t.Fatalf("waiter leaked: %+v", reg.Stats())
	}
}

func TestPollTimesOutWithManualClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	reg := newTestRegistry(t, Config{Clock: clk})
	done := make(chan bool, 1)
	go func() {
		_, ok, _ := reg.Poll(context.Background(), "idle", true, 3*time.Second)
		done <- ok
	}()
	waitFor(t, "poll timer", func() bool { return clk.Pending() == 1 && reg.Stats().Waiters == 1 })
	clk.Advance(2 * time.Second)
	select {
	case <-done:
		t.Fatal("poll returned before timeout")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Second)
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("timed out poll should be empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not time out")
	}
	waitFor(t, "eviction", func() bool { return reg.Stats().Tunnels == 0 })
}

func TestPollHonoursContextCancel(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Poll(ctx, "cancel", false, time.Minute)
	}()
	waitFor(t, "poller to park", func() bool { return reg.Stats().Waiters == 1 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll ignored cancellation")
	}
	if st := reg.Stats(); st.Waiters != 0 || st.Tunnels != 0 {
		t.Fatalf("cancelled poll leaked state: %+v", st)
	}
}

func TestPollWakesOneWaiterPerMessage(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, ok, _ := reg.Poll(ctx, "fan", false, 5*time.Second)
			results <- ok
		}()
	}
	waitFor(t, "pollers to park", func() bool { return reg.Stats().Waiters == 3 })
	mustProduce(t, reg, "fan", "one")
	select {
	case ok := <-results:
		if !ok {
			t.Fatalf("woken poller returned empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poller received the message")
	}
	waitFor(t, "remaining pollers parked", func() bool { return reg.Stats().Waiters == 2 })
	cancel()
	for i := 0; i < 2; i++ {
		if ok := <-results; ok {
			t.Fatalf("only one poller may receive the message")
		}
	}
}

func TestPollReplyWaitsForSend(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	rec := mustProduce(t, reg, "rpc", "q")
	reg.Consume(ctx, "rpc", true)

	done := make(chan Reply, 1)
	go func() {
		reply, ok, _ := reg.PollReply(ctx, "rpc", rec.ID, 5*time.Second)
		if ok {
			done <- reply
		}
		close(done)
	}()
	waitFor(t, "reply waiter", func() bool { return reg.Stats().Waiters == 1 })
	if sent, _ := reg.SendReply(ctx, "rpc", rec.ID, []byte("pong"), "text/plain"); !sent {
		t.Fatalf("send reply failed")
	}
	select {
	case reply, ok := <-done:
		if !ok || string(reply.Body) != "pong" {
			t.Fatalf("unexpected reply %+v ok=%v", reply, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply poll not woken")
	}
	if _, ok, _ := reg.PollReply(ctx, "rpc", rec.ID, time.Second); ok {
		t.Fatalf("consumed reply must not be returned again")
	}
}

func TestPollReplyReturnsEarlyForUnknownMessages(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	reg := newTestRegistry(t, Config{Clock: clk})
	ctx := context.Background()
	if _, ok, err := reg.PollReply(ctx, "none", MessageID{Epoch: 1, Seq: 1}, time.Minute); ok || err != nil {
		t.Fatalf("unknown tunnel: ok=%v err=%v", ok, err)
	}
	rec := mustProduce(t, reg, "unseen", "q")
	if _, ok, err := reg.PollReply(ctx, "unseen", rec.ID, time.Minute); ok || err != nil {
		t.Fatalf("unseen message: ok=%v err=%v", ok, err)
	}
	if reg.Stats().Waiters != 0 {
		t.Fatalf("no waiter should be registered for an unseen message")
	}
}

func TestPollReplyTimesOutAfterClear(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	reg := newTestRegistry(t, Config{Clock: clk})
	ctx := context.Background()
	rec := mustProduce(t, reg, "gone", "q")
	reg.Consume(ctx, "gone", true)

	done := make(chan bool, 1)
	go func() {
		_, ok, _ := reg.PollReply(ctx, "gone", rec.ID, 10*time.Second)
		done <- ok
	}()
	waitFor(t, "reply waiter", func() bool { return reg.Stats().Waiters == 1 && clk.Pending() == 1 })
	reg.Clear(ctx, "gone")
	if reg.Stats().Tunnels != 1 {
		t.Fatalf("tunnel with a parked reply waiter must not be evicted")
	}
	clk.Advance(10 * time.Second)
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected empty reply after clear")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply waiter hung after clear")
	}
	waitFor(t, "eviction", func() bool { return reg.Stats().Tunnels == 0 })
}

func TestMaxWaiters(t *testing.T) {
	reg := newTestRegistry(t, Config{MaxWaiters: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Poll(ctx, "busy", false, time.Minute)
	waitFor(t, "first poller", func() bool { return reg.Stats().Waiters == 1 })
	if _, _, err := reg.Poll(context.Background(), "other", false, time.Minute); !errors.Is(err, ErrTooManyWaiters) {
		t.Fatalf("expected ErrTooManyWaiters, got %v", err)
	}
	if reg.Stats().Waiters != 1 {
		t.Fatalf("rejected waiter must not be counted")
	}
}

func TestSweepExpiresUnreadReplies(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	reg := newTestRegistry(t, Config{Clock: clk, ReplyTTL: time.Minute})
	ctx := context.Background()
	rec := mustProduce(t, reg, "stale", "q")
	reg.Consume(ctx, "stale", true)
	reg.SendReply(ctx, "stale", rec.ID, []byte("r"), "")

	if res := reg.Sweep(); res.Evicted != 0 || res.ExpiredReplies != 0 {
		t.Fatalf("fresh reply must survive sweep: %+v", res)
	}
	clk.Advance(time.Minute)
	res := reg.Sweep()
	if res.ExpiredReplies != 1 || res.Evicted != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if _, ok, _ := reg.ReadReply(ctx, "stale", rec.ID); ok {
		t.Fatalf("expired reply must be gone")
	}
}

func TestSweepKeepsPinnedTunnels(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Poll(ctx, "pinned", false, time.Minute)
	}()
	waitFor(t, "poller", func() bool { return reg.Stats().Waiters == 1 })
	if res := reg.Sweep(); res.Evicted != 0 {
		t.Fatalf("sweep evicted a tunnel with a live waiter")
	}
	mustProduce(t, reg, "queued", "x")
	if res := reg.Sweep(); res.Evicted != 0 {
		t.Fatalf("sweep evicted a non-empty tunnel")
	}
	cancel()
	<-done
	if st := reg.Stats(); st.Tunnels != 1 {
		t.Fatalf("expected only the non-empty tunnel to remain, got %+v", st)
	}
}

func TestMessageIDsStayMonotonicAcrossEviction(t *testing.T) {
	reg := newTestRegistry(t, Config{Epoch: 42})
	ctx := context.Background()
	first := mustProduce(t, reg, "cycle", "a")
	reg.Consume(ctx, "cycle", false)
	if reg.Stats().Tunnels != 0 {
		t.Fatalf("expected eviction after drain")
	}
	second := mustProduce(t, reg, "cycle", "b")
	if second.ID.Compare(first.ID) <= 0 {
		t.Fatalf("ids not monotonic: %v then %v", first.ID, second.ID)
	}
	if first.ID.Epoch != 42 {
		t.Fatalf("epoch=%d want 42", first.ID.Epoch)
	}
}

func TestCloseReleasesPollers(t *testing.T) {
	reg := NewRegistry(Config{})
	done := make(chan bool, 1)
	go func() {
		_, ok, _ := reg.Poll(context.Background(), "closing", false, time.Minute)
		done <- ok
	}()
	waitFor(t, "poller", func() bool { return reg.Stats().Waiters == 1 })
	reg.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("closed registry must return empty polls")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release poller")
	}
}

func TestLengthInvariantUnderConcurrency(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			id := fmt.Sprintf("t%d", seed%3)
			for i := 0; i < 300; i++ {
				switch rnd.Intn(4) {
				case 0, 1:
					reg.Produce(ctx, id, []byte("x"), "", 0)
				case 2:
					reg.Consume(ctx, id, rnd.Intn(2) == 0)
				case 3:
					if d, ok, _ := reg.Consume(ctx, id, true); ok {
						reg.Acknowledge(ctx, id, d.ID)
					}
				}
			}
		}(int64(w))
	}
	wg.Wait()

	var total int64
	for i := 0; i < 3; i++ {
		total += int64(mustLength(t, reg, fmt.Sprintf("t%d", i)))
	}
	if got := reg.Stats().Messages; got != total {
		t.Fatalf("queued gauge=%d, sum of lengths=%d", got, total)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		n := mustLength(t, reg, id)
		for j := 0; j < n; j++ {
			if _, ok, _ := reg.Consume(ctx, id, false); !ok {
				t.Fatalf("tunnel %s reported %d messages but ran dry at %d", id, n, j)
			}
		}
	}
	if st := reg.Stats(); st.Tunnels != 0 || st.Messages != 0 {
		t.Fatalf("registry not empty after drain: %+v", st)
	}
}
