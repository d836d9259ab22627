package tunnel

import (
	"slices"
	"sync"
	"time"
)

type mailbox struct {
	filled   bool
	reply    Reply
	filledAt time.Time
}

// tunnel is the per-id queue. Every field except users is guarded by mu; users
// is guarded by the registry lock.
type tunnel struct {
	id string

	mu           sync.Mutex
	messages     []*Message
	mailboxes    map[MessageID]*mailbox
	msgWaiters   waiterSet
	replyWaiters map[MessageID]*waiterSet

	users int
}

func newTunnel(id string) *tunnel {
	return &tunnel{
		id:           id,
		mailboxes:    make(map[MessageID]*mailbox),
		replyWaiters: make(map[MessageID]*waiterSet),
	}
}

func (t *tunnel) length() int {
	return len(t.messages)
}

// idle reports whether the tunnel holds nothing observable and nobody waits on it.
func (t *tunnel) idle() bool {
	return len(t.messages) == 0 &&
		len(t.mailboxes) == 0 &&
		t.msgWaiters.len() == 0 &&
		len(t.replyWaiters) == 0
}

func (t *tunnel) produce(id MessageID, body []byte, contentType string, now time.Time) int {
	t.messages = append(t.messages, &Message{
		ID:          id,
		TunnelID:    t.id,
		Body:        body,
		ContentType: normalizeContentType(contentType),
		CreatedAt:   now,
		State:       StateUnseen,
	})
	t.msgWaiters.wakeOne()
	return len(t.messages)
}

// consume delivers the head. In pending mode the head becomes (or stays)
// Pending; otherwise it is acknowledged and removed, whatever its state.
func (t *tunnel) consume(pending bool) (Delivery, bool) {
	if len(t.messages) == 0 {
		return Delivery{}, false
	}
	head := t.messages[0]
	if pending {
		if head.State == StateUnseen {
			head.State = StatePending
			t.mailboxes[head.ID] = &mailbox{}
		}
		return deliveryOf(head, true, len(t.messages)), true
	}
	t.removeHead()
	return deliveryOf(head, false, len(t.messages)), true
}

func deliveryOf(m *Message, pending bool, size int) Delivery {
	return Delivery{
		ID:          m.ID,
		Body:        m.Body,
		ContentType: m.ContentType,
		CreatedAt:   m.CreatedAt,
		Pending:     pending,
		QueueSize:   size,
	}
}

// removeHead acknowledges the head and drops an unfilled mailbox.
func (t *tunnel) removeHead() *Message {
	head := t.messages[0]
	t.messages[0] = nil
	t.messages = t.messages[1:]
	if len(t.messages) == 0 {
		t.messages = nil
	}
	if box, ok := t.mailboxes[head.ID]; ok && !box.filled {
		delete(t.mailboxes, head.ID)
	}
	return head
}

func (t *tunnel) pendingHead(id MessageID) bool {
	if len(t.messages) == 0 {
		return false
	}
	head := t.messages[0]
	return head.State == StatePending && head.ID == id
}

func (t *tunnel) acknowledge(id MessageID) bool {
	if !t.pendingHead(id) {
		return false
	}
	t.removeHead()
	return true
}

func (t *tunnel) status(id MessageID) Status {
	idx, found := slices.BinarySearchFunc(t.messages, id, func(m *Message, target MessageID) int {
		return m.ID.Compare(target)
	})
	if !found {
		return StatusUnknown
	}
	if t.messages[idx].State == StatePending {
		return StatusPending
	}
	return StatusUnseen
}

// clear drops every message and mailbox and returns the number of messages dropped.
// Waiters are left alone; reply waiters time out on their own.
func (t *tunnel) clear() int {
	dropped := len(t.messages)
	clear(t.messages)
	t.messages = nil
	clear(t.mailboxes)
	return dropped
}

// sendReply fills the mailbox of the pending head and acknowledges it.
func (t *tunnel) sendReply(id MessageID, reply Reply, now time.Time) bool {
	if !t.pendingHead(id) {
		return false
	}
	box := t.mailboxes[id]
	if box == nil {
		box = &mailbox{}
		t.mailboxes[id] = box
	}
	box.filled = true
	box.reply = Reply{Body: reply.Body, ContentType: normalizeContentType(reply.ContentType)}
	box.filledAt = now
	t.removeHead()
	if set, ok := t.replyWaiters[id]; ok {
		set.wakeAll()
		delete(t.replyWaiters, id)
	}
	return true
}

// readReply consumes a filled mailbox. A second read finds nothing.
func (t *tunnel) readReply(id MessageID) (Reply, bool) {
	box, ok := t.mailboxes[id]
	if !ok || !box.filled {
		return Reply{}, false
	}
	delete(t.mailboxes, id)
	return box.reply, true
}

// awaitingReply reports whether id names a pending message whose mailbox is empty.
func (t *tunnel) awaitingReply(id MessageID) bool {
	box, ok := t.mailboxes[id]
	return ok && !box.filled && t.pendingHead(id)
}

func (t *tunnel) addReplyWaiter(id MessageID, w *waiter) {
	set, ok := t.replyWaiters[id]
	if !ok {
		set = &waiterSet{}
		t.replyWaiters[id] = set
	}
	set.add(w)
}

func (t *tunnel) removeReplyWaiter(id MessageID, w *waiter) {
	set, ok := t.replyWaiters[id]
	if !ok {
		return
	}
	set.remove(w)
	if set.len() == 0 {
		delete(t.replyWaiters, id)
	}
}

// expireReplies drops filled mailboxes older than ttl.
func (t *tunnel) expireReplies(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	expired := 0
	for id, box := range t.mailboxes {
		if box.filled && !now.Before(box.filledAt.Add(ttl)) {
			delete(t.mailboxes, id)
			expired++
		}
	}
	return expired
}
