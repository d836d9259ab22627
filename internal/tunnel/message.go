package tunnel

import "time"

// DefaultContentType is applied to bodies produced without a content type.
const DefaultContentType = "text/plain"

// State is the lifecycle position of a live message. Acknowledged messages are
// removed from the tunnel, so only the two live states are represented.
type State int

const (
	// StateUnseen marks a queued message that was never delivered.
	StateUnseen State = iota
	// StatePending marks the delivered-but-unacknowledged head.
	StatePending
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StatePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Status is the externally visible answer to a message status query.
type Status int

const (
	// StatusUnknown covers never-seen and already acknowledged messages.
	StatusUnknown Status = iota
	// StatusUnseen reports a queued message that was never delivered.
	StatusUnseen
	// StatusPending reports a delivered message awaiting acknowledgement.
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Message is a queued body with its metadata.
type Message struct {
	ID          MessageID
	TunnelID    string
	Body        []byte
	ContentType string
	CreatedAt   time.Time
	State       State
}

// Delivery is handed to consumers.
type Delivery struct {
	ID          MessageID
	Body        []byte
	ContentType string
	CreatedAt   time.Time
	// Pending is true when the message remains the unacknowledged head.
	Pending bool
	// QueueSize is the tunnel length after the consume.
	QueueSize int
}

// Receipt describes a successful produce.
type Receipt struct {
	ID        MessageID
	QueueSize int
}

// Reply is the one-shot response attached to a pending message.
type Reply struct {
	Body        []byte
	ContentType string
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}
