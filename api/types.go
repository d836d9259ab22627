package api

import "net/http"

// Wire-level header names.
const (
	// HeaderMessageID carries the <epoch>-<seq> id of a produced or delivered message.
	HeaderMessageID = "X-Message-Id"
	// HeaderQueueSize carries the tunnel length after the operation.
	HeaderQueueSize = "X-Queue-Size"
	// HeaderSignature carries sha256=<hex> HMAC of the raw request body.
	HeaderSignature = "X-Hub-Signature-256"
	// HeaderCorrelationID propagates a caller-chosen correlation identifier.
	HeaderCorrelationID = "X-Correlation-Id"
)

// Query parameters.
const (
	// QueryLimit is the produce backpressure limit (0 = unlimited).
	QueryLimit = "limit"
	// QueryPending selects pending (acknowledge-later) delivery.
	QueryPending = "pending"
	// QueryTimeout is the long-poll timeout in (fractional) seconds.
	QueryTimeout = "timeout"
)

// Paths and reserved path segments.
const (
	PathHealth      = "/health"
	PathHealthz     = "/healthz"
	PathReadyz      = "/readyz"
	PathOpenAPI     = "/openapi.json"
	PathTunnels     = "/t/"
	SegmentPoll     = "poll"
	SegmentLength   = "len"
	SegmentAll      = "all"
	SegmentReply    = "reply"
	DefaultBodyType = "text/plain"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable tunneld error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// QueueSize reports the tunnel length when the error concerns capacity.
	QueueSize *int `json:"queue_size,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// MessageStatus is the lifecycle position reported by GET /t/{id}/{msgId}.
type MessageStatus string

const (
	StatusUnknown MessageStatus = "unknown"
	StatusUnseen  MessageStatus = "unseen"
	StatusPending MessageStatus = "pending"
)

// HTTPCode maps a status onto the response code used on the wire.
func (s MessageStatus) HTTPCode() int {
	switch s {
	case StatusUnseen:
		return http.StatusCreated
	case StatusPending:
		return http.StatusAccepted
	default:
		return http.StatusNoContent
	}
}

// MessageStatusFromHTTP is the inverse of HTTPCode.
func MessageStatusFromHTTP(code int) MessageStatus {
	switch code {
	case http.StatusCreated:
		return StatusUnseen
	case http.StatusAccepted:
		return StatusPending
	default:
		return StatusUnknown
	}
}
