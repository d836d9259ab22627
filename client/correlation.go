package client

import (
	"context"
	"fmt"
	"net/http"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/correlation"
)

// MaxCorrelationIDLength bounds the length of client-supplied correlation identifiers.
const MaxCorrelationIDLength = correlation.MaxIDLength

type correlationContextKey struct{}

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier sent as
// X-Correlation-Id on requests made with ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return ""
}

// GenerateCorrelationID creates a new random correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}

type correlationTransport struct {
	base http.RoundTripper
	id   string
}

func (t *correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if t.id != "" {
		req = req.Clone(req.Context())
		req.Header.Set(api.HeaderCorrelationID, t.id)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// WithCorrelationTransport wraps base with a RoundTripper that overwrites the
// X-Correlation-Id header on every request. Invalid identifiers are ignored.
func WithCorrelationTransport(base http.RoundTripper, id string) http.RoundTripper {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		normalized = ""
	}
	return &correlationTransport{base: base, id: normalized}
}
