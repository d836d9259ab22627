// Package correlation carries the X-Correlation-Id value through request
// contexts and mints time-ordered identifiers for requests and messages.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type idKey struct{}

// Normalize trims id and accepts it when it is non-empty printable ASCII no
// longer than MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	if strings.IndexFunc(id, func(r rune) bool { return r < 0x20 || r > 0x7e }) >= 0 {
		return "", false
	}
	return id, true
}

// Resolve returns the normalized inbound value, or a fresh id when the header
// is absent or unusable.
func Resolve(header string) string {
	if id, ok := Normalize(header); ok {
		return id
	}
	return Generate()
}

// With returns a child of ctx carrying id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	id, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, idKey{}, id)
}

// ID returns the identifier stored by With, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(idKey{}).(string)
	return id
}

// Generate returns a UUIDv7 string.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
