// Package svcfields holds the log field conventions shared by tunneld
// components.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that emitted it, for
// example "tunnel.registry" or "api.http.router.tunnel.poll".
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem returns logger tagged with the dot-joined non-empty parts. A
// nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	if b.Len() == 0 {
		return logger
	}
	return logger.With(SubsystemKey, b.String())
}
