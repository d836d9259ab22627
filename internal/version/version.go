// Package version reports the tunneld build version from linker flags or the
// embedded Go build info.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const fallbackModule = "pkt.systems/tunneld"

// buildVersion is set with -ldflags "-X pkt.systems/tunneld/internal/version.buildVersion=v1.2.3".
var buildVersion string

type buildInfo struct {
	module  string
	version string
}

var resolve = sync.OnceValue(func() buildInfo {
	out := buildInfo{module: fallbackModule, version: strings.TrimSpace(buildVersion)}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		if out.version == "" {
			out.version = "v0.0.0-unknown"
		}
		return out
	}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		out.module = p
	}
	if out.version == "" {
		out.version = fromBuildInfo(info)
	}
	return out
})

// Current returns the build version. Linker flags win over module metadata,
// which wins over a pseudo-version derived from VCS stamps.
func Current() string { return resolve().version }

// Module returns the main module path.
func Module() string { return resolve().module }

// UserAgent is the User-Agent header sent by the Go client.
func UserAgent() string { return "tunneld-client/" + Current() }

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[s.Key] = s.Value
		}
	}
	return pseudoVersion(vcs["vcs.revision"], vcs["vcs.time"], vcs["vcs.modified"] == "true")
}

// pseudoVersion formats v0.0.0-<utc timestamp>-<12 char revision>, with a
// +dirty suffix for modified trees.
func pseudoVersion(revision, stamp string, dirty bool) string {
	at, err := time.Parse(time.RFC3339, stamp)
	if revision == "" || err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
