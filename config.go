package tunneld

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the network used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultPublicTunnel is the tunnel readable without credentials.
	DefaultPublicTunnel = "demo"
	// DefaultMaxBodyBytes bounds produce and reply bodies.
	DefaultMaxBodyBytes = 10 << 20
	// DefaultMaxPollTimeout clamps caller-supplied long-poll timeouts.
	DefaultMaxPollTimeout = 60 * time.Second
	// DefaultReplyTTL is how long an unread reply survives.
	DefaultReplyTTL = 5 * time.Minute
	// DefaultSweeperInterval sets the tick frequency for eviction and reply expiry.
	DefaultSweeperInterval = 30 * time.Second
	// DefaultMaxWaiters caps concurrently parked long polls.
	DefaultMaxWaiters = 10000
	// DefaultShutdownTimeout bounds graceful shutdown in the CLI.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams is the HTTP/2 per-connection stream limit.
	DefaultMaxConcurrentStreams = 250
	// DefaultLSFSampleInterval is how often the load observer samples.
	DefaultLSFSampleInterval = time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
)

// Config captures the tunnel broker configuration.
type Config struct {
	// Listen is the address (or unix socket path) to bind.
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string

	// AuthToken is the bearer token. Empty together with SignatureSecret disables auth.
	AuthToken     string
	AuthTokenFile string
	// SignatureSecret keys the HMAC-SHA256 body signature scheme.
	SignatureSecret     string
	SignatureSecretFile string
	// PublicTunnel names the tunnel that accepts unauthenticated reads.
	PublicTunnel string
	// PublicTunnelSet reports whether PublicTunnel was explicitly set (allows "" to disable).
	PublicTunnelSet bool

	MaxBodyBytes       int64
	DefaultPollTimeout time.Duration
	MaxPollTimeout     time.Duration
	ReplyTTL           time.Duration
	SweeperInterval    time.Duration
	MaxWaiters         int
	ShutdownTimeout    time.Duration

	// H2C serves cleartext HTTP/2 alongside HTTP/1.1.
	H2C bool
	// HTTP2MaxConcurrentStreams sets HTTP/2 MaxConcurrentStreams; 0 uses the http2 default.
	HTTP2MaxConcurrentStreams int
	// HTTP2MaxConcurrentStreamsSet reports whether HTTP2MaxConcurrentStreams was explicitly set.
	HTTP2MaxConcurrentStreamsSet bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	DisableHTTPTracing     bool

	LSFSampleInterval time.Duration
	LSFLogInterval    time.Duration
	// MemoryLimitBytes engages the load guard when process RSS reaches it (0 = off).
	MemoryLimitBytes uint64
}

// AuthEnabled reports whether any credential is configured.
func (c Config) AuthEnabled() bool {
	return c.AuthToken != "" || c.AuthTokenFile != "" || c.SignatureSecret != "" || c.SignatureSecretFile != ""
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.AuthToken != "" && c.AuthTokenFile != "" {
		return fmt.Errorf("config: auth-token and auth-token-file are mutually exclusive")
	}
	if c.SignatureSecret != "" && c.SignatureSecretFile != "" {
		return fmt.Errorf("config: signature-secret and signature-secret-file are mutually exclusive")
	}
	if !c.PublicTunnelSet && c.PublicTunnel == "" {
		c.PublicTunnel = DefaultPublicTunnel
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.DefaultPollTimeout < 0 {
		return fmt.Errorf("config: default poll timeout must be >= 0")
	}
	if c.MaxPollTimeout < 0 {
		return fmt.Errorf("config: max poll timeout must be >= 0")
	}
	if c.MaxPollTimeout == 0 {
		c.MaxPollTimeout = DefaultMaxPollTimeout
	}
	if c.DefaultPollTimeout > c.MaxPollTimeout {
		return fmt.Errorf("config: default poll timeout must be <= max poll timeout")
	}
	if c.ReplyTTL < 0 {
		return fmt.Errorf("config: reply ttl must be >= 0")
	}
	if c.ReplyTTL == 0 {
		c.ReplyTTL = DefaultReplyTTL
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("config: max waiters must be >= 0")
	}
	if c.MaxWaiters == 0 {
		c.MaxWaiters = DefaultMaxWaiters
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams != 0 {
		c.HTTP2MaxConcurrentStreamsSet = true
	}
	if !c.HTTP2MaxConcurrentStreamsSet {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval < 0 {
		return fmt.Errorf("config: lsf log interval must be >= 0")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.tunneld).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TUNNELD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tunneld"), nil
}

// DefaultConfigPath returns the config file location searched when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
