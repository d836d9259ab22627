package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/tunneld"
	"pkt.systems/tunneld/internal/svcfields"
)

// Environment variables honoured for compatibility with existing deployments.
const (
	envAccessToken  = "TUNNEL_ACCESS_TOKEN"
	envPublicTunnel = "TUNNEL_DEMO_ID"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TUNNELD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tunneld")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if executed == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

// serverFlags lists every flag bound into viper and the config file.
var serverFlags = []string{
	"listen", "listen-proto",
	"auth-token", "auth-token-file", "signature-secret", "signature-secret-file", "public-tunnel",
	"max-body", "default-poll-timeout", "max-poll-timeout", "reply-ttl", "sweeper-interval", "max-waiters", "shutdown-timeout",
	"h2c", "http2-max-concurrent-streams",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"lsf-sample-interval", "lsf-log-interval", "memory-limit",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "tunneld",
		Short:         "tunneld is an HTTP message broker with per-tunnel FIFO queues, long polling and reply mailboxes",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Example: `
  # Open broker on :8080 (every tunnel writable without credentials)
  tunneld

  # Require a bearer token; the demo tunnel stays readable
  TUNNELD_AUTH_TOKEN=s3cret tunneld --public-tunnel demo

  # Accept HMAC-SHA256 signed bodies, serve on a unix socket
  tunneld --signature-secret-file /run/secrets/hmac --listen-proto unix --listen /run/tunneld.sock

  # Prometheus metrics and OTLP traces
  tunneld --metrics-listen :9464 --otlp-endpoint grpc://otel-collector:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := baseLogger
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to tunneld",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			srv, err := tunneld.NewServer(cfg, tunneld.WithLogger(logger))
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()
			select {
			case err := <-errCh:
				_ = srv.Close()
				return err
			case <-ctx.Done():
			}
			cliLogger.Info("shutdown requested", "timeout", cfg.ShutdownTimeout.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return <-errCh
		},
	}

	defaultConfig := "$HOME/.tunneld/config.yaml"
	if p, err := tunneld.DefaultConfigPath(); err == nil {
		defaultConfig = p
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to "+defaultConfig+" when present)")

	if err := v.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	registerServerFlags(cmd.Flags())
	if err := bindServerFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := tunneld.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper) (tunneld.Config, error) {
	cfg := tunneld.Config{
		Listen:                       v.GetString("listen"),
		ListenProto:                  v.GetString("listen-proto"),
		AuthToken:                    strings.TrimSpace(v.GetString("auth-token")),
		AuthTokenFile:                v.GetString("auth-token-file"),
		SignatureSecret:              v.GetString("signature-secret"),
		SignatureSecretFile:          v.GetString("signature-secret-file"),
		PublicTunnel:                 strings.TrimSpace(v.GetString("public-tunnel")),
		PublicTunnelSet:              true,
		DefaultPollTimeout:           v.GetDuration("default-poll-timeout"),
		MaxPollTimeout:               v.GetDuration("max-poll-timeout"),
		ReplyTTL:                     v.GetDuration("reply-ttl"),
		SweeperInterval:              v.GetDuration("sweeper-interval"),
		MaxWaiters:                   v.GetInt("max-waiters"),
		ShutdownTimeout:              v.GetDuration("shutdown-timeout"),
		H2C:                          v.GetBool("h2c"),
		HTTP2MaxConcurrentStreams:    v.GetInt("http2-max-concurrent-streams"),
		HTTP2MaxConcurrentStreamsSet: true,
		MetricsListen:                v.GetString("metrics-listen"),
		PprofListen:                  v.GetString("pprof-listen"),
		EnableProfilingMetrics:       v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:                 v.GetString("otlp-endpoint"),
		DisableHTTPTracing:           v.GetBool("disable-http-tracing"),
		LSFSampleInterval:            v.GetDuration("lsf-sample-interval"),
		LSFLogInterval:               v.GetDuration("lsf-log-interval"),
	}
	if raw := strings.TrimSpace(v.GetString("max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	if raw := strings.TrimSpace(v.GetString("memory-limit")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse memory-limit: %w", err)
		}
		cfg.MemoryLimitBytes = size
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func registerServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", tunneld.DefaultListen, "listen address (socket path for unix)")
	flags.String("listen-proto", tunneld.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("auth-token", "", "bearer token required on every request (also "+envAccessToken+")")
	flags.String("auth-token-file", "", "file holding the bearer token; reloaded on change")
	flags.String("signature-secret", "", "HMAC-SHA256 secret for X-Hub-Signature-256 request signatures")
	flags.String("signature-secret-file", "", "file holding the signature secret; reloaded on change")
	flags.String("public-tunnel", tunneld.DefaultPublicTunnel, "tunnel readable without credentials; empty disables (also "+envPublicTunnel+")")
	flags.String("max-body", humanizeBytes(tunneld.DefaultMaxBodyBytes), "maximum produce/reply body size (e.g. 10MiB)")
	flags.Duration("default-poll-timeout", 0, "long-poll timeout used when the request omits timeout")
	flags.Duration("max-poll-timeout", tunneld.DefaultMaxPollTimeout, "upper bound applied to requested long-poll timeouts")
	flags.Duration("reply-ttl", tunneld.DefaultReplyTTL, "how long an unread reply is kept")
	flags.Duration("sweeper-interval", tunneld.DefaultSweeperInterval, "interval between idle-tunnel and reply-expiry sweeps")
	flags.Int("max-waiters", tunneld.DefaultMaxWaiters, "maximum concurrently parked long polls")
	flags.Duration("shutdown-timeout", tunneld.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.Bool("h2c", false, "serve cleartext HTTP/2 in addition to HTTP/1.1")
	flags.Int("http2-max-concurrent-streams", tunneld.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection (0 uses http2 default)")
	flags.String("metrics-listen", tunneld.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", tunneld.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "do not create spans for HTTP requests even when tracing is enabled")
	flags.Duration("lsf-sample-interval", tunneld.DefaultLSFSampleInterval, "load sampling interval")
	flags.Duration("lsf-log-interval", 0, "interval between tunneld.lsf.sample logs (0 disables)")
	flags.String("memory-limit", "0", "RSS ceiling that sheds produce and reply requests with 429 (0 disables)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
}

// bindServerFlags binds every server flag into v and layers the TUNNELD_ env
// namespace plus the compatibility variables on top.
func bindServerFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, name := range serverFlags {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	v.SetEnvPrefix("TUNNELD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("auth-token", "TUNNELD_AUTH_TOKEN", envAccessToken); err != nil {
		return err
	}
	return v.BindEnv("public-tunnel", "TUNNELD_PUBLIC_TUNNEL", envPublicTunnel)
}
