package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tunneld"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tunneld configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tunneld/config.yaml"
	if p, err := tunneld.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tunneld configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := tunneld.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file back without a mapping layer.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	ListenProto               string `yaml:"listen-proto"`
	AuthToken                 string `yaml:"auth-token"`
	AuthTokenFile             string `yaml:"auth-token-file"`
	SignatureSecret           string `yaml:"signature-secret"`
	SignatureSecretFile       string `yaml:"signature-secret-file"`
	PublicTunnel              string `yaml:"public-tunnel"`
	MaxBody                   string `yaml:"max-body"`
	DefaultPollTimeout        string `yaml:"default-poll-timeout"`
	MaxPollTimeout            string `yaml:"max-poll-timeout"`
	ReplyTTL                  string `yaml:"reply-ttl"`
	SweeperInterval           string `yaml:"sweeper-interval"`
	MaxWaiters                int    `yaml:"max-waiters"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	H2C                       bool   `yaml:"h2c"`
	HTTP2MaxConcurrentStreams int    `yaml:"http2-max-concurrent-streams"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	DisableHTTPTracing        bool   `yaml:"disable-http-tracing"`
	LSFSampleInterval         string `yaml:"lsf-sample-interval"`
	LSFLogInterval            string `yaml:"lsf-log-interval"`
	MemoryLimit               string `yaml:"memory-limit"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	var cfg tunneld.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		ListenProto:               cfg.ListenProto,
		PublicTunnel:              cfg.PublicTunnel,
		MaxBody:                   humanizeBytes(uint64(cfg.MaxBodyBytes)),
		DefaultPollTimeout:        cfg.DefaultPollTimeout.String(),
		MaxPollTimeout:            cfg.MaxPollTimeout.String(),
		ReplyTTL:                  cfg.ReplyTTL.String(),
		SweeperInterval:           cfg.SweeperInterval.String(),
		MaxWaiters:                cfg.MaxWaiters,
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		HTTP2MaxConcurrentStreams: cfg.HTTP2MaxConcurrentStreams,
		MetricsListen:             cfg.MetricsListen,
		PprofListen:               cfg.PprofListen,
		LSFSampleInterval:         cfg.LSFSampleInterval.String(),
		LSFLogInterval:            cfg.LSFLogInterval.String(),
		MemoryLimit:               "0",
		LogLevel:                  "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
