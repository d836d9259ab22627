package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/tunneld"
	"pkt.systems/tunneld/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func parseServerFlags(t *testing.T, args ...string) (tunneld.Config, error) {
	t.Helper()
	flags := pflag.NewFlagSet("tunneld", pflag.ContinueOnError)
	registerServerFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := viper.New()
	if err := bindServerFlags(v, flags); err != nil {
		t.Fatalf("bind flags: %v", err)
	}
	return bindConfig(v)
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	stdout, _, err = executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short failed: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected short version %q", stdout)
	}
}

func TestRootRejectsPositionalArgs(t *testing.T) {
	if _, _, err := executeRootCommand(t, "serve-now"); err == nil {
		t.Fatal("expected error for unknown positional argument")
	}
}

func TestBindConfigDefaults(t *testing.T) {
	cfg, err := parseServerFlags(t)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Listen != tunneld.DefaultListen || cfg.PublicTunnel != tunneld.DefaultPublicTunnel {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxBodyBytes != tunneld.DefaultMaxBodyBytes {
		t.Fatalf("expected max body %d, got %d", tunneld.DefaultMaxBodyBytes, cfg.MaxBodyBytes)
	}
	if cfg.MemoryLimitBytes != 0 || cfg.AuthEnabled() {
		t.Fatalf("expected guard and auth off, got %+v", cfg)
	}
}

func TestBindConfigFlags(t *testing.T) {
	cfg, err := parseServerFlags(t,
		"--listen", "127.0.0.1:9000",
		"--max-body", "1MB",
		"--memory-limit", "512MiB",
		"--max-poll-timeout", "30s",
		"--public-tunnel", "",
		"--h2c",
	)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || !cfg.H2C {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxBodyBytes != 1_000_000 || cfg.MemoryLimitBytes != 512<<20 {
		t.Fatalf("unexpected sizes body=%d mem=%d", cfg.MaxBodyBytes, cfg.MemoryLimitBytes)
	}
	if cfg.MaxPollTimeout != 30*time.Second {
		t.Fatalf("unexpected max poll timeout %s", cfg.MaxPollTimeout)
	}
	if cfg.PublicTunnel != "" {
		t.Fatalf("expected public tunnel disabled, got %q", cfg.PublicTunnel)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	if _, err := parseServerFlags(t, "--max-body", "lots"); err == nil {
		t.Fatal("expected max-body parse error")
	}
}

func TestBindConfigCompatEnv(t *testing.T) {
	t.Setenv(envAccessToken, "legacy-token")
	t.Setenv(envPublicTunnel, "lobby")
	t.Setenv("TUNNELD_MAX_WAITERS", "42")
	cfg, err := parseServerFlags(t)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.AuthToken != "legacy-token" || cfg.PublicTunnel != "lobby" {
		t.Fatalf("compat env not applied: %+v", cfg)
	}
	if cfg.MaxWaiters != 42 {
		t.Fatalf("expected TUNNELD_ env to apply, got %d", cfg.MaxWaiters)
	}

	t.Setenv("TUNNELD_AUTH_TOKEN", "primary")
	cfg, err = parseServerFlags(t)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.AuthToken != "primary" {
		t.Fatalf("expected TUNNELD_AUTH_TOKEN to win, got %q", cfg.AuthToken)
	}
}

func TestConfigGenStdoutRoundTrips(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("unmarshal generated yaml: %v", err)
	}
	if parsed.Listen != tunneld.DefaultListen || parsed.PublicTunnel != tunneld.DefaultPublicTunnel {
		t.Fatalf("unexpected generated defaults %+v", parsed)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(stdout), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v := viper.New()
	flags := pflag.NewFlagSet("tunneld", pflag.ContinueOnError)
	registerServerFlags(flags)
	flags.String("config", path, "")
	if err := v.BindPFlag("config", flags.Lookup("config")); err != nil {
		t.Fatalf("bind config flag: %v", err)
	}
	if err := bindServerFlags(v, flags); err != nil {
		t.Fatalf("bind flags: %v", err)
	}
	loaded, err := loadConfigFile(v)
	if err != nil || loaded != path {
		t.Fatalf("load config file: %q (%v)", loaded, err)
	}
	if _, err := bindConfig(v); err != nil {
		t.Fatalf("generated config must validate: %v", err)
	}
}

func TestConfigGenWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", path)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, path) {
		t.Fatalf("expected output path in %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestLoadConfigFileMissingExplicit(t *testing.T) {
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(v); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}
