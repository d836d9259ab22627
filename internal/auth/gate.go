// Package auth implements the request admission gate: a static bearer token, a
// static HMAC-SHA256 body signature, and an unauthenticated read-only tunnel.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tunneld/internal/svcfields"
)

// ErrUnauthorized is returned when a request satisfies no configured scheme.
var ErrUnauthorized = errors.New("auth: unauthorized")

const (
	// SignatureHeader carries the body signature as sha256=<hex>.
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	bearerPrefix    = "bearer "
)

// Config configures a Gate. File-based secrets override inline ones and are
// trimmed of surrounding whitespace.
type Config struct {
	Token               string
	TokenFile           string
	SignatureSecret     string
	SignatureSecretFile string
	// PublicTunnel names the tunnel readable without credentials. Empty disables it.
	PublicTunnel string
	Logger       pslog.Logger
}

// Request is the subset of an incoming call the gate inspects.
type Request struct {
	Authorization string
	Signature     string
	Body          []byte
	TunnelID      string
	// ReadOnly marks consume, poll, status and length operations.
	ReadOnly bool
}

// Gate admits or rejects requests. Secrets may be swapped at runtime by Watch.
type Gate struct {
	cfg    Config
	logger pslog.Logger

	mu     sync.RWMutex
	token  []byte
	secret []byte

	watchMu sync.Mutex
	watcher *fileWatcher
}

// NewGate builds a gate, loading any secret files named in cfg.
func NewGate(cfg Config) (*Gate, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	g := &Gate{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "auth.gate"),
		token:  []byte(strings.TrimSpace(cfg.Token)),
		secret: []byte(cfg.SignatureSecret),
	}
	if cfg.TokenFile != "" {
		if err := g.reloadToken(); err != nil {
			return nil, err
		}
	}
	if cfg.SignatureSecretFile != "" {
		if err := g.reloadSecret(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Enabled reports whether any scheme is configured.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.token) > 0 || len(g.secret) > 0
}

// PublicTunnel returns the tunnel exempt from auth for reads.
func (g *Gate) PublicTunnel() string {
	return g.cfg.PublicTunnel
}

// Authorize returns nil when req is admitted, ErrUnauthorized otherwise.
func (g *Gate) Authorize(req Request) error {
	g.mu.RLock()
	token, secret := g.token, g.secret
	g.mu.RUnlock()

	if len(token) == 0 && len(secret) == 0 {
		return nil
	}
	if req.ReadOnly && g.cfg.PublicTunnel != "" && req.TunnelID == g.cfg.PublicTunnel {
		return nil
	}
	if len(token) > 0 && bearerMatches(req.Authorization, token) {
		return nil
	}
	if len(secret) > 0 && signatureMatches(req.Signature, req.Body, secret) {
		return nil
	}
	return ErrUnauthorized
}

func bearerMatches(header string, token []byte) bool {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(bearerPrefix):])
	return subtle.ConstantTimeCompare([]byte(presented), token) == 1
}

func signatureMatches(header string, body, secret []byte) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	presented, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil || len(presented) != sha256.Size {
		return false
	}
	return hmac.Equal(presented, Sign(secret, body))
}

// Sign computes the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureValue renders the X-Hub-Signature-256 header value for body.
func SignatureValue(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}

func (g *Gate) reloadToken() error {
	raw, err := readSecretFile(g.cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("auth: load token file: %w", err)
	}
	g.mu.Lock()
	g.token = raw
	g.mu.Unlock()
	return nil
}

func (g *Gate) reloadSecret() error {
	raw, err := readSecretFile(g.cfg.SignatureSecretFile)
	if err != nil {
		return fmt.Errorf("auth: load signature secret file: %w", err)
	}
	g.mu.Lock()
	g.secret = raw
	g.mu.Unlock()
	return nil
}

func readSecretFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return []byte(trimmed), nil
}
