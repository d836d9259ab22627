package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/auth"
	"pkt.systems/tunneld/internal/httpapi"
	"pkt.systems/tunneld/internal/tunnel"
)

func newTestServer(t *testing.T, gate *auth.Gate) *httptest.Server {
	t.Helper()
	registry := tunnel.NewRegistry(tunnel.Config{})
	handler := httpapi.New(httpapi.Config{Registry: registry, Gate: gate, MaxPollTimeout: 10 * time.Second})
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.Close()
		srv.Close()
	})
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	cli, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://host", "http://", "://bad"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := New("http://127.0.0.1:8080/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	cli := newTestClient(t, newTestServer(t, nil))

	if err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	res, err := cli.Produce(ctx, "jobs", []byte(`{"n":1}`), WithContentType("application/json"))
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if res.MessageID == "" || res.QueueSize != 1 {
		t.Fatalf("unexpected produce result %+v", res)
	}
	status, err := cli.Status(ctx, "jobs", res.MessageID)
	if err != nil || status != api.StatusUnseen {
		t.Fatalf("expected unseen, got %s (%v)", status, err)
	}

	msg, err := cli.Consume(ctx, "jobs", WithPending())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if msg == nil || msg.MessageID != res.MessageID || msg.ContentType != "application/json" || !bytes.Equal(msg.Body, []byte(`{"n":1}`)) {
		t.Fatalf("unexpected message %+v", msg)
	}
	if status, _ = cli.Status(ctx, "jobs", res.MessageID); status != api.StatusPending {
		t.Fatalf("expected pending, got %s", status)
	}
	if n, err := cli.Length(ctx, "jobs"); err != nil || n != 1 {
		t.Fatalf("expected length 1, got %d (%v)", n, err)
	}

	sent, err := cli.SendReply(ctx, "jobs", res.MessageID, []byte("done"), "")
	if err != nil || !sent {
		t.Fatalf("send reply: sent=%v err=%v", sent, err)
	}
	reply, err := cli.PollReply(ctx, "jobs", res.MessageID, time.Second)
	if err != nil || reply == nil || string(reply.Body) != "done" {
		t.Fatalf("unexpected reply %+v (%v)", reply, err)
	}
	if reply, err = cli.ReadReply(ctx, "jobs", res.MessageID); err != nil || reply != nil {
		t.Fatalf("expected reply consumed, got %+v (%v)", reply, err)
	}
	if n, _ := cli.Length(ctx, "jobs"); n != 0 {
		t.Fatalf("expected empty tunnel after reply, got %d", n)
	}
}

func TestClientEmptyResults(t *testing.T) {
	ctx := context.Background()
	cli := newTestClient(t, newTestServer(t, nil))
	if msg, err := cli.Consume(ctx, "none"); err != nil || msg != nil {
		t.Fatalf("expected nil message, got %+v (%v)", msg, err)
	}
	if msg, err := cli.Poll(ctx, "none", 50*time.Millisecond); err != nil || msg != nil {
		t.Fatalf("expected poll timeout, got %+v (%v)", msg, err)
	}
	if err := cli.Ack(ctx, "none", "1-1"); err != nil {
		t.Fatalf("ack unknown: %v", err)
	}
	if sent, err := cli.SendReply(ctx, "none", "1-1", []byte("x"), ""); err != nil || sent {
		t.Fatalf("expected reply to unknown message to report not sent, got %v (%v)", sent, err)
	}
}

func TestClientCapacityError(t *testing.T) {
	ctx := context.Background()
	cli := newTestClient(t, newTestServer(t, nil))
	if _, err := cli.Produce(ctx, "bp", []byte("1"), WithLimit(1)); err != nil {
		t.Fatalf("first produce: %v", err)
	}
	_, err := cli.Produce(ctx, "bp", []byte("2"), WithLimit(1))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInsufficientStorage || apiErr.QueueSize != 1 {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if err := cli.Clear(ctx, "bp"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := cli.Produce(ctx, "bp", []byte("3"), WithLimit(1)); err != nil {
		t.Fatalf("produce after clear: %v", err)
	}
}

func TestClientInvalidTunnelID(t *testing.T) {
	cli := newTestClient(t, newTestServer(t, nil))
	_, err := cli.Produce(context.Background(), "invalid/char", []byte("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if apiErr.Response.ErrorCode != "invalid_argument" {
		t.Fatalf("unexpected error code %q", apiErr.Response.ErrorCode)
	}
}

func TestClientAuthSchemes(t *testing.T) {
	gate, err := auth.NewGate(auth.Config{Token: "tok", SignatureSecret: "sig", PublicTunnel: "demo"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	srv := newTestServer(t, gate)
	ctx := context.Background()

	anon := newTestClient(t, srv)
	_, err = anon.Produce(ctx, "secure", []byte("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if _, err := anon.Consume(ctx, "demo"); err != nil {
		t.Fatalf("public consume: %v", err)
	}

	if _, err := newTestClient(t, srv, WithToken("tok")).Produce(ctx, "secure", []byte("x")); err != nil {
		t.Fatalf("bearer produce: %v", err)
	}
	signer := newTestClient(t, srv, WithSignatureSecret("sig"))
	if _, err := signer.Produce(ctx, "secure", []byte("signed")); err != nil {
		t.Fatalf("signed produce: %v", err)
	}
	if n, err := signer.Length(ctx, "secure"); err != nil || n != 2 {
		t.Fatalf("signed length: %d (%v)", n, err)
	}
}

func TestCorrelationPropagation(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(api.HeaderCorrelationID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv)
	if err := cli.Health(WithCorrelationID(context.Background(), "cid-1")); err != nil {
		t.Fatalf("health: %v", err)
	}
	if seen != "cid-1" {
		t.Fatalf("expected context correlation id, got %q", seen)
	}

	transport := WithCorrelationTransport(nil, "cid-2")
	cli = newTestClient(t, srv, WithHTTPClient(&http.Client{Transport: transport}))
	if err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if seen != "cid-2" {
		t.Fatalf("expected transport correlation id, got %q", seen)
	}
}

func TestAPIErrorRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"throttled","detail":"busy","retry_after_seconds":4}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Produce(context.Background(), "x", []byte("y"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.RetryAfterDuration() != 4*time.Second || apiErr.Response.ErrorCode != "throttled" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if errors.Is(err, ErrCapacityExceeded) {
		t.Fatal("429 must not match ErrCapacityExceeded")
	}
}
