package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/auth"
	"pkt.systems/tunneld/internal/svcfields"
	"pkt.systems/tunneld/internal/version"
)

// ErrCapacityExceeded is matched (errors.Is) by the *APIError returned when a
// produce hits the tunnel's limit.
var ErrCapacityExceeded = errors.New("tunneld: capacity exceeded")

// Client talks to a tunneld server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	secret     []byte
	userAgent  string
	logger     pslog.Base
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Long polls run
// for the requested timeout, so the client's own Timeout must exceed it.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithToken sends Authorization: Bearer <token> on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithSignatureSecret signs every request body with HMAC-SHA256 and sends it as
// X-Hub-Signature-256.
func WithSignatureSecret(secret string) Option {
	return func(c *Client) {
		if secret == "" {
			c.secret = nil
			return
		}
		c.secret = []byte(secret)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// New constructs a client for baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("baseURL %q has no host", baseURL)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{},
		userAgent:  version.UserAgent(),
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ProduceResult describes a stored message.
type ProduceResult struct {
	MessageID string
	QueueSize int
}

// Message is a delivered message.
type Message struct {
	MessageID   string
	Body        []byte
	ContentType string
	QueueSize   int
}

// Reply is the one-shot reply read from a message's mailbox.
type Reply struct {
	Body        []byte
	ContentType string
}

// ProduceOptions tune Produce.
type ProduceOptions struct {
	ContentType string
	// Limit rejects the message with ErrCapacityExceeded when the tunnel
	// already holds Limit messages. Zero disables the check.
	Limit int
}

// ProduceOption mutates ProduceOptions.
type ProduceOption func(*ProduceOptions)

// WithContentType sets the message Content-Type (server default text/plain).
func WithContentType(ct string) ProduceOption {
	return func(o *ProduceOptions) { o.ContentType = ct }
}

// WithLimit sets the backpressure limit for a produce.
func WithLimit(limit int) ProduceOption {
	return func(o *ProduceOptions) { o.Limit = limit }
}

// ConsumeOptions tune Consume and Poll.
type ConsumeOptions struct {
	// Pending keeps the message at the head until it is acknowledged or replied to.
	Pending bool
}

// ConsumeOption mutates ConsumeOptions.
type ConsumeOption func(*ConsumeOptions)

// WithPending selects pending delivery.
func WithPending() ConsumeOption {
	return func(o *ConsumeOptions) { o.Pending = true }
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, api.PathHealth, nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

// Produce appends body to tunnelID.
func (c *Client) Produce(ctx context.Context, tunnelID string, body []byte, opts ...ProduceOption) (*ProduceResult, error) {
	var o ProduceOptions
	for _, opt := range opts {
		opt(&o)
	}
	q := url.Values{}
	if o.Limit > 0 {
		q.Set(api.QueryLimit, strconv.Itoa(o.Limit))
	}
	resp, err := c.do(ctx, http.MethodPost, tunnelPath(tunnelID), q, body, o.ContentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, c.decodeError(resp)
	}
	return &ProduceResult{
		MessageID: resp.Header.Get(api.HeaderMessageID),
		QueueSize: queueSize(resp),
	}, nil
}

// Consume fetches the head of tunnelID. It returns nil, nil when the tunnel is empty.
func (c *Client) Consume(ctx context.Context, tunnelID string, opts ...ConsumeOption) (*Message, error) {
	return c.consume(ctx, tunnelPath(tunnelID), consumeQuery(opts), "consume")
}

// Poll waits up to timeout for a message on tunnelID. It returns nil, nil on timeout.
func (c *Client) Poll(ctx context.Context, tunnelID string, timeout time.Duration, opts ...ConsumeOption) (*Message, error) {
	q := consumeQuery(opts)
	q.Set(api.QueryTimeout, formatSeconds(timeout))
	return c.consume(ctx, tunnelPath(tunnelID, api.SegmentPoll), q, "poll")
}

func (c *Client) consume(ctx context.Context, path string, q url.Values, op string) (*Message, error) {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, c.decodeError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return &Message{
		MessageID:   resp.Header.Get(api.HeaderMessageID),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		QueueSize:   queueSize(resp),
	}, nil
}

// Status reports where messageID sits in its lifecycle.
func (c *Client) Status(ctx context.Context, tunnelID, messageID string) (api.MessageStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, tunnelPath(tunnelID, messageID), nil, nil, "")
	if err != nil {
		return api.StatusUnknown, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return api.MessageStatusFromHTTP(resp.StatusCode), nil
	}
	return api.StatusUnknown, c.decodeError(resp)
}

// Ack acknowledges a pending message. Unknown ids are not an error.
func (c *Client) Ack(ctx context.Context, tunnelID, messageID string) error {
	return c.expectNoContent(ctx, http.MethodDelete, tunnelPath(tunnelID, messageID))
}

// Length returns unseen plus pending messages in tunnelID.
func (c *Client) Length(ctx context.Context, tunnelID string) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, tunnelPath(tunnelID, api.SegmentLength), nil, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return 0, c.decodeError(resp)
	}
	return queueSize(resp), nil
}

// Clear drops every message in tunnelID.
func (c *Client) Clear(ctx context.Context, tunnelID string) error {
	return c.expectNoContent(ctx, http.MethodDelete, tunnelPath(tunnelID, api.SegmentAll))
}

// SendReply answers a pending message. It reports false when the message was
// not the pending head (already acknowledged, unseen or unknown).
func (c *Client) SendReply(ctx context.Context, tunnelID, messageID string, body []byte, contentType string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, tunnelPath(tunnelID, messageID, api.SegmentReply), nil, body, contentType)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusNoContent:
		return false, nil
	}
	return false, c.decodeError(resp)
}

// ReadReply reads the reply once. It returns nil, nil when none is available.
func (c *Client) ReadReply(ctx context.Context, tunnelID, messageID string) (*Reply, error) {
	return c.reply(ctx, tunnelPath(tunnelID, messageID, api.SegmentReply), nil)
}

// PollReply waits up to timeout for the reply. It returns nil, nil on timeout or
// when the message is not pending.
func (c *Client) PollReply(ctx context.Context, tunnelID, messageID string, timeout time.Duration) (*Reply, error) {
	q := url.Values{}
	q.Set(api.QueryTimeout, formatSeconds(timeout))
	return c.reply(ctx, tunnelPath(tunnelID, messageID, api.SegmentReply, api.SegmentPoll), q)
}

func (c *Client) reply(ctx context.Context, path string, q url.Values) (*Reply, error) {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, c.decodeError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reply: read body: %w", err)
	}
	return &Reply{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) expectNoContent(ctx context.Context, method, path string) error {
	resp, err := c.do(ctx, method, path, nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.decodeError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, contentType string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if len(c.secret) > 0 {
		req.Header.Set(api.HeaderSignature, auth.SignatureValue(c.secret, body))
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(api.HeaderCorrelationID, cid)
	}
	reqID := xid.New().String()
	start := time.Now()
	c.logTraceCtx(ctx, "client.request.start", "req", reqID, "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logDebugCtx(ctx, "client.request.error", "req", reqID, "method", method, "path", path, "error", err)
		return nil, err
	}
	c.logTraceCtx(ctx, "client.request.complete", "req", reqID, "status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, enrichKeyvals(ctx, keyvals)...)
}

func enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	return append(append([]any(nil), keyvals...), "cid", cid)
}

func tunnelPath(tunnelID string, rest ...string) string {
	var b strings.Builder
	b.WriteString(api.PathTunnels)
	b.WriteString(url.PathEscape(tunnelID))
	for _, part := range rest {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

func consumeQuery(opts []ConsumeOption) url.Values {
	var o ConsumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	q := url.Values{}
	if o.Pending {
		q.Set(api.QueryPending, "true")
	}
	return q
}

func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func queueSize(resp *http.Response) int {
	n, err := strconv.Atoi(resp.Header.Get(api.HeaderQueueSize))
	if err != nil {
		return 0
	}
	return n
}

// APIError is returned for non-success responses.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded tunneld error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
	// QueueSize is the X-Queue-Size reported with the error, or -1.
	QueueSize int
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("tunneld: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("tunneld: status %d", e.Status)
}

// Unwrap lets errors.Is match ErrCapacityExceeded on 507 responses.
func (e *APIError) Unwrap() error {
	if e != nil && e.Status == http.StatusInsufficientStorage {
		return ErrCapacityExceeded
	}
	return nil
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data, QueueSize: -1}
	if raw := resp.Header.Get(api.HeaderQueueSize); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			apiErr.QueueSize = n
		}
	}
	if len(data) > 0 {
		// leave Response empty on undecodable bodies, Body keeps the raw bytes
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	if secs, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get("Retry-After")), 10, 64); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	} else if apiErr.Response.RetryAfterSeconds > 0 {
		apiErr.RetryAfter = time.Duration(apiErr.Response.RetryAfterSeconds) * time.Second
	}
	return apiErr
}
