package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/auth"
	"pkt.systems/tunneld/internal/clock"
	"pkt.systems/tunneld/internal/correlation"
	"pkt.systems/tunneld/internal/lsf"
	"pkt.systems/tunneld/internal/svcfields"
	"pkt.systems/tunneld/internal/tunnel"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is unset.
const DefaultMaxBodyBytes int64 = 10 << 20

// Config groups the dependencies required by Handler.
type Config struct {
	Registry *tunnel.Registry
	Gate     *auth.Gate
	Logger   pslog.Logger
	Clock    clock.Clock
	// Observer tracks inflight operations and sheds writes under memory pressure. Optional.
	Observer *lsf.Observer
	// MaxBodyBytes caps produce and reply bodies; larger requests get 413.
	MaxBodyBytes int64
	// DefaultPollTimeout applies when a poll request omits timeout.
	DefaultPollTimeout time.Duration
	// MaxPollTimeout clamps caller-supplied poll timeouts (0 = unbounded).
	MaxPollTimeout time.Duration
	// EnableHTTPTracing wraps every route in otelhttp and starts a span per request.
	EnableHTTPTracing bool
}

// Handler wires HTTP endpoints to the tunnel registry.
type Handler struct {
	registry           *tunnel.Registry
	gate               *auth.Gate
	logger             pslog.Logger
	observer           *lsf.Observer
	maxBodyBytes       int64
	defaultPollTimeout time.Duration
	maxPollTimeout     time.Duration
	httpTracingEnabled bool
	tracer             trace.Tracer

	ready  atomic.Bool
	routes map[string]http.Handler
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler. The handler reports ready until SetReady(false).
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = tunnel.NewRegistry(tunnel.Config{Clock: clk, Logger: logger})
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &Handler{
		registry:           registry,
		gate:               cfg.Gate,
		logger:             logger,
		observer:           cfg.Observer,
		maxBodyBytes:       maxBody,
		defaultPollTimeout: cfg.DefaultPollTimeout,
		maxPollTimeout:     cfg.MaxPollTimeout,
		httpTracingEnabled: cfg.EnableHTTPTracing,
		tracer:             otel.Tracer("pkt.systems/tunneld/httpapi"),
	}
	h.ready.Store(true)
	h.routes = map[string]http.Handler{
		opProduce:   h.wrap(opProduce, h.handleProduce),
		opConsume:   h.wrap(opConsume, h.handleConsume),
		opPoll:      h.wrap(opPoll, h.handlePoll),
		opLength:    h.wrap(opLength, h.handleLength),
		opClear:     h.wrap(opClear, h.handleClear),
		opStatus:    h.wrap(opStatus, h.handleStatus),
		opAck:       h.wrap(opAck, h.handleAck),
		opReplySend: h.wrap(opReplySend, h.handleReplySend),
		opReplyRead: h.wrap(opReplyRead, h.handleReplyRead),
		opReplyPoll: h.wrap(opReplyPoll, h.handleReplyPoll),
		opRoute:     h.wrap(opRoute, h.handleRouteError),
	}
	return h
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(api.PathTunnels, http.HandlerFunc(h.serveTunnel))
	mux.Handle(api.PathHealth, h.wrap("health", h.handleHealth))
	mux.Handle(api.PathHealthz, h.wrap("healthz", h.handleHealth))
	mux.Handle(api.PathReadyz, h.wrap("readyz", h.handleReady))
	mux.Handle(api.PathOpenAPI, h.wrap("openapi", h.handleOpenAPI))
}

// SetReady toggles the /readyz response. The server flips it off while draining.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Registry exposes the registry backing the handler.
func (h *Handler) Registry() *tunnel.Registry {
	return h.registry
}

func (h *Handler) serveTunnel(w http.ResponseWriter, r *http.Request) {
	rt := resolveRoute(r.Method, r.URL.EscapedPath())
	op := rt.op
	if rt.err != nil {
		op = opRoute
	}
	ctx := withRoute(r.Context(), rt)
	h.routes[op].ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "tunneld.http." + operation
	opSpanName := "tunneld.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.Generate()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, opSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("tunneld.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("tunneld.operation", operation),
				attribute.String("tunneld.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		corr := correlation.Resolve(r.Header.Get(api.HeaderCorrelationID))
		ctx = correlation.With(ctx, corr)
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(api.HeaderCorrelationID, corr)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				span.SetStatus(status, statusMsg)
				span.AddEvent("tunneld.op.end", trace.WithAttributes(
					attribute.String("tunneld.result", result),
					attribute.Int64("tunneld.duration_ms", time.Since(start).Milliseconds()),
				))
			}
		}()

		r = r.WithContext(ctx)
		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result = "context"
				status = codes.Error
				statusMsg = "context_canceled"
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			if instrument {
				span.RecordError(err)
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("tunneld.error_code", httpErr.Code),
						attribute.Int("tunneld.error_status", httpErr.Status),
					)
				} else {
					span.SetAttributes(attribute.String("tunneld.error_code", "internal"))
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	QueueSize  *int
	RetryAfter int64
	Allow      string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	httpErr, ok := convertError(err)
	if !ok {
		logger.Error("http.request.panic", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			ErrorCode: "internal_error",
			Detail:    "internal server error",
		}, nil)
		return
	}
	logger.Debug("http.request.failure",
		"status", httpErr.Status,
		"code", httpErr.Code,
		"detail", httpErr.Detail,
		"retry_after", httpErr.RetryAfter,
	)
	resp := api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		QueueSize:         httpErr.QueueSize,
		RetryAfterSeconds: httpErr.RetryAfter,
	}
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	if httpErr.QueueSize != nil {
		headers[api.HeaderQueueSize] = strconv.Itoa(*httpErr.QueueSize)
	}
	if httpErr.Allow != "" {
		headers["Allow"] = httpErr.Allow
	}
	h.writeJSON(w, httpErr.Status, resp, headers)
}

// convertError maps domain errors onto their HTTP representation.
func convertError(err error) (httpError, bool) {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	var capErr *tunnel.CapacityError
	if errors.As(err, &capErr) {
		size := capErr.Size
		return httpError{
			Status:    http.StatusInsufficientStorage,
			Code:      "capacity_exceeded",
			Detail:    fmt.Sprintf("tunnel holds %d messages (limit %d)", capErr.Size, capErr.Limit),
			QueueSize: &size,
		}, true
	}
	var throttle *lsf.ThrottleError
	if errors.As(err, &throttle) {
		return httpError{
			Status:     http.StatusTooManyRequests,
			Code:       "throttled",
			Detail:     throttle.Reason,
			RetryAfter: retryAfterSeconds(throttle.RetryAfter),
		}, true
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return httpError{
			Status: http.StatusRequestEntityTooLarge,
			Code:   "body_too_large",
			Detail: fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit),
		}, true
	}
	switch {
	case errors.Is(err, tunnel.ErrInvalidArgument):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_argument", Detail: err.Error()}, true
	case errors.Is(err, tunnel.ErrTooManyWaiters):
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       "too_many_waiters",
			Detail:     "long-poll capacity exhausted",
			RetryAfter: 1,
		}, true
	case errors.Is(err, auth.ErrUnauthorized):
		return httpError{Status: http.StatusForbidden, Code: "forbidden", Detail: "missing or invalid credentials"}, true
	}
	return httpError{}, false
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	id := correlation.ID(ctx)
	if id == "" {
		return ctx, logger
	}
	logger = logger.With("cid", id)
	if span != nil {
		span.SetAttributes(attribute.String("tunneld.correlation_id", id))
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}
