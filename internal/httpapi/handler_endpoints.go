package httpapi

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/swaggo/swag"
	"pkt.systems/pslog"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/auth"
	"pkt.systems/tunneld/internal/lsf"
	"pkt.systems/tunneld/internal/tunnel"
	"pkt.systems/tunneld/swagger/docs"
)

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /health [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writePlain(w, http.StatusOK, "OK")
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Failure      503  {object}  api.ErrorResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if !h.ready.Load() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is draining"}
	}
	writePlain(w, http.StatusOK, "OK")
	return nil
}

// handleOpenAPI godoc
// @Summary      OpenAPI document
// @Tags         system
// @Produce      json
// @Success      200  {object}  object
// @Router       /openapi.json [get]
func (h *Handler) handleOpenAPI(w http.ResponseWriter, _ *http.Request) error {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
	return nil
}

func (h *Handler) handleRouteError(_ http.ResponseWriter, r *http.Request) error {
	return routeFromContext(r.Context()).err
}

// handleProduce godoc
// @Summary      Produce a message
// @Description  Appends the request body to the tunnel. With limit > 0 the message is rejected with 507 when the tunnel already holds limit messages.
// @Tags         tunnel
// @Accept       plain
// @Param        id     path    string  true   "Tunnel id"
// @Param        limit  query   int     false  "Backpressure limit (0 = unlimited)"
// @Success      201  "Message stored; X-Message-Id and X-Queue-Size set"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Failure      413  {object}  api.ErrorResponse
// @Failure      429  {object}  api.ErrorResponse
// @Failure      507  {object}  api.ErrorResponse
// @Router       /t/{id} [post]
func (h *Handler) handleProduce(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	body, err := h.authorize(w, r, rt)
	if err != nil {
		return err
	}
	limit, err := parseLimit(r)
	if err != nil {
		return err
	}
	if err := h.observer.Admit(lsf.KindProduce); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindProduce)
	defer done()

	receipt, err := h.registry.Produce(ctx, rt.tunnelID, body, r.Header.Get("Content-Type"), limit)
	if err != nil {
		return err
	}
	h.loggerFor(r).Debug("tunnel.produce.stored",
		"tunnel", rt.tunnelID,
		"message_id", receipt.ID.String(),
		"queue_size", receipt.QueueSize,
		"bytes", len(body),
	)
	w.Header().Set(api.HeaderMessageID, receipt.ID.String())
	w.Header().Set(api.HeaderQueueSize, strconv.Itoa(receipt.QueueSize))
	w.WriteHeader(http.StatusCreated)
	return nil
}

// handleConsume godoc
// @Summary      Consume the head message
// @Description  Returns the head of the tunnel. Without pending the message is acknowledged on delivery; with pending it stays at the head until acknowledged or replied to.
// @Tags         tunnel
// @Produce      plain
// @Param        id       path   string  true   "Tunnel id"
// @Param        pending  query  bool    false  "Keep the message pending until acknowledged"
// @Success      200  {string}  string  "Message body; X-Message-Id set"
// @Success      204  "Tunnel empty"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id} [get]
func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindConsume)
	defer done()

	d, ok, err := h.registry.Consume(ctx, rt.tunnelID, pendingRequested(r))
	if err != nil {
		return err
	}
	h.writeDelivery(w, r, rt, d, ok)
	return nil
}

// handlePoll godoc
// @Summary      Long-poll the head message
// @Description  Like consume, but waits up to timeout seconds for a message to arrive.
// @Tags         tunnel
// @Produce      plain
// @Param        id       path   string  true   "Tunnel id"
// @Param        timeout  query  number  false  "Seconds to wait, fractional allowed"
// @Param        pending  query  bool    false  "Keep the message pending until acknowledged"
// @Success      200  {string}  string  "Message body; X-Message-Id set"
// @Success      204  "Timed out"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /t/{id}/poll [get]
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	timeout, err := h.pollTimeout(r)
	if err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindConsume)
	defer done()

	d, ok, err := h.registry.Poll(ctx, rt.tunnelID, pendingRequested(r), timeout)
	if err != nil {
		return err
	}
	h.writeDelivery(w, r, rt, d, ok)
	return nil
}

// handleLength godoc
// @Summary      Tunnel length
// @Description  Reports unseen plus pending messages in X-Queue-Size.
// @Tags         tunnel
// @Param        id  path  string  true  "Tunnel id"
// @Success      204  "X-Queue-Size set"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id}/len [get]
func (h *Handler) handleLength(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindConsume)
	defer done()

	n, err := h.registry.Length(ctx, rt.tunnelID)
	if err != nil {
		return err
	}
	w.Header().Set(api.HeaderQueueSize, strconv.Itoa(n))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleClear godoc
// @Summary      Clear a tunnel
// @Description  Drops every message and reply mailbox. Parked pollers keep waiting.
// @Tags         tunnel
// @Param        id  path  string  true  "Tunnel id"
// @Success      204  "X-Queue-Size: 0"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id}/all [delete]
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindAck)
	defer done()

	dropped, err := h.registry.Clear(ctx, rt.tunnelID)
	if err != nil {
		return err
	}
	if dropped > 0 {
		h.loggerFor(r).Info("tunnel.clear", "tunnel", rt.tunnelID, "dropped", dropped)
	}
	w.Header().Set(api.HeaderQueueSize, "0")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleStatus godoc
// @Summary      Message status
// @Description  201 when the message is unseen, 202 when pending, 204 when unknown or already acknowledged.
// @Tags         tunnel
// @Param        id     path  string  true  "Tunnel id"
// @Param        msgId  path  string  true  "Message id <epoch>-<seq>"
// @Success      201  "Unseen"
// @Success      202  "Pending"
// @Success      204  "Unknown"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id}/{msgId} [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindConsume)
	defer done()

	st, err := h.registry.Status(ctx, rt.tunnelID, rt.messageID)
	if err != nil {
		return err
	}
	w.WriteHeader(wireStatus(st).HTTPCode())
	return nil
}

// handleAck godoc
// @Summary      Acknowledge a pending message
// @Description  Removes the message when it is the pending head. Always answers 204.
// @Tags         tunnel
// @Param        id     path  string  true  "Tunnel id"
// @Param        msgId  path  string  true  "Message id <epoch>-<seq>"
// @Success      204  "Acknowledged or nothing to do"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id}/{msgId} [delete]
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindAck)
	defer done()

	acked, err := h.registry.Acknowledge(ctx, rt.tunnelID, rt.messageID)
	if err != nil {
		return err
	}
	h.loggerFor(r).Trace("tunnel.ack", "tunnel", rt.tunnelID, "message_id", rt.messageID.String(), "acked", acked)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleReplySend godoc
// @Summary      Reply to a pending message
// @Description  Fills the one-shot reply mailbox and acknowledges the message. 204 when the message is not the pending head.
// @Tags         reply
// @Accept       plain
// @Param        id     path  string  true  "Tunnel id"
// @Param        msgId  path  string  true  "Message id <epoch>-<seq>"
// @Success      201  "Reply stored"
// @Success      204  "Message not pending"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Failure      413  {object}  api.ErrorResponse
// @Failure      429  {object}  api.ErrorResponse
// @Router       /t/{id}/{msgId}/reply [post]
func (h *Handler) handleReplySend(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	body, err := h.authorize(w, r, rt)
	if err != nil {
		return err
	}
	if err := h.observer.Admit(lsf.KindReply); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindReply)
	defer done()

	sent, err := h.registry.SendReply(ctx, rt.tunnelID, rt.messageID, body, r.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	if !sent {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	h.loggerFor(r).Debug("tunnel.reply.stored", "tunnel", rt.tunnelID, "message_id", rt.messageID.String(), "bytes", len(body))
	w.WriteHeader(http.StatusCreated)
	return nil
}

// handleReplyRead godoc
// @Summary      Read a reply
// @Description  Returns the reply once; later reads answer 204.
// @Tags         reply
// @Produce      plain
// @Param        id     path  string  true  "Tunnel id"
// @Param        msgId  path  string  true  "Message id <epoch>-<seq>"
// @Success      200  {string}  string  "Reply body"
// @Success      204  "No reply available"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Router       /t/{id}/{msgId}/reply [get]
func (h *Handler) handleReplyRead(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindReply)
	defer done()

	reply, ok, err := h.registry.ReadReply(ctx, rt.tunnelID, rt.messageID)
	if err != nil {
		return err
	}
	writeReply(w, reply, ok)
	return nil
}

// handleReplyPoll godoc
// @Summary      Long-poll a reply
// @Description  Waits up to timeout seconds for the reply of a pending message. Answers 204 at once when the message is not pending.
// @Tags         reply
// @Produce      plain
// @Param        id       path   string  true   "Tunnel id"
// @Param        msgId    path   string  true   "Message id <epoch>-<seq>"
// @Param        timeout  query  number  false  "Seconds to wait, fractional allowed"
// @Success      200  {string}  string  "Reply body"
// @Success      204  "Timed out or no reply expected"
// @Failure      400  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /t/{id}/{msgId}/reply/poll [get]
func (h *Handler) handleReplyPoll(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rt := routeFromContext(ctx)
	if _, err := h.authorize(w, r, rt); err != nil {
		return err
	}
	timeout, err := h.pollTimeout(r)
	if err != nil {
		return err
	}
	done := h.observer.Begin(lsf.KindReply)
	defer done()

	reply, ok, err := h.registry.PollReply(ctx, rt.tunnelID, rt.messageID, timeout)
	if err != nil {
		return err
	}
	writeReply(w, reply, ok)
	return nil
}

// authorize reads the bounded request body and runs it through the auth gate.
// The body is needed before authorization because signatures cover it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, rt route) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if h.gate == nil {
		return body, nil
	}
	err = h.gate.Authorize(auth.Request{
		Authorization: r.Header.Get("Authorization"),
		Signature:     r.Header.Get(api.HeaderSignature),
		Body:          body,
		TunnelID:      rt.tunnelID,
		ReadOnly:      readOnly(rt.op),
	})
	if err != nil {
		h.loggerFor(r).Debug("auth.denied", "tunnel", rt.tunnelID, "operation", rt.op)
		return nil, err
	}
	return body, nil
}

func (h *Handler) writeDelivery(w http.ResponseWriter, r *http.Request, rt route, d tunnel.Delivery, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.loggerFor(r).Debug("tunnel.delivery.sent",
		"tunnel", rt.tunnelID,
		"message_id", d.ID.String(),
		"pending", d.Pending,
		"queue_size", d.QueueSize,
	)
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Body)))
	w.Header().Set(api.HeaderMessageID, d.ID.String())
	w.Header().Set(api.HeaderQueueSize, strconv.Itoa(d.QueueSize))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body)
}

func writeReply(w http.ResponseWriter, reply tunnel.Reply, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", reply.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(reply.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply.Body)
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func wireStatus(st tunnel.Status) api.MessageStatus {
	switch st {
	case tunnel.StatusUnseen:
		return api.StatusUnseen
	case tunnel.StatusPending:
		return api.StatusPending
	default:
		return api.StatusUnknown
	}
}

func (h *Handler) loggerFor(r *http.Request) pslog.Logger {
	if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}

// pendingRequested treats a bare ?pending as true; only 0 and false disable it.
func pendingRequested(r *http.Request) bool {
	vals, ok := r.URL.Query()[api.QueryPending]
	if !ok {
		return false
	}
	if len(vals) == 0 {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(vals[0])) {
	case "0", "false":
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(api.QueryLimit))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_argument", Detail: "limit must be a non-negative integer"}
	}
	return limit, nil
}

// pollTimeout parses the timeout query in fractional seconds, applying the
// configured default and ceiling.
func (h *Handler) pollTimeout(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(api.QueryTimeout))
	if raw == "" {
		return h.clampPoll(h.defaultPollTimeout), nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_argument", Detail: "timeout must be a non-negative number of seconds"}
	}
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return h.clampPoll(time.Duration(math.MaxInt64)), nil
	}
	return h.clampPoll(time.Duration(secs * float64(time.Second))), nil
}

func (h *Handler) clampPoll(d time.Duration) time.Duration {
	if h.maxPollTimeout > 0 && d > h.maxPollTimeout {
		return h.maxPollTimeout
	}
	return d
}
