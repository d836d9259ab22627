package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/tunneld/api"
	"pkt.systems/tunneld/internal/tunnel"
)

const (
	opProduce   = "tunnel.produce"
	opConsume   = "tunnel.consume"
	opPoll      = "tunnel.poll"
	opLength    = "tunnel.length"
	opClear     = "tunnel.clear"
	opStatus    = "tunnel.status"
	opAck       = "tunnel.ack"
	opReplySend = "tunnel.reply.send"
	opReplyRead = "tunnel.reply.read"
	opReplyPoll = "tunnel.reply.poll"
	opRoute     = "tunnel.route"
)

// route is the parsed form of a /t/ request path.
type route struct {
	op        string
	tunnelID  string
	messageID tunnel.MessageID
	err       error
}

type routeKey struct{}

func withRoute(ctx context.Context, rt route) context.Context {
	return context.WithValue(ctx, routeKey{}, rt)
}

func routeFromContext(ctx context.Context) route {
	rt, _ := ctx.Value(routeKey{}).(route)
	return rt
}

// readOnly reports whether op is admitted on the public tunnel without credentials.
func readOnly(op string) bool {
	switch op {
	case opConsume, opPoll, opStatus, opLength:
		return true
	}
	return false
}

// resolveRoute maps method and escaped path onto an operation. Segments are
// unescaped individually so an encoded slash stays inside its segment and then
// fails id validation.
func resolveRoute(method, escapedPath string) route {
	rest, ok := strings.CutPrefix(escapedPath, api.PathTunnels)
	if !ok {
		return route{err: badRoute("path must start with %s", api.PathTunnels)}
	}
	raw := strings.Split(rest, "/")
	segments := make([]string, len(raw))
	for i, part := range raw {
		seg, err := url.PathUnescape(part)
		if err != nil {
			return route{err: badRoute("malformed path segment %q", part)}
		}
		segments[i] = seg
	}
	if err := tunnel.ValidateID(segments[0]); err != nil {
		return route{err: err}
	}
	rt := route{tunnelID: segments[0]}

	switch len(segments) {
	case 1:
		return rt.pick(method, map[string]string{http.MethodPost: opProduce, http.MethodGet: opConsume})
	case 2:
		switch segments[1] {
		case api.SegmentPoll:
			return rt.pick(method, map[string]string{http.MethodGet: opPoll})
		case api.SegmentLength:
			return rt.pick(method, map[string]string{http.MethodGet: opLength})
		case api.SegmentAll:
			return rt.pick(method, map[string]string{http.MethodDelete: opClear})
		}
		if err := rt.parseMessageID(segments[1]); err != nil {
			return route{err: err}
		}
		return rt.pick(method, map[string]string{http.MethodGet: opStatus, http.MethodDelete: opAck})
	case 3, 4:
		if segments[2] != api.SegmentReply {
			break
		}
		if err := rt.parseMessageID(segments[1]); err != nil {
			return route{err: err}
		}
		if len(segments) == 3 {
			return rt.pick(method, map[string]string{http.MethodPost: opReplySend, http.MethodGet: opReplyRead})
		}
		if segments[3] == api.SegmentPoll {
			return rt.pick(method, map[string]string{http.MethodGet: opReplyPoll})
		}
	}
	return route{err: badRoute("unknown tunnel path %q", escapedPath)}
}

func (rt *route) parseMessageID(raw string) error {
	id, err := tunnel.ParseMessageID(raw)
	if err != nil {
		return err
	}
	rt.messageID = id
	return nil
}

func (rt route) pick(method string, ops map[string]string) route {
	if op, ok := ops[method]; ok {
		rt.op = op
		return rt
	}
	allowed := make([]string, 0, len(ops))
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		if _, ok := ops[m]; ok {
			allowed = append(allowed, m)
		}
	}
	allow := strings.Join(allowed, ", ")
	rt.err = httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + allow,
		Allow:  allow,
	}
	return rt
}

func badRoute(format string, args ...any) error {
	return httpError{
		Status: http.StatusBadRequest,
		Code:   "invalid_argument",
		Detail: fmt.Sprintf(format, args...),
	}
}
