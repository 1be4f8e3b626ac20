// Package rpc defines the wire envelopes, the error taxonomy, and the
// method router for the JSON-RPC dialect the frontend speaks.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_rpc_requests_total",
		Help: "RPC requests by namespace and outcome.",
	}, []string{"namespace", "outcome"})
)

// Request is the uniform wire request. The id is opaque and echoed back.
type Request struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	ID     json.RawMessage        `json:"id"`
}

// Response is the uniform wire response: exactly one of Result or Error.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Caller is the transport-authenticated identity of the request. UserID
// comes from the credential, never from the request body.
type Caller struct {
	UserID    string
	SessionID string
}

// HandlerFunc executes one RPC method.
type HandlerFunc func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error)

// Router dispatches "NAMESPACE.method" calls against a static registry.
// Registration happens once at startup; dispatch is lock-free and fully
// concurrent.
type Router struct {
	namespaces map[string]map[string]HandlerFunc
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{namespaces: make(map[string]map[string]HandlerFunc)}
}

// Register installs a namespace's method table. Must be called before the
// router serves traffic.
func (r *Router) Register(namespace string, methods map[string]HandlerFunc) {
	r.namespaces[namespace] = methods
	slog.Info("[RPC] Namespace registered", "namespace", namespace, "methods", len(methods))
}

// Dispatch runs one request to completion and returns the wire response. It
// never panics and never leaks transport-specific error types.
func (r *Router) Dispatch(ctx context.Context, caller Caller, req *Request) *Response {
	namespace, method, ok := splitMethod(req.Method)
	if !ok {
		requestsTotal.WithLabelValues("unknown", "bad_request").Inc()
		return &Response{ID: req.ID, Error: Errorf(KindBadRequest, "method %q is not NAMESPACE.name", req.Method)}
	}

	table, ok := r.namespaces[namespace]
	if !ok {
		requestsTotal.WithLabelValues(namespace, "not_found").Inc()
		return &Response{ID: req.ID, Error: Errorf(KindNotFound, "unknown namespace %q", namespace)}
	}
	fn, ok := table[method]
	if !ok {
		requestsTotal.WithLabelValues(namespace, "not_found").Inc()
		return &Response{ID: req.ID, Error: Errorf(KindNotFound, "unknown method %q in %s", method, namespace)}
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	caller = resolveCaller(caller, params)
	// The transport identity always wins over anything in the body.
	if caller.UserID != "" {
		params["user_id"] = caller.UserID
	}

	result, err := r.invoke(ctx, fn, caller, params)
	if err != nil {
		e := Classify(err)
		if e.Kind == KindInternal && e.TraceID == "" {
			e.TraceID = uuid.NewString()
			slog.Error("[RPC] Internal error", "method", req.Method, "trace_id", e.TraceID, "error", err)
			// The wire message is generic; the cause stays in the log.
			e = &Error{Kind: KindInternal, Message: "internal error", TraceID: e.TraceID}
		}
		requestsTotal.WithLabelValues(namespace, string(e.Kind)).Inc()
		return &Response{ID: req.ID, Error: e}
	}

	requestsTotal.WithLabelValues(namespace, "ok").Inc()
	return &Response{ID: req.ID, Result: result}
}

// invoke runs the handler with panic containment.
func (r *Router) invoke(ctx context.Context, fn HandlerFunc, caller Caller, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			traceID := uuid.NewString()
			slog.Error("[RPC] Handler panic", "trace_id", traceID, "panic", rec, "stack", string(debug.Stack()))
			err = &Error{Kind: KindInternal, Message: "internal error", TraceID: traceID}
		}
	}()
	return fn(ctx, caller, params)
}

// resolveCaller fills in the user id from the body only when the transport
// provided none (e.g. the pre-shared callback path).
func resolveCaller(caller Caller, params map[string]interface{}) Caller {
	if caller.UserID == "" {
		if v, ok := params["user_id"].(string); ok && v != "" {
			caller.UserID = v
		} else if v, ok := params["firebase_user_id"].(string); ok && v != "" {
			caller.UserID = v
		}
	}
	if caller.SessionID == "" {
		if v, ok := params["session_id"].(string); ok {
			caller.SessionID = v
		}
	}
	return caller
}

func splitMethod(m string) (namespace, method string, ok bool) {
	i := strings.Index(m, ".")
	if i <= 0 || i == len(m)-1 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}
