// Package api is the HTTP surface: the RPC endpoint, the Jobber callback
// endpoint, the WebSocket attach point, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/jobber"
	"github.com/pinnokio/backend/internal/middleware"
	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/stream"
)

const maxRequestBody = 1 << 20 // 1MB

// Server wires the HTTP routes over the router, hub and callback router.
type Server struct {
	router    *rpc.Router
	hub       *stream.Hub
	callbacks *jobber.CallbackRouter
	breakers  *circuitbreaker.BackplaneBreakers
	auth      *middleware.APIKeyAuth
	limiter   *middleware.RateLimiter

	callbackKey    string
	allowedOrigins []string

	httpServer *http.Server
}

// Config bundles the server's construction parameters.
type Config struct {
	Port           string
	AllowedOrigins []string
	CallbackKey    string
}

// NewServer assembles the HTTP server.
func NewServer(cfg Config, router *rpc.Router, hub *stream.Hub, callbacks *jobber.CallbackRouter, breakers *circuitbreaker.BackplaneBreakers, auth *middleware.APIKeyAuth) *Server {
	s := &Server{
		router:         router,
		hub:            hub,
		callbacks:      callbacks,
		breakers:       breakers,
		auth:           auth,
		limiter:        middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		callbackKey:    cfg.CallbackKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := mux.NewRouter()

	rpcHandler := s.auth.Middleware(s.limiter.Middleware(http.HandlerFunc(s.handleRPC)))
	r.Handle("/rpc", rpcHandler).Methods(http.MethodPost, http.MethodOptions)

	r.Handle("/hr/callback", middleware.CallbackAuth(cfg.CallbackKey, http.HandlerFunc(s.handleCallback))).Methods(http.MethodPost)

	r.Handle("/ws", s.auth.Middleware(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Use(func(next http.Handler) http.Handler {
		return middleware.CORS(cfg.AllowedOrigins, next)
	})
	r.Use(loggingMiddleware)

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// No WriteTimeout: the WebSocket endpoint holds connections open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving traffic.
func (s *Server) ListenAndServe() error {
	slog.Info("[API] Listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleRPC runs one RPC request to completion.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &rpc.Response{Error: rpc.Errorf(rpc.KindBadRequest, "unreadable body")})
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, &rpc.Response{Error: rpc.Errorf(rpc.KindBadRequest, "malformed request: %v", err)})
		return
	}

	caller := rpc.Caller{UserID: middleware.UserID(r.Context())}
	resp := s.router.Dispatch(r.Context(), caller, &req)

	status := http.StatusOK
	if resp.Error != nil {
		status = httpStatusFor(resp.Error.Kind)
	}
	writeJSON(w, status, resp)
}

// handleCallback accepts a Jobber callback and routes it to the waiting
// session. Always answers 200 for well-formed bodies: the Jobber retries on
// non-2xx, and dropped callbacks (unknown job, dead session) are deliberate.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.callbacks.HandleCallback(body); err != nil {
		slog.Warn("[API] Callback handling failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r, middleware.UserID(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, breakers := s.breakers.HealthStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"service":      "pinnokio-backend",
		"sessions":     s.hub.Count(),
		"pending_jobs": s.callbacks.Pending(),
		"breakers":     breakers,
	})
}

// httpStatusFor maps the taxonomy onto HTTP statuses. The envelope carries
// the authoritative kind; the status is a convenience for plain clients.
func httpStatusFor(kind rpc.Kind) int {
	switch kind {
	case rpc.KindBadRequest, rpc.KindIncompleteCredentials:
		return http.StatusBadRequest
	case rpc.KindNotFound:
		return http.StatusNotFound
	case rpc.KindPermissionDenied, rpc.KindOAuthReauthRequired:
		return http.StatusForbidden
	case rpc.KindConflict:
		return http.StatusConflict
	case rpc.KindTimeout:
		return http.StatusGatewayTimeout
	case rpc.KindTransport, rpc.KindNotConfigured:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Response encoding failed", "error", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		slog.Info("[API] Request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}
