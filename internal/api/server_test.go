package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/config"
	"github.com/pinnokio/backend/internal/jobber"
	"github.com/pinnokio/backend/internal/middleware"
	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/stream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	router := rpc.NewRouter()
	router.Register("System", map[string]rpc.HandlerFunc{
		"ping": func(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"pong": true, "user_id": caller.UserID}, nil
		},
		"slow": func(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
			return nil, rpc.Errorf(rpc.KindTimeout, "odoo did not answer")
		},
	})

	hub := stream.NewHub("development", nil)
	callbacks := jobber.NewCallbackRouter(hub)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := middleware.NewAPIKeyAuth(config.AuthConfig{
		APIKeys: map[string]config.APIKeyEntry{
			"key1": {SecretHash: string(hash), UserID: "u1"},
		},
	})

	return NewServer(Config{
		Port:        "0",
		CallbackKey: "psk-1",
	}, router, hub, callbacks, circuitbreaker.NewBackplaneBreakers(), auth)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// RPC ENDPOINT
// ============================================================================

func TestRPCEndpointRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"System.ping"}`))
	rec := serve(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRPCEndpointDispatchesWithTransportUser(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"System.ping","id":7}`))
	req.Header.Set("Authorization", "Bearer pnk_key1.s3cret")
	rec := serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, json.RawMessage("7"), resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["pong"])
	assert.Equal(t, "u1", result["user_id"], "identity comes from the API key, not the body")
}

func TestRPCEndpointMalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer pnk_key1.s3cret")
	rec := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"BadRequest"`)
}

func TestRPCEndpointErrorKindDrivesStatus(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"System.slow"}`))
	req.Header.Set("Authorization", "Bearer pnk_key1.s3cret")
	rec := serve(s, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"Nope.ping"}`))
	req.Header.Set("Authorization", "Bearer pnk_key1.s3cret")
	rec = serve(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[rpc.Kind]int{
		rpc.KindBadRequest:            http.StatusBadRequest,
		rpc.KindIncompleteCredentials: http.StatusBadRequest,
		rpc.KindNotFound:              http.StatusNotFound,
		rpc.KindPermissionDenied:      http.StatusForbidden,
		rpc.KindOAuthReauthRequired:   http.StatusForbidden,
		rpc.KindConflict:              http.StatusConflict,
		rpc.KindTimeout:               http.StatusGatewayTimeout,
		rpc.KindTransport:             http.StatusBadGateway,
		rpc.KindNotConfigured:         http.StatusBadGateway,
		rpc.KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, httpStatusFor(kind), "kind=%s", kind)
	}
}

// ============================================================================
// CALLBACK ENDPOINT
// ============================================================================

func TestCallbackRequiresPresharedKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hr/callback", strings.NewReader(`{"job_id":"payroll_x","state":"completed"}`))
	rec := serve(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackUnknownJobStillAnswers200(t *testing.T) {
	// A 200 here is what stops the Jobber from retrying a callback we have
	// deliberately dropped.
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hr/callback", strings.NewReader(`{"job_id":"payroll_unknown","state":"completed"}`))
	req.Header.Set("Authorization", "Bearer psk-1")
	rec := serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackMalformedBodyIs400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hr/callback", strings.NewReader("{truncated"))
	req.Header.Set("Authorization", "Bearer psk-1")
	rec := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// HEALTH
// ============================================================================

func TestHealthShape(t *testing.T) {
	s := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HEALTHY", body["status"])
	assert.Equal(t, "pinnokio-backend", body["service"])
	assert.Equal(t, 0.0, body["sessions"])
	assert.Equal(t, 0.0, body["pending_jobs"])
	assert.Contains(t, body["breakers"], "jobber")
}

// ============================================================================
// CORS
// ============================================================================

func TestPreflightShortCircuits(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := serve(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
