package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(methods map[string]HandlerFunc) *Router {
	r := NewRouter()
	r.Register("HR", methods)
	return r
}

// ============================================================================
// DISPATCH
// ============================================================================

func TestDispatchSuccess(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{
		"ping": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			return map[string]string{"pong": "ok"}, nil
		},
	})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.ping"})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]string{"pong": "ok"}, resp.Result)
}

func TestDispatchEchoesRequestID(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{
		"ping": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.ping", ID: []byte(`42`)})
	assert.Equal(t, `42`, string(resp.ID))
}

func TestDispatchUnknownNamespace(t *testing.T) {
	r := newTestRouter(nil)

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "NOPE.ping"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindNotFound, resp.Error.Kind)
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindNotFound, resp.Error.Kind)
}

func TestDispatchMalformedMethod(t *testing.T) {
	r := newTestRouter(nil)

	for _, m := range []string{"", "noperiod", ".leading", "trailing.", "."} {
		resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: m})
		require.NotNil(t, resp.Error, "method=%q", m)
		assert.Equal(t, KindBadRequest, resp.Error.Kind, "method=%q", m)
	}
}

// ============================================================================
// CALLER IDENTITY
// ============================================================================

func TestTransportUserOverridesBody(t *testing.T) {
	var seenUser, seenParam string
	r := newTestRouter(map[string]HandlerFunc{
		"whoami": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			seenUser = caller.UserID
			seenParam, _ = params["user_id"].(string)
			return nil, nil
		},
	})

	req := &Request{
		Method: "HR.whoami",
		Params: map[string]interface{}{"user_id": "forged-user"},
	}
	resp := r.Dispatch(context.Background(), Caller{UserID: "real-user"}, req)
	require.Nil(t, resp.Error)
	assert.Equal(t, "real-user", seenUser)
	assert.Equal(t, "real-user", seenParam, "body user_id must be overwritten by the transport identity")
}

func TestBodyUserFallbackWhenTransportEmpty(t *testing.T) {
	var seenUser string
	r := newTestRouter(map[string]HandlerFunc{
		"whoami": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			seenUser = caller.UserID
			return nil, nil
		},
	})

	req := &Request{Method: "HR.whoami", Params: map[string]interface{}{"firebase_user_id": "fb-user"}}
	resp := r.Dispatch(context.Background(), Caller{}, req)
	require.Nil(t, resp.Error)
	assert.Equal(t, "fb-user", seenUser)
}

func TestSessionIDPickedUpFromParams(t *testing.T) {
	var seenSession string
	r := newTestRouter(map[string]HandlerFunc{
		"whoami": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			seenSession = caller.SessionID
			return nil, nil
		},
	})

	req := &Request{Method: "HR.whoami", Params: map[string]interface{}{"session_id": "ws-1"}}
	r.Dispatch(context.Background(), Caller{UserID: "u1"}, req)
	assert.Equal(t, "ws-1", seenSession)
}

// ============================================================================
// ERROR HANDLING
// ============================================================================

func TestTaxonomyErrorsPassThrough(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{
		"fail": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			return nil, Errorf(KindNotFound, "employee not found")
		},
	})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.fail"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindNotFound, resp.Error.Kind)
	assert.Equal(t, "employee not found", resp.Error.Message)
	assert.Empty(t, resp.Error.TraceID)
}

func TestUnclassifiedErrorBecomesInternalWithTrace(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{
		"fail": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("pq: column does not exist")
		},
	})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.fail"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindInternal, resp.Error.Kind)
	assert.Equal(t, "internal error", resp.Error.Message, "the raw cause must never reach the wire")
	assert.NotEmpty(t, resp.Error.TraceID)
}

func TestHandlerPanicIsContained(t *testing.T) {
	r := newTestRouter(map[string]HandlerFunc{
		"boom": func(ctx context.Context, caller Caller, params map[string]interface{}) (interface{}, error) {
			panic("nil map write")
		},
	})

	resp := r.Dispatch(context.Background(), Caller{UserID: "u1"}, &Request{Method: "HR.boom"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindInternal, resp.Error.Kind)
	assert.Equal(t, "internal error", resp.Error.Message)
	assert.NotEmpty(t, resp.Error.TraceID)
}

// ============================================================================
// CLASSIFY
// ============================================================================

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	e := Classify(Errorf(KindConflict, "duplicate"))
	assert.Equal(t, KindConflict, e.Kind)

	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindTimeout, Classify(context.Canceled).Kind)
	assert.Equal(t, KindInternal, Classify(errors.New("boom")).Kind)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Errorf(KindTimeout, "x").Retryable())
	assert.True(t, Errorf(KindTransport, "x").Retryable())
	assert.False(t, Errorf(KindNotFound, "x").Retryable())
	assert.False(t, Errorf(KindInternal, "x").Retryable())
}

func TestIncompleteCredentialsDetails(t *testing.T) {
	e := IncompleteCredentials([]string{"url", "db"})
	assert.Equal(t, KindIncompleteCredentials, e.Kind)
	assert.Equal(t, []string{"url", "db"}, e.Details)
}
