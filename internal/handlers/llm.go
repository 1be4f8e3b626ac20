package handlers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pinnokio/backend/internal/llm"
	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/stream"
)

// LLMHandler is the LLM namespace. send_message returns immediately with a
// stream id; tokens arrive over the caller's WebSocket session.
type LLMHandler struct {
	sessions *llm.SessionManager
	hub      *stream.Hub
}

// NewLLMHandler wires the namespace.
func NewLLMHandler(sessions *llm.SessionManager, hub *stream.Hub) *LLMHandler {
	return &LLMHandler{sessions: sessions, hub: hub}
}

// Methods returns the RPC method table.
func (h *LLMHandler) Methods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"initialize_session":     h.initializeSession,
		"send_message":           h.sendMessage,
		"update_company_context": h.updateCompanyContext,
	}
}

func (h *LLMHandler) initializeSession(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	id := h.sessions.Initialize(caller.UserID, tenantID, stringMap(mapParam(params, "company_context")))
	return map[string]interface{}{"chat_session_id": id}, nil
}

func (h *LLMHandler) updateCompanyContext(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	chatID, err := requireStr(params, "chat_session_id")
	if err != nil {
		return nil, err
	}
	if err := h.sessions.UpdateCompanyContext(chatID, stringMap(mapParam(params, "company_context"))); err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": true}, nil
}

// sendMessage starts the vendor stream on its own goroutine. Chunks flow
// through a per-stream forwarder attached to the caller's WebSocket session;
// disconnect or a client cancel frame cancels the vendor call.
func (h *LLMHandler) sendMessage(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	chatID, err := requireStr(params, "chat_session_id")
	if err != nil {
		return nil, err
	}
	text, err := requireStr(params, "message")
	if err != nil {
		return nil, err
	}

	session, ok := h.hub.Lookup(caller.SessionID)
	if !ok {
		return nil, rpc.Errorf(rpc.KindBadRequest, "no live websocket session %q to stream to", caller.SessionID)
	}

	streamID := uuid.NewString()
	// Detach from the RPC request's lifetime: the stream outlives the
	// immediate response.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fwd := stream.NewForwarder(session, streamID, cancel)

	go func() {
		defer fwd.Close()
		defer cancel()
		err := h.sessions.SendMessage(streamCtx, chatID, text, func(c stream.Chunk) error {
			return fwd.Send(streamCtx, c)
		})
		if err != nil {
			slog.Warn("[LLM] Stream ended with error", "stream_id", streamID, "error", err)
			e := rpc.Classify(err)
			_ = fwd.Send(streamCtx, stream.Chunk{Type: stream.ChunkError, Content: e.Message})
		}
	}()

	return map[string]interface{}{"stream_id": streamID, "status": "streaming"}, nil
}

func stringMap(m map[string]interface{}) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
