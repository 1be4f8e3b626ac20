package handlers

import (
	"context"
	"encoding/json"

	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/connections"
	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// DriveLister is the Drive surface the handler uses.
type DriveLister interface {
	ListDocuments(ctx context.Context) ([]connections.DriveDocument, error)
}

// DriveConnector yields a live Drive client for a caller.
type DriveConnector func(ctx context.Context, userID, tenantID string) (DriveLister, error)

// NewDriveConnector adapts the shared connection cache.
func NewDriveConnector(conns *connections.Cache) DriveConnector {
	return func(ctx context.Context, userID, tenantID string) (DriveLister, error) {
		client, err := conns.Get(ctx, userID, tenantID, mandate.KindDriveOAuth)
		if err != nil {
			return nil, err
		}
		drive, ok := client.(DriveLister)
		if !ok {
			return nil, rpc.Errorf(rpc.KindInternal, "connection cache returned a non-drive client")
		}
		return drive, nil
	}
}

// WithBreaker guards connection construction against a down Drive API.
// OAuth-death errors never count: a revoked grant is a per-tenant state, not
// an outage.
func (c DriveConnector) WithBreaker(cb *circuitbreaker.CircuitBreaker) DriveConnector {
	return func(ctx context.Context, userID, tenantID string) (DriveLister, error) {
		if err := cb.Allow(); err != nil {
			return nil, rpc.Errorf(rpc.KindTransport, "drive temporarily unavailable: %v", err)
		}
		client, err := c(ctx, userID, tenantID)
		if err == nil {
			cb.RecordSuccess()
			return client, nil
		}
		if e, ok := rpc.AsError(err); ok && (e.Kind == rpc.KindTransport || e.Kind == rpc.KindTimeout) {
			cb.RecordFailure()
		} else {
			// The API answered; the admitted slot is released and an OAuth
			// or credential problem does not count against the breaker.
			cb.RecordSuccess()
		}
		return nil, err
	}
}

// DriveHandler is the DRIVE_CACHE namespace.
type DriveHandler struct {
	connect DriveConnector
	cache   *cache.Manager
}

// NewDriveHandler wires the namespace.
func NewDriveHandler(connect DriveConnector, mgr *cache.Manager) *DriveHandler {
	return &DriveHandler{connect: connect, cache: mgr}
}

// Methods returns the RPC method table.
func (h *DriveHandler) Methods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"get_documents":     h.getDocuments,
		"refresh_documents": h.refreshDocuments,
		"invalidate_cache":  h.invalidateCache,
	}
}

// bucketed is the frontend shape: documents grouped by processing status.
type bucketed struct {
	ToProcess []connections.DriveDocument `json:"to_process"`
	InProcess []connections.DriveDocument `json:"in_process"`
	Processed []connections.DriveDocument `json:"processed"`
	Total     int                         `json:"total"`
}

func (h *DriveHandler) getDocuments(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}

	if env, ok := h.cache.Get(ctx, caller.UserID, tenantID, cache.FamilyDrive, "documents"); ok {
		var data bucketed
		if err := json.Unmarshal(env.Data, &data); err == nil {
			return map[string]interface{}{"data": data, "source": "cache"}, nil
		}
	}
	return h.fetchAndCache(ctx, caller.UserID, tenantID)
}

// refreshDocuments bypasses the cache and refetches from Drive.
func (h *DriveHandler) refreshDocuments(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	h.cache.Invalidate(ctx, caller.UserID, tenantID, cache.FamilyDrive, "documents")
	return h.fetchAndCache(ctx, caller.UserID, tenantID)
}

func (h *DriveHandler) invalidateCache(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	n := h.cache.InvalidateFamily(ctx, caller.UserID, tenantID, cache.FamilyDrive)
	return map[string]interface{}{"invalidated_keys": n}, nil
}

// fetchAndCache runs the Drive fetch, distinguishing the possible outcomes:
// a dead OAuth grant surfaces as a flagged answer rather than an error, so
// the frontend can start re-consent; anything else propagates with its
// taxonomy kind. A live result is bucketed by status and cached.
func (h *DriveHandler) fetchAndCache(ctx context.Context, userID, tenantID string) (interface{}, error) {
	docs, oauthMsg, err := h.fetch(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if oauthMsg != "" {
		return map[string]interface{}{
			"data":                  nil,
			"source":                "drive",
			"oauth_error":           true,
			"oauth_reauth_required": true,
			"error_message":         oauthMsg,
		}, nil
	}

	data := bucketDocuments(docs)
	// Empty listings are legitimate but not cached; the cache layer rejects
	// empty payloads anyway.
	if data.Total > 0 {
		h.cache.Set(ctx, userID, tenantID, cache.FamilyDrive, "documents", data, "drive", cache.TTLFor(cache.FamilyDrive, "documents"))
	}
	return map[string]interface{}{"data": data, "source": "drive"}, nil
}

// fetch classifies the raw Drive outcome. The second return is the vendor's
// OAuth failure message when the grant is dead, empty otherwise. A nil
// document list with no error is treated as a silent OAuth failure, matching
// how the vendor client behaves when the grant dies mid-session.
func (h *DriveHandler) fetch(ctx context.Context, userID, tenantID string) ([]connections.DriveDocument, string, error) {
	client, err := h.connect(ctx, userID, tenantID)
	if err != nil {
		if msg := oauthMessage(err); msg != "" {
			return nil, msg, nil
		}
		return nil, "", err
	}

	docs, err := client.ListDocuments(ctx)
	if err != nil {
		if msg := oauthMessage(err); msg != "" {
			return nil, msg, nil
		}
		return nil, "", err
	}
	if docs == nil {
		return nil, "invalid_grant", nil
	}
	return docs, "", nil
}

// oauthMessage returns the vendor message when err is an OAuth death, empty
// otherwise. That outcome is reported through the oauth flags instead of
// failing the call.
func oauthMessage(err error) string {
	if e, ok := rpc.AsError(err); ok {
		if e.Kind == rpc.KindOAuthReauthRequired {
			return e.Message
		}
		if connections.IsOAuthDead(e.Message) {
			return e.Message
		}
		return ""
	}
	if connections.IsOAuthDead(err.Error()) {
		return err.Error()
	}
	return ""
}

// bucketDocuments groups documents by their status property. Unknown and
// missing statuses land in to_process.
func bucketDocuments(docs []connections.DriveDocument) bucketed {
	b := bucketed{
		ToProcess: []connections.DriveDocument{},
		InProcess: []connections.DriveDocument{},
		Processed: []connections.DriveDocument{},
	}
	for _, d := range docs {
		switch d.Status {
		case "in_process":
			b.InProcess = append(b.InProcess, d)
		case "processed":
			b.Processed = append(b.Processed, d)
		default:
			b.ToProcess = append(b.ToProcess, d)
		}
	}
	b.Total = len(docs)
	return b
}
