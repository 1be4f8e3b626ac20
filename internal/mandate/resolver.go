// Package mandate translates (user, tenant) pairs into mandate paths and
// materializes downstream credentials from the metadata store.
package mandate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/secrets"
)

// Kind names a downstream credential family.
type Kind string

const (
	KindERPOdoo    Kind = "erp_odoo"
	KindDriveOAuth Kind = "drive_oauth"
)

// Resolution locates one tenant's mandate document.
type Resolution struct {
	MandatePath string
	ClientID    string
	MandateID   string
}

// CredentialsBundle is the materialized credential set for one
// (user, tenant, kind). Secret holds the resolved secret value.
type CredentialsBundle struct {
	Kind     Kind
	URL      string
	Database string
	Username string
	// SecretRef names the secret that was materialized into Secret.
	SecretRef string
	Secret    string
	// Extra carries kind-specific fields (e.g. OAuth client id/secret).
	Extra map[string]string
}

// MetadataStore is the slice of the metadata store the resolver needs.
// The Firestore implementation lives in store.go.
type MetadataStore interface {
	// GetDoc returns the fields of the document at path, or (nil, nil) if the
	// document does not exist.
	GetDoc(ctx context.Context, path string) (map[string]interface{}, error)
}

// Resolver resolves mandates and credentials. The in-process resolution cache
// is strictly a performance shortcut: it is never consulted for correctness
// decisions and is write-rare, so a single mutex is enough.
type Resolver struct {
	store   MetadataStore
	secrets *secrets.Resolver

	mu    sync.Mutex
	cache map[string]Resolution
}

// NewResolver wires the metadata store and the secret resolver together.
func NewResolver(store MetadataStore, sec *secrets.Resolver) *Resolver {
	return &Resolver{
		store:   store,
		secrets: sec,
		cache:   make(map[string]Resolution),
	}
}

// Resolve maps (userID, tenantID) to a mandate. Order, first hit wins:
// an explicit client id passed by the caller, the contact-space mapping keyed
// by tenant id, then the legacy per-user root document.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID, explicitClientID string) (Resolution, error) {
	cacheKey := userID + "|" + tenantID + "|" + explicitClientID

	r.mu.Lock()
	if res, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	res, err := r.resolve(ctx, userID, tenantID, explicitClientID)
	if err != nil {
		return Resolution{}, err
	}

	r.mu.Lock()
	r.cache[cacheKey] = res
	r.mu.Unlock()
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, userID, tenantID, explicitClientID string) (Resolution, error) {
	if explicitClientID != "" {
		return Resolution{
			MandatePath: fmt.Sprintf("clients/%s/mandates/%s", explicitClientID, tenantID),
			ClientID:    explicitClientID,
			MandateID:   tenantID,
		}, nil
	}

	// Contact-space → client mapping keyed by tenant.
	doc, err := r.store.GetDoc(ctx, "contact_spaces/"+tenantID)
	if err != nil {
		return Resolution{}, fmt.Errorf("contact space lookup for %s: %w", tenantID, err)
	}
	if doc != nil {
		clientID, _ := doc["client_id"].(string)
		mandateID, _ := doc["mandate_id"].(string)
		if mandateID == "" {
			mandateID = tenantID
		}
		if clientID != "" {
			return Resolution{
				MandatePath: fmt.Sprintf("clients/%s/mandates/%s", clientID, mandateID),
				ClientID:    clientID,
				MandateID:   mandateID,
			}, nil
		}
	}

	// Legacy per-user root document.
	doc, err = r.store.GetDoc(ctx, "users/"+userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("legacy user lookup for %s: %w", userID, err)
	}
	if doc != nil {
		clientID, _ := doc["client_id"].(string)
		mandateID, _ := doc["default_mandate"].(string)
		if clientID != "" && mandateID != "" {
			slog.Warn("[Mandate] Resolved via legacy user document", "user", userID, "tenant", tenantID)
			return Resolution{
				MandatePath: fmt.Sprintf("clients/%s/mandates/%s", clientID, mandateID),
				ClientID:    clientID,
				MandateID:   mandateID,
			}, nil
		}
	}

	return Resolution{}, rpc.Errorf(rpc.KindNotFound, "no mandate for user %s tenant %s", userID, tenantID)
}

// Credentials materializes the downstream credential bundle for a kind.
// Missing fields are reported as IncompleteCredentials with their names; the
// caller must not guess defaults.
func (r *Resolver) Credentials(ctx context.Context, userID, tenantID string, kind Kind) (*CredentialsBundle, error) {
	res, err := r.Resolve(ctx, userID, tenantID, "")
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindERPOdoo:
		return r.erpCredentials(ctx, res)
	case KindDriveOAuth:
		return r.driveCredentials(ctx, res)
	default:
		return nil, rpc.Errorf(rpc.KindBadRequest, "unknown credential kind %q", kind)
	}
}

func (r *Resolver) erpCredentials(ctx context.Context, res Resolution) (*CredentialsBundle, error) {
	path := res.MandatePath + "/erp/odoo"
	doc, err := r.store.GetDoc(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("erp credentials doc %s: %w", path, err)
	}
	if doc == nil {
		return nil, rpc.Errorf(rpc.KindNotFound, "no ERP configuration at %s", path)
	}

	bundle := &CredentialsBundle{Kind: KindERPOdoo}
	var missing []string
	bundle.URL = stringField(doc, "url", &missing)
	bundle.Database = stringField(doc, "db", &missing)
	bundle.Username = stringField(doc, "username", &missing)
	bundle.SecretRef = stringField(doc, "secret_name", &missing)
	if len(missing) > 0 {
		return nil, rpc.IncompleteCredentials(missing)
	}

	secret, err := r.secrets.Get(ctx, bundle.SecretRef)
	if err != nil {
		return nil, err
	}
	bundle.Secret = secret
	return bundle, nil
}

func (r *Resolver) driveCredentials(ctx context.Context, res Resolution) (*CredentialsBundle, error) {
	path := res.MandatePath + "/drive/oauth"
	doc, err := r.store.GetDoc(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("drive credentials doc %s: %w", path, err)
	}
	if doc == nil {
		return nil, rpc.Errorf(rpc.KindNotFound, "no Drive configuration at %s", path)
	}

	bundle := &CredentialsBundle{Kind: KindDriveOAuth, Extra: map[string]string{}}
	var missing []string
	bundle.Extra["client_id"] = stringField(doc, "client_id", &missing)
	bundle.Extra["client_secret"] = stringField(doc, "client_secret", &missing)
	bundle.SecretRef = stringField(doc, "refresh_token_secret", &missing)
	if root := stringField(doc, "root_folder_id", nil); root != "" {
		bundle.Extra["root_folder_id"] = root
	}
	if len(missing) > 0 {
		return nil, rpc.IncompleteCredentials(missing)
	}

	secret, err := r.secrets.Get(ctx, bundle.SecretRef)
	if err != nil {
		return nil, err
	}
	bundle.Secret = secret
	return bundle, nil
}

// stringField pulls a non-empty string field, recording its name in missing
// when absent. A nil missing slice makes the field optional.
func stringField(doc map[string]interface{}, name string, missing *[]string) string {
	v, _ := doc[name].(string)
	if v == "" && missing != nil {
		*missing = append(*missing, name)
	}
	return v
}
