package mandate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinnokio/backend/internal/rpc"
)

// fakeStore serves documents from a map; absent paths read as (nil, nil) the
// way the Firestore store does.
type fakeStore struct {
	docs  map[string]map[string]interface{}
	err   error
	calls int
}

func (f *fakeStore) GetDoc(ctx context.Context, path string) (map[string]interface{}, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[path], nil
}

// ============================================================================
// RESOLUTION ORDER
// ============================================================================

func TestExplicitClientIDWins(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "from-contact-space"},
	}}
	r := NewResolver(store, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "explicit-client")
	require.NoError(t, err)
	assert.Equal(t, "clients/explicit-client/mandates/t1", res.MandatePath)
	assert.Equal(t, "explicit-client", res.ClientID)
	assert.Equal(t, "t1", res.MandateID)
	assert.Equal(t, 0, store.calls, "explicit client id needs no store lookup")
}

func TestContactSpaceMapping(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1", "mandate_id": "m1"},
	}}
	r := NewResolver(store, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "clients/c1/mandates/m1", res.MandatePath)
}

func TestContactSpaceMandateDefaultsToTenant(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1"},
	}}
	r := NewResolver(store, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "clients/c1/mandates/t1", res.MandatePath)
	assert.Equal(t, "t1", res.MandateID)
}

func TestLegacyUserDocumentFallback(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"users/u1": {"client_id": "c-legacy", "default_mandate": "m-legacy"},
	}}
	r := NewResolver(store, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "clients/c-legacy/mandates/m-legacy", res.MandatePath)
}

func TestContactSpaceBeatsLegacy(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c-new"},
		"users/u1":          {"client_id": "c-legacy", "default_mandate": "m-legacy"},
	}}
	r := NewResolver(store, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "c-new", res.ClientID)
}

func TestNoMandateIsNotFound(t *testing.T) {
	r := NewResolver(&fakeStore{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}

func TestIncompleteLegacyDocIsNotFound(t *testing.T) {
	// A legacy doc missing either field must not produce a half-built path.
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"users/u1": {"client_id": "c-legacy"},
	}}
	r := NewResolver(store, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}

func TestStoreErrorPropagates(t *testing.T) {
	r := NewResolver(&fakeStore{err: errors.New("firestore unavailable")}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "")
	assert.Error(t, err)
}

// ============================================================================
// RESOLUTION CACHE
// ============================================================================

func TestResolutionCached(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1", "mandate_id": "m1"},
	}}
	r := NewResolver(store, nil)

	first, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	calls := store.calls

	second, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, store.calls, "repeat resolution must not hit the store")
}

func TestFailedResolutionNotCached(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(store, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.Error(t, err)

	// The mapping appears later (e.g. onboarding finished); the next call
	// must see it.
	store.docs = map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1"},
	}
	res, err := r.Resolve(context.Background(), "u1", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ClientID)
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func TestERPCredentialsMissingFieldsListed(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1":               {"client_id": "c1", "mandate_id": "m1"},
		"clients/c1/mandates/m1/erp/odoo": {"url": "https://odoo.example.com"},
	}}
	r := NewResolver(store, nil)

	_, err := r.Credentials(context.Background(), "u1", "t1", KindERPOdoo)
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindIncompleteCredentials, e.Kind)
	assert.ElementsMatch(t, []string{"db", "username", "secret_name"}, e.Details)
}

func TestERPCredentialsDocAbsentIsNotFound(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1", "mandate_id": "m1"},
	}}
	r := NewResolver(store, nil)

	_, err := r.Credentials(context.Background(), "u1", "t1", KindERPOdoo)
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}

func TestDriveCredentialsMissingFieldsListed(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1":                  {"client_id": "c1", "mandate_id": "m1"},
		"clients/c1/mandates/m1/drive/oauth": {"client_id": "google-client"},
	}}
	r := NewResolver(store, nil)

	_, err := r.Credentials(context.Background(), "u1", "t1", KindDriveOAuth)
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindIncompleteCredentials, e.Kind)
	assert.ElementsMatch(t, []string{"client_secret", "refresh_token_secret"}, e.Details)
}

func TestUnknownCredentialKind(t *testing.T) {
	store := &fakeStore{docs: map[string]map[string]interface{}{
		"contact_spaces/t1": {"client_id": "c1"},
	}}
	r := NewResolver(store, nil)

	_, err := r.Credentials(context.Background(), "u1", "t1", Kind("ftp"))
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindBadRequest, e.Kind)
}
