package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/rpc"
)

type fakeERP struct {
	searchReadOut []map[string]interface{}
	executeOut    []map[string]interface{}
	writeOK       bool
	err           error

	searchReads int
	executes    int
	writes      []struct {
		model  string
		ids    []int64
		values map[string]interface{}
	}
}

func (f *fakeERP) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit int) ([]map[string]interface{}, error) {
	f.searchReads++
	return f.searchReadOut, f.err
}

func (f *fakeERP) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kw map[string]interface{}, result interface{}) error {
	f.executes++
	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(f.executeOut)
	return json.Unmarshal(raw, result)
}

func (f *fakeERP) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error) {
	f.writes = append(f.writes, struct {
		model  string
		ids    []int64
		values map[string]interface{}
	}{model, ids, values})
	return f.writeOK, f.err
}

func newERPFixture(t *testing.T) (*ERPHandler, *fakeERP, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	erp := &fakeERP{writeOK: true}
	connect := func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		return erp, nil
	}
	return NewERPHandler(connect, cache.NewManager(rdb)), erp, mr
}

// ============================================================================
// READS
// ============================================================================

func TestGetPLMetricsCachedPerDateRange(t *testing.T) {
	h, erp, mr := newERPFixture(t)
	erp.executeOut = []map[string]interface{}{
		{"account_id.account_type": "income", "balance": -120000.0},
		{"account_id.account_type": "expense", "balance": 80000.0},
	}
	params := map[string]interface{}{
		"tenant_id": "client-1",
		"date_from": "2026-01-01",
		"date_to":   "2026-12-31",
	}

	out, err := h.getPLMetrics(context.Background(), testCaller, params)
	require.NoError(t, err)
	assert.Equal(t, "erp", out.(map[string]interface{})["source"])
	assert.True(t, mr.Exists(cache.Key("u1", "client-1", cache.FamilyERP, "pl_metrics:2026-01-01:2026-12-31")))

	out, err = h.getPLMetrics(context.Background(), testCaller, params)
	require.NoError(t, err)
	assert.Equal(t, "cache", out.(map[string]interface{})["source"])
	assert.Equal(t, 1, erp.executes)

	// A different range is its own cache entry.
	params["date_to"] = "2026-06-30"
	_, err = h.getPLMetrics(context.Background(), testCaller, params)
	require.NoError(t, err)
	assert.Equal(t, 2, erp.executes)
}

func TestGetAccountChart(t *testing.T) {
	h, erp, _ := newERPFixture(t)
	erp.searchReadOut = []map[string]interface{}{
		{"id": 1.0, "code": "1000", "name": "Cash", "account_type": "asset_cash"},
	}

	out, err := h.getAccountChart(context.Background(), testCaller, map[string]interface{}{"tenant_id": "client-1"})
	require.NoError(t, err)
	assert.Equal(t, "erp", out.(map[string]interface{})["source"])
	assert.Equal(t, 1, erp.searchReads)
}

func TestERPErrorPropagatesNotSwallowed(t *testing.T) {
	h, erp, _ := newERPFixture(t)
	erp.err = rpc.Errorf(rpc.KindPermissionDenied, "odoo access denied on account.move.line")

	_, err := h.getPLMetrics(context.Background(), testCaller, map[string]interface{}{"tenant_id": "client-1"})
	require.Error(t, err, "downstream failures must never read as empty metrics")
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindPermissionDenied, e.Kind)
}

func TestERPConnectFailurePropagates(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	connect := func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		return nil, rpc.Errorf(rpc.KindIncompleteCredentials, "credentials document is missing 2 field(s)")
	}
	h := NewERPHandler(connect, cache.NewManager(rdb))

	_, err := h.testConnection(context.Background(), testCaller, map[string]interface{}{"tenant_id": "client-1"})
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindIncompleteCredentials, e.Kind)
}

func TestERPConnectorBreakerFailsFastWhenTripped(t *testing.T) {
	inner := 0
	var connect ERPConnector = func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		inner++
		return nil, rpc.Errorf(rpc.KindTransport, "connection refused")
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "erp",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	guarded := connect.WithBreaker(cb)

	for i := 0; i < 3; i++ {
		_, err := guarded(context.Background(), "u1", "client-1")
		require.Error(t, err)
	}
	require.Equal(t, 3, inner)

	_, err := guarded(context.Background(), "u1", "client-1")
	require.Error(t, err)
	assert.Equal(t, 3, inner, "open breaker must not touch the connector")
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindTransport, e.Kind)
}

func TestERPConnectorBreakerIgnoresCredentialFailures(t *testing.T) {
	var connect ERPConnector = func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		return nil, rpc.Errorf(rpc.KindIncompleteCredentials, "missing db")
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "erp",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	guarded := connect.WithBreaker(cb)

	for i := 0; i < 10; i++ {
		_, err := guarded(context.Background(), "u1", "client-1")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State(), "a tenant's bad credentials are not an outage")
}

// ============================================================================
// WRITES
// ============================================================================

func TestUpdateAccountsInvalidatesChartCaches(t *testing.T) {
	h, erp, mr := newERPFixture(t)
	erp.searchReadOut = []map[string]interface{}{{"id": 1.0, "code": "1000"}}
	erp.executeOut = []map[string]interface{}{{"account_type": "asset_cash"}}

	// Warm both chart caches.
	_, err := h.getAccountChart(context.Background(), testCaller, map[string]interface{}{"tenant_id": "client-1"})
	require.NoError(t, err)
	_, err = h.getAccountTypes(context.Background(), testCaller, map[string]interface{}{"tenant_id": "client-1"})
	require.NoError(t, err)

	chartKey := cache.Key("u1", "client-1", cache.FamilyERP, "account_chart")
	typesKey := cache.Key("u1", "client-1", cache.FamilyERP, "account_types")
	require.True(t, mr.Exists(chartKey))
	require.True(t, mr.Exists(typesKey))

	out, err := h.updateAccounts(context.Background(), testCaller, map[string]interface{}{
		"tenant_id":   "client-1",
		"account_ids": []interface{}{1.0, 2.0},
		"values":      map[string]interface{}{"name": "Petty cash"},
	})
	require.NoError(t, err)
	res := out.(map[string]interface{})
	assert.Equal(t, true, res["updated"])
	assert.Equal(t, 2, res["count"])

	require.Len(t, erp.writes, 1)
	assert.Equal(t, "account.account", erp.writes[0].model)
	assert.Equal(t, []int64{1, 2}, erp.writes[0].ids)

	assert.False(t, mr.Exists(chartKey))
	assert.False(t, mr.Exists(typesKey))
}

func TestUpdateAccountsValidation(t *testing.T) {
	h, _, _ := newERPFixture(t)

	cases := []map[string]interface{}{
		{"tenant_id": "client-1"}, // no ids
		{"tenant_id": "client-1", "account_ids": []interface{}{}},
		{"tenant_id": "client-1", "account_ids": []interface{}{"one"}},
		{"tenant_id": "client-1", "account_ids": []interface{}{1.0}}, // no values
	}
	for i, params := range cases {
		_, err := h.updateAccounts(context.Background(), testCaller, params)
		require.Error(t, err, "case %d", i)
		e, _ := rpc.AsError(err)
		assert.Equal(t, rpc.KindBadRequest, e.Kind, "case %d", i)
	}
}

func TestUpdateCOAStructureGroupsWrites(t *testing.T) {
	h, erp, _ := newERPFixture(t)

	out, err := h.updateCOAStructure(context.Background(), testCaller, map[string]interface{}{
		"tenant_id": "client-1",
		"group_mapping": map[string]interface{}{
			"10": []interface{}{1.0, 2.0},
			"20": []interface{}{3.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.(map[string]interface{})["updated_accounts"])
	assert.Len(t, erp.writes, 2)
	for _, w := range erp.writes {
		assert.Contains(t, w.values, "group_id")
	}
}

func TestUpdateCOAStructureRejectsMalformedMapping(t *testing.T) {
	h, _, _ := newERPFixture(t)

	_, err := h.updateCOAStructure(context.Background(), testCaller, map[string]interface{}{
		"tenant_id":     "client-1",
		"group_mapping": map[string]interface{}{"10": "not-a-list"},
	})
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindBadRequest, e.Kind)
}
