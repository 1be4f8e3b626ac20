package handlers

import (
	"context"
	"fmt"

	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/connections"
	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// ERPClient is the Odoo surface the handler uses.
type ERPClient interface {
	SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit int) ([]map[string]interface{}, error)
	ExecuteKw(ctx context.Context, model, method string, args []interface{}, kw map[string]interface{}, result interface{}) error
	Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error)
}

// ERPConnector yields a live ERP client for a caller.
type ERPConnector func(ctx context.Context, userID, tenantID string) (ERPClient, error)

// NewERPConnector adapts the shared connection cache.
func NewERPConnector(conns *connections.Cache) ERPConnector {
	return func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		client, err := conns.Get(ctx, userID, tenantID, mandate.KindERPOdoo)
		if err != nil {
			return nil, err
		}
		erp, ok := client.(ERPClient)
		if !ok {
			return nil, rpc.Errorf(rpc.KindInternal, "connection cache returned a non-erp client")
		}
		return erp, nil
	}
}

// WithBreaker guards connection construction so a dead Odoo endpoint fails
// fast instead of queueing RPCs behind timeouts. Only transport-class
// failures count against the breaker; credential problems are the tenant's
// to fix, not an outage.
func (c ERPConnector) WithBreaker(cb *circuitbreaker.CircuitBreaker) ERPConnector {
	return func(ctx context.Context, userID, tenantID string) (ERPClient, error) {
		if err := cb.Allow(); err != nil {
			return nil, rpc.Errorf(rpc.KindTransport, "erp temporarily unavailable: %v", err)
		}
		client, err := c(ctx, userID, tenantID)
		if err == nil {
			cb.RecordSuccess()
			return client, nil
		}
		if e, ok := rpc.AsError(err); ok && (e.Kind == rpc.KindTransport || e.Kind == rpc.KindTimeout) {
			cb.RecordFailure()
		} else {
			// The endpoint answered; the admitted slot is released and a
			// credential rejection does not count against the breaker.
			cb.RecordSuccess()
		}
		return nil, err
	}
}

// ERPHandler is the ERP namespace. Every downstream failure propagates with
// its taxonomy kind; there is no silent empty-result fallback.
type ERPHandler struct {
	connect ERPConnector
	cache   *cache.Manager
}

// NewERPHandler wires the namespace.
func NewERPHandler(connect ERPConnector, mgr *cache.Manager) *ERPHandler {
	return &ERPHandler{connect: connect, cache: mgr}
}

// Methods returns the RPC method table.
func (h *ERPHandler) Methods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"test_connection":      h.testConnection,
		"get_pl_metrics":       h.getPLMetrics,
		"get_account_types":    h.getAccountTypes,
		"get_account_chart":    h.getAccountChart,
		"update_accounts":      h.updateAccounts,
		"update_coa_structure": h.updateCOAStructure,

		"get_odoo_bank_statement_move_line_not_rec": h.getBankStatementUnreconciled,
	}
}

func (h *ERPHandler) testConnection(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	if _, err := h.connect(ctx, caller.UserID, tenantID); err != nil {
		return nil, err
	}
	// A client coming out of the cache has already passed its probe.
	return map[string]interface{}{"status": "connected"}, nil
}

func (h *ERPHandler) getPLMetrics(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	dateFrom := strParam(params, "date_from")
	dateTo := strParam(params, "date_to")
	subkey := fmt.Sprintf("pl_metrics:%s:%s", dateFrom, dateTo)

	return readThrough(ctx, h.cache, caller.UserID, tenantID, cache.FamilyERP, subkey, "erp", func() (interface{}, error) {
		erp, err := h.connect(ctx, caller.UserID, tenantID)
		if err != nil {
			return nil, err
		}

		domain := []interface{}{
			[]interface{}{"account_id.account_type", "in", []string{"income", "income_other", "expense", "expense_depreciation", "expense_direct_cost"}},
			[]interface{}{"parent_state", "=", "posted"},
		}
		if dateFrom != "" {
			domain = append(domain, []interface{}{"date", ">=", dateFrom})
		}
		if dateTo != "" {
			domain = append(domain, []interface{}{"date", "<=", dateTo})
		}

		var groups []map[string]interface{}
		err = erp.ExecuteKw(ctx, "account.move.line", "read_group",
			[]interface{}{domain, []string{"balance"}, []string{"account_id.account_type"}},
			map[string]interface{}{"lazy": false}, &groups)
		if err != nil {
			return nil, err
		}
		return groups, nil
	})
}

func (h *ERPHandler) getAccountTypes(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	return readThrough(ctx, h.cache, caller.UserID, tenantID, cache.FamilyERP, "account_types", "erp", func() (interface{}, error) {
		erp, err := h.connect(ctx, caller.UserID, tenantID)
		if err != nil {
			return nil, err
		}
		var types []map[string]interface{}
		err = erp.ExecuteKw(ctx, "account.account", "read_group",
			[]interface{}{[]interface{}{}, []string{"account_type"}, []string{"account_type"}},
			map[string]interface{}{"lazy": false}, &types)
		if err != nil {
			return nil, err
		}
		return types, nil
	})
}

func (h *ERPHandler) getAccountChart(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	return readThrough(ctx, h.cache, caller.UserID, tenantID, cache.FamilyERP, "account_chart", "erp", func() (interface{}, error) {
		erp, err := h.connect(ctx, caller.UserID, tenantID)
		if err != nil {
			return nil, err
		}
		return erp.SearchRead(ctx, "account.account", []interface{}{},
			[]string{"id", "code", "name", "account_type", "group_id", "reconcile"}, 0)
	})
}

// updateAccounts writes field values onto chart-of-account rows, then drops
// the chart caches.
func (h *ERPHandler) updateAccounts(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	ids, err := int64List(params, "account_ids")
	if err != nil {
		return nil, err
	}
	values := mapParam(params, "values")
	if len(values) == 0 {
		return nil, rpc.Errorf(rpc.KindBadRequest, "missing values to write")
	}

	erp, err := h.connect(ctx, caller.UserID, tenantID)
	if err != nil {
		return nil, err
	}
	ok, err := erp.Write(ctx, "account.account", ids, values)
	if err != nil {
		return nil, err
	}
	if ok {
		h.cache.Invalidate(ctx, caller.UserID, tenantID, cache.FamilyERP, "account_chart")
		h.cache.Invalidate(ctx, caller.UserID, tenantID, cache.FamilyERP, "account_types")
	}
	return map[string]interface{}{"updated": ok, "count": len(ids)}, nil
}

// updateCOAStructure rewires accounts into groups.
func (h *ERPHandler) updateCOAStructure(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	mapping := mapParam(params, "group_mapping")
	if len(mapping) == 0 {
		return nil, rpc.Errorf(rpc.KindBadRequest, "missing group_mapping")
	}

	erp, err := h.connect(ctx, caller.UserID, tenantID)
	if err != nil {
		return nil, err
	}

	updated := 0
	for rawGroupID, rawAccounts := range mapping {
		accounts, ok := rawAccounts.([]interface{})
		if !ok {
			return nil, rpc.Errorf(rpc.KindBadRequest, "group %s: account list expected", rawGroupID)
		}
		ids := make([]int64, 0, len(accounts))
		for _, a := range accounts {
			f, ok := a.(float64)
			if !ok {
				return nil, rpc.Errorf(rpc.KindBadRequest, "group %s: numeric account ids expected", rawGroupID)
			}
			ids = append(ids, int64(f))
		}

		var groupID interface{} = rawGroupID
		if len(ids) > 0 {
			ok, err := erp.Write(ctx, "account.account", ids, map[string]interface{}{"group_id": groupID})
			if err != nil {
				return nil, err
			}
			if ok {
				updated += len(ids)
			}
		}
	}

	if updated > 0 {
		h.cache.Invalidate(ctx, caller.UserID, tenantID, cache.FamilyERP, "account_chart")
	}
	return map[string]interface{}{"updated_accounts": updated}, nil
}

// getBankStatementUnreconciled lists bank statement move lines not yet
// reconciled.
func (h *ERPHandler) getBankStatementUnreconciled(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	return readThrough(ctx, h.cache, caller.UserID, tenantID, cache.FamilyERP, "bank_stmt_unreconciled", "erp", func() (interface{}, error) {
		erp, err := h.connect(ctx, caller.UserID, tenantID)
		if err != nil {
			return nil, err
		}
		domain := []interface{}{
			[]interface{}{"journal_id.type", "=", "bank"},
			[]interface{}{"reconciled", "=", false},
			[]interface{}{"parent_state", "=", "posted"},
			[]interface{}{"account_id.reconcile", "=", true},
		}
		return erp.SearchRead(ctx, "account.move.line", domain,
			[]string{"id", "date", "name", "ref", "debit", "credit", "balance", "partner_id", "journal_id"}, 0)
	})
}

func int64List(params map[string]interface{}, name string) ([]int64, error) {
	raw, ok := params[name].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, rpc.Errorf(rpc.KindBadRequest, "missing or empty %q", name)
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, rpc.Errorf(rpc.KindBadRequest, "%q must be numeric ids", name)
		}
		out = append(out, int64(f))
	}
	return out, nil
}
