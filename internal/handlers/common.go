// Package handlers implements the RPC namespaces. Each handler owns the
// cache policy of its data family: reads go cache-first, writes invalidate
// every subkey they could have changed.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/hr"
	"github.com/pinnokio/backend/internal/jobber"
	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// HRStore is the slice of the HR data layer the handlers use. Narrowed to an
// interface so tests can fake the database.
type HRStore interface {
	CheckConnection(ctx context.Context) (map[string]interface{}, error)
	GetOrCreateCompany(ctx context.Context, accountID uuid.UUID, mandatePath, name, country, countryCode, region, regionCode string) (uuid.UUID, error)
	ListEmployees(ctx context.Context, companyID uuid.UUID) ([]*hr.Employee, error)
	GetEmployee(ctx context.Context, companyID, employeeID uuid.UUID) (*hr.Employee, error)
	CreateEmployee(ctx context.Context, companyID uuid.UUID, p hr.CreateEmployeeParams) (uuid.UUID, error)
	UpdateEmployee(ctx context.Context, companyID, employeeID uuid.UUID, fields map[string]interface{}) (bool, error)
	DeleteEmployee(ctx context.Context, companyID, employeeID uuid.UUID) (bool, error)
	ListContracts(ctx context.Context, companyID, employeeID uuid.UUID) ([]*hr.Contract, error)
	GetActiveContract(ctx context.Context, companyID, employeeID uuid.UUID) (*hr.Contract, error)
	CreateContract(ctx context.Context, companyID, employeeID uuid.UUID, p hr.CreateContractParams) (uuid.UUID, error)
	ListClusters(ctx context.Context, countryCode string) ([]*hr.Cluster, error)
	GetPayrollResult(ctx context.Context, companyID, employeeID uuid.UUID, year, month int) (*hr.PayrollResult, error)
	ListPayrollResults(ctx context.Context, companyID uuid.UUID, employeeID *uuid.UUID, year *int) ([]*hr.PayrollResult, error)
	ListReferences(ctx context.Context, countryCode, lang string) ([]*hr.Reference, error)
}

// JobSubmitter is the Jobber surface used by the HR handler.
type JobSubmitter interface {
	SubmitPayrollCalculate(ctx context.Context, corr jobber.Correlation, companyID, employeeID string, year, month int) *jobber.SubmitResult
	SubmitPayrollBatch(ctx context.Context, corr jobber.Correlation, companyID string, year, month int) *jobber.SubmitResult
	SubmitPDF(ctx context.Context, corr jobber.Correlation, documentType string, params map[string]interface{}) *jobber.SubmitResult
	JobStatus(ctx context.Context, jobID string) (map[string]interface{}, error)
	CheckHealth(ctx context.Context) map[string]interface{}
}

// MandateResolver resolves caller identity to mandate paths.
type MandateResolver interface {
	Resolve(ctx context.Context, userID, tenantID, explicitClientID string) (mandate.Resolution, error)
}

// ============================================================================
// PARAM HELPERS
// ============================================================================

func strParam(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return v
}

func requireStr(params map[string]interface{}, name string) (string, error) {
	v := strParam(params, name)
	if v == "" {
		return "", rpc.Errorf(rpc.KindBadRequest, "missing required parameter %q", name)
	}
	return v, nil
}

func requireUUID(params map[string]interface{}, name string) (uuid.UUID, error) {
	v, err := requireStr(params, name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, rpc.Errorf(rpc.KindBadRequest, "parameter %q is not a UUID", name)
	}
	return id, nil
}

// intParam accepts both JSON numbers and numeric strings.
func intParam(params map[string]interface{}, name string) (int, bool) {
	switch v := params[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func requireInt(params map[string]interface{}, name string) (int, error) {
	n, ok := intParam(params, name)
	if !ok {
		return 0, rpc.Errorf(rpc.KindBadRequest, "missing or non-numeric parameter %q", name)
	}
	return n, nil
}

func mapParam(params map[string]interface{}, name string) map[string]interface{} {
	v, _ := params[name].(map[string]interface{})
	return v
}

// ============================================================================
// READ CONTRACT
// ============================================================================

// readThrough implements the uniform read contract: cache hit → {data,
// source: "cache"}; miss → fetch, cache if non-empty, {data, source}.
func readThrough(ctx context.Context, mgr *cache.Manager, user, tenant string, family cache.Family, subkey, backendSource string, fetch func() (interface{}, error)) (interface{}, error) {
	if env, ok := mgr.Get(ctx, user, tenant, family, subkey); ok {
		var data interface{}
		if err := json.Unmarshal(env.Data, &data); err == nil {
			return map[string]interface{}{"data": data, "source": "cache"}, nil
		}
	}

	data, err := fetch()
	if err != nil {
		return nil, err
	}
	mgr.Set(ctx, user, tenant, family, subkey, data, backendSource, cache.TTLFor(family, subkey))
	return map[string]interface{}{"data": data, "source": backendSource}, nil
}
