package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/hr"
	"github.com/pinnokio/backend/internal/jobber"
	"github.com/pinnokio/backend/internal/rpc"
)

// HRHandler is the HR namespace: company mapping, employees, contracts,
// clusters, payroll reads, job submissions, and reference data. The cache
// tenant segment for this family is the company id.
type HRHandler struct {
	store     HRStore
	cache     *cache.Manager
	jobs      JobSubmitter
	callbacks *jobber.CallbackRouter
	mandates  MandateResolver
}

// NewHRHandler wires the HR namespace.
func NewHRHandler(store HRStore, mgr *cache.Manager, jobs JobSubmitter, callbacks *jobber.CallbackRouter, mandates MandateResolver) *HRHandler {
	return &HRHandler{store: store, cache: mgr, jobs: jobs, callbacks: callbacks, mandates: mandates}
}

// Methods returns the RPC method table.
func (h *HRHandler) Methods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"check_connection":         h.checkConnection,
		"get_or_create_company":    h.getOrCreateCompany,
		"list_employees":           h.listEmployees,
		"get_employee":             h.getEmployee,
		"create_employee":          h.createEmployee,
		"update_employee":          h.updateEmployee,
		"delete_employee":          h.deleteEmployee,
		"list_contracts":           h.listContracts,
		"get_active_contract":      h.getActiveContract,
		"create_contract":          h.createContract,
		"list_clusters":            h.listClusters,
		"get_payroll_result":       h.getPayrollResult,
		"list_payroll_results":     h.listPayrollResults,
		"get_references":           h.getReferences,
		"submit_payroll_calculate": h.submitPayrollCalculate,
		"submit_payroll_batch":     h.submitPayrollBatch,
		"submit_pdf_generate":      h.submitPDFGenerate,
		"get_job_status":           h.getJobStatus,
		"check_jobber_health":      h.checkJobberHealth,
		"cache_stats":              h.cacheStats,
		"invalidate_cache":         h.invalidateCache,
	}
}

func (h *HRHandler) checkConnection(ctx context.Context, _ rpc.Caller, _ map[string]interface{}) (interface{}, error) {
	return h.store.CheckConnection(ctx)
}

func (h *HRHandler) getOrCreateCompany(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	accountID, err := requireUUID(params, "account_id")
	if err != nil {
		return nil, err
	}
	tenantID, err := requireStr(params, "tenant_id")
	if err != nil {
		return nil, err
	}
	name, err := requireStr(params, "name")
	if err != nil {
		return nil, err
	}

	res, err := h.mandates.Resolve(ctx, caller.UserID, tenantID, strParam(params, "client_id"))
	if err != nil {
		return nil, err
	}

	companyID, err := h.store.GetOrCreateCompany(ctx, accountID, res.MandatePath, name,
		strParam(params, "country"), strParam(params, "country_code"),
		strParam(params, "region"), strParam(params, "region_code"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"company_id":   companyID.String(),
		"mandate_path": res.MandatePath,
	}, nil
}

// ============================================================================
// EMPLOYEES
// ============================================================================

func (h *HRHandler) listEmployees(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, "employees", "database", func() (interface{}, error) {
		return h.store.ListEmployees(ctx, companyID)
	})
}

func (h *HRHandler) getEmployee(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	subkey := "employee:" + employeeID.String()
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, subkey, "database", func() (interface{}, error) {
		return h.store.GetEmployee(ctx, companyID, employeeID)
	})
}

func (h *HRHandler) createEmployee(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	p := hr.CreateEmployeeParams{
		Identifier:  strParam(params, "identifier"),
		FirstName:   strParam(params, "first_name"),
		LastName:    strParam(params, "last_name"),
		ClusterCode: strParam(params, "cluster_code"),
	}
	if p.FirstName == "" || p.LastName == "" {
		return nil, rpc.Errorf(rpc.KindBadRequest, "first_name and last_name are required")
	}
	if p.BirthDate, err = optionalDate(params, "birth_date"); err != nil {
		return nil, err
	}
	if p.HireDate, err = optionalDate(params, "hire_date"); err != nil {
		return nil, err
	}

	id, err := h.store.CreateEmployee(ctx, companyID, p)
	if err != nil {
		return nil, err
	}

	h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, "employees")
	return map[string]interface{}{"employee_id": id.String()}, nil
}

func (h *HRHandler) updateEmployee(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	fields := mapParam(params, "fields")

	updated, err := h.store.UpdateEmployee(ctx, companyID, employeeID, fields)
	if err != nil {
		return nil, err
	}
	if updated {
		h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, "employees")
		h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, "employee:"+employeeID.String())
	}
	return map[string]interface{}{"updated": updated}, nil
}

func (h *HRHandler) deleteEmployee(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}

	deleted, err := h.store.DeleteEmployee(ctx, companyID, employeeID)
	if err != nil {
		return nil, err
	}
	if deleted {
		user, tenant := caller.UserID, companyID.String()
		id := employeeID.String()
		h.cache.Invalidate(ctx, user, tenant, cache.FamilyHR, "employees")
		h.cache.Invalidate(ctx, user, tenant, cache.FamilyHR, "employee:"+id)
		h.cache.Invalidate(ctx, user, tenant, cache.FamilyHR, "contracts:"+id)
		h.cache.Invalidate(ctx, user, tenant, cache.FamilyHR, "active_contract:"+id)
	}
	return map[string]interface{}{"deleted": deleted}, nil
}

// ============================================================================
// CONTRACTS
// ============================================================================

func (h *HRHandler) listContracts(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	subkey := "contracts:" + employeeID.String()
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, subkey, "database", func() (interface{}, error) {
		return h.store.ListContracts(ctx, companyID, employeeID)
	})
}

func (h *HRHandler) getActiveContract(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	subkey := "active_contract:" + employeeID.String()
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, subkey, "database", func() (interface{}, error) {
		return h.store.GetActiveContract(ctx, companyID, employeeID)
	})
}

func (h *HRHandler) createContract(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}

	startRaw, err := requireStr(params, "start_date")
	if err != nil {
		return nil, err
	}
	start, err := hr.ParseDate(startRaw)
	if err != nil {
		return nil, rpc.Errorf(rpc.KindBadRequest, "%v", err)
	}

	p := hr.CreateContractParams{
		ContractType: strParam(params, "contract_type"),
		StartDate:    start,
		Currency:     strParam(params, "currency"),
	}
	if p.EndDate, err = optionalDate(params, "end_date"); err != nil {
		return nil, err
	}
	if salary, ok := params["base_salary"].(float64); ok {
		p.BaseSalary = salary
	}
	if rate, ok := params["work_rate"].(float64); ok {
		p.WorkRate = rate
	} else {
		p.WorkRate = 1.0
	}
	if hours, ok := params["weekly_hours"].(float64); ok {
		p.WeeklyHours = hours
	}

	id, err := h.store.CreateContract(ctx, companyID, employeeID, p)
	if err != nil {
		return nil, err
	}

	empID := employeeID.String()
	h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, "contracts:"+empID)
	h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, "active_contract:"+empID)
	return map[string]interface{}{"contract_id": id.String()}, nil
}

// ============================================================================
// CLUSTERS, PAYROLL, REFERENCES
// ============================================================================

func (h *HRHandler) listClusters(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	country := strParam(params, "country_code")
	subkey := "clusters"
	if country != "" {
		subkey += ":" + country
	}
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, subkey, "database", func() (interface{}, error) {
		return h.store.ListClusters(ctx, country)
	})
}

func (h *HRHandler) getPayrollResult(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	year, err := requireInt(params, "year")
	if err != nil {
		return nil, err
	}
	month, err := requireInt(params, "month")
	if err != nil {
		return nil, err
	}
	return h.store.GetPayrollResult(ctx, companyID, employeeID, year, month)
}

func (h *HRHandler) listPayrollResults(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	var employeeID *uuid.UUID
	if raw := strParam(params, "employee_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, rpc.Errorf(rpc.KindBadRequest, "parameter %q is not a UUID", "employee_id")
		}
		employeeID = &id
	}
	var year *int
	if y, ok := intParam(params, "year"); ok {
		year = &y
	}
	return h.store.ListPayrollResults(ctx, companyID, employeeID, year)
}

func (h *HRHandler) getReferences(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	country, err := requireStr(params, "country_code")
	if err != nil {
		return nil, err
	}
	lang := strParam(params, "lang")
	if lang == "" {
		lang = "en"
	}
	subkey := fmt.Sprintf("references:%s:%s", country, lang)
	return readThrough(ctx, h.cache, caller.UserID, companyID.String(), cache.FamilyHR, subkey, "database", func() (interface{}, error) {
		return h.store.ListReferences(ctx, country, lang)
	})
}

// ============================================================================
// ASYNC JOBS
// ============================================================================

// correlation builds the base correlation payload; the Jobber client fills
// in the generated job id and type.
func (h *HRHandler) correlation(ctx context.Context, caller rpc.Caller, tenantID string) (jobber.Correlation, error) {
	corr := jobber.Correlation{
		UserID:    caller.UserID,
		SessionID: caller.SessionID,
	}
	res, err := h.mandates.Resolve(ctx, caller.UserID, tenantID, "")
	if err != nil {
		return corr, err
	}
	corr.MandatePath = res.MandatePath
	return corr, nil
}

// registerIfPending records the correlation so a later callback can be
// routed. Synchronous completions and failures never call back.
func (h *HRHandler) registerIfPending(res *jobber.SubmitResult, corr jobber.Correlation, jobType string) {
	if res.Status != jobber.StatePending || h.callbacks == nil {
		return
	}
	corr.JobID = res.JobID
	corr.JobType = jobType
	h.callbacks.Register(corr)
}

func (h *HRHandler) submitPayrollCalculate(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	employeeID, err := requireUUID(params, "employee_id")
	if err != nil {
		return nil, err
	}
	year, err := requireInt(params, "year")
	if err != nil {
		return nil, err
	}
	month, err := requireInt(params, "month")
	if err != nil {
		return nil, err
	}
	corr, err := h.correlation(ctx, caller, strParam(params, "tenant_id"))
	if err != nil {
		return nil, err
	}

	res := h.jobs.SubmitPayrollCalculate(ctx, corr, companyID.String(), employeeID.String(), year, month)
	h.registerIfPending(res, corr, "payroll_calculate")
	return res, nil
}

func (h *HRHandler) submitPayrollBatch(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	year, err := requireInt(params, "year")
	if err != nil {
		return nil, err
	}
	month, err := requireInt(params, "month")
	if err != nil {
		return nil, err
	}
	corr, err := h.correlation(ctx, caller, strParam(params, "tenant_id"))
	if err != nil {
		return nil, err
	}

	res := h.jobs.SubmitPayrollBatch(ctx, corr, companyID.String(), year, month)
	h.registerIfPending(res, corr, "payroll_batch")
	return res, nil
}

func (h *HRHandler) submitPDFGenerate(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	docType, err := requireStr(params, "document_type")
	if err != nil {
		return nil, err
	}
	corr, err := h.correlation(ctx, caller, strParam(params, "tenant_id"))
	if err != nil {
		return nil, err
	}

	res := h.jobs.SubmitPDF(ctx, corr, docType, mapParam(params, "params"))
	h.registerIfPending(res, corr, "pdf_generate")
	return res, nil
}

func (h *HRHandler) getJobStatus(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	jobID, err := requireStr(params, "job_id")
	if err != nil {
		return nil, err
	}
	return h.jobs.JobStatus(ctx, jobID)
}

func (h *HRHandler) checkJobberHealth(ctx context.Context, _ rpc.Caller, _ map[string]interface{}) (interface{}, error) {
	return h.jobs.CheckHealth(ctx), nil
}

// ============================================================================
// CACHE UTILITIES
// ============================================================================

func (h *HRHandler) cacheStats(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	return h.cache.Stats(ctx, caller.UserID, companyID.String())
}

func (h *HRHandler) invalidateCache(ctx context.Context, caller rpc.Caller, params map[string]interface{}) (interface{}, error) {
	companyID, err := requireUUID(params, "company_id")
	if err != nil {
		return nil, err
	}
	if subkey := strParam(params, "subkey"); subkey != "" {
		ok := h.cache.Invalidate(ctx, caller.UserID, companyID.String(), cache.FamilyHR, subkey)
		return map[string]interface{}{"invalidated": ok}, nil
	}
	n := h.cache.InvalidateFamily(ctx, caller.UserID, companyID.String(), cache.FamilyHR)
	return map[string]interface{}{"invalidated_keys": n}, nil
}

func optionalDate(params map[string]interface{}, name string) (*hr.Date, error) {
	raw := strParam(params, name)
	if raw == "" {
		return nil, nil
	}
	d, err := hr.ParseDate(raw)
	if err != nil {
		return nil, rpc.Errorf(rpc.KindBadRequest, "%v", err)
	}
	return &d, nil
}
