package hr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pinnokio/backend/internal/rpc"
)

const commandTimeout = 60 * time.Second

// NewPool builds the process-wide pgx pool. Managed endpoints require TLS;
// the sslmode is forced unless the DSN already pins one.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if !strings.Contains(dsn, "sslmode=") && !strings.Contains(dsn, "localhost") && !strings.Contains(dsn, "127.0.0.1") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "sslmode=require"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = 2
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Store is the HR data access layer. All operations borrow a pool connection
// and return it promptly; every statement runs under the 60s command timeout.
type Store struct {
	pool *pgxpool.Pool

	// mandate_path → company_id shortcut; a performance cache only.
	mu               sync.Mutex
	companyByMandate map[string]uuid.UUID
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:             pool,
		companyByMandate: make(map[string]uuid.UUID),
	}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, commandTimeout)
}

// CheckConnection reports liveness plus visible schemas and the pool size.
func (s *Store) CheckConnection(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata
		 WHERE schema_name NOT LIKE 'pg_%' AND schema_name <> 'information_schema'`)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyPgErr(err)
		}
		schemas = append(schemas, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(err)
	}

	stat := s.pool.Stat()
	return map[string]interface{}{
		"status":    "connected",
		"schemas":   schemas,
		"pool_size": stat.TotalConns(),
	}, nil
}

// ============================================================================
// COMPANIES
// ============================================================================

// GetOrCreateCompany is idempotent on mandate_path. The in-process shortcut
// cache short-circuits repeat lookups; the unique constraint is what actually
// guarantees idempotency.
func (s *Store) GetOrCreateCompany(ctx context.Context, accountID uuid.UUID, mandatePath, name, country, countryCode, region, regionCode string) (uuid.UUID, error) {
	s.mu.Lock()
	if id, ok := s.companyByMandate[mandatePath]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var idText string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO companies (id, account_id, mandate_path, name, country, country_code, region, region_code)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (mandate_path) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id::text`,
		accountID.String(), mandatePath, name, country, countryCode, region, regionCode,
	).Scan(&idText)
	if err != nil {
		return uuid.Nil, classifyPgErr(err)
	}

	id, err := uuid.Parse(idText)
	if err != nil {
		return uuid.Nil, fmt.Errorf("company id %q: %w", idText, err)
	}

	s.mu.Lock()
	s.companyByMandate[mandatePath] = id
	s.mu.Unlock()
	return id, nil
}

// ============================================================================
// EMPLOYEES
// ============================================================================

const employeeColumns = `id::text, company_id::text, identifier, first_name, last_name,
	birth_date, cluster_code, hire_date, is_active`

func scanEmployee(row pgx.Row) (*Employee, error) {
	var e Employee
	var idText, companyText string
	var clusterCode *string
	if err := row.Scan(&idText, &companyText, &e.Identifier, &e.FirstName, &e.LastName,
		&e.BirthDate, &clusterCode, &e.HireDate, &e.IsActive); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = uuid.Parse(idText); err != nil {
		return nil, err
	}
	if e.CompanyID, err = uuid.Parse(companyText); err != nil {
		return nil, err
	}
	if clusterCode != nil {
		e.ClusterCode = *clusterCode
	}
	return &e, nil
}

// ListEmployees returns the active employees of a company.
func (s *Store) ListEmployees(ctx context.Context, companyID uuid.UUID) ([]*Employee, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+employeeColumns+` FROM employees
		 WHERE company_id = $1 AND is_active = true
		 ORDER BY last_name, first_name`,
		companyID.String())
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var out []*Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEmployee fetches one employee scoped to a company.
func (s *Store) GetEmployee(ctx context.Context, companyID, employeeID uuid.UUID) (*Employee, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	e, err := scanEmployee(s.pool.QueryRow(ctx,
		`SELECT `+employeeColumns+` FROM employees
		 WHERE company_id = $1 AND id = $2`,
		companyID.String(), employeeID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rpc.Errorf(rpc.KindNotFound, "employee %s not found", employeeID)
		}
		return nil, classifyPgErr(err)
	}
	return e, nil
}

// CreateEmployeeParams is the insert shape; dates arrive pre-coerced.
type CreateEmployeeParams struct {
	Identifier  string
	FirstName   string
	LastName    string
	BirthDate   *Date
	ClusterCode string
	HireDate    *Date
}

// CreateEmployee inserts a new active employee and returns its id.
func (s *Store) CreateEmployee(ctx context.Context, companyID uuid.UUID, p CreateEmployeeParams) (uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var idText string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO employees (id, company_id, identifier, first_name, last_name, birth_date, cluster_code, hire_date, is_active)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, NULLIF($6, ''), $7, true)
		 RETURNING id::text`,
		companyID.String(), p.Identifier, p.FirstName, p.LastName,
		dateArg(p.BirthDate), p.ClusterCode, dateArg(p.HireDate),
	).Scan(&idText)
	if err != nil {
		return uuid.Nil, classifyPgErr(err)
	}
	return uuid.Parse(idText)
}

// employeeUpdateColumns is the authoritative whitelist for dynamic updates.
// Values for date columns are coerced from YYYY-MM-DD strings.
var employeeUpdateColumns = map[string]string{
	"identifier":   "identifier",
	"first_name":   "first_name",
	"last_name":    "last_name",
	"birth_date":   "birth_date",
	"cluster_code": "cluster_code",
	"hire_date":    "hire_date",
}

var employeeDateColumns = map[string]bool{
	"birth_date": true,
	"hire_date":  true,
}

// buildEmployeeUpdate turns a caller-supplied field map into a SET clause.
// Unknown fields are ignored; an empty result means no-op. Placeholders start
// at $1; callers append their WHERE arguments after.
func buildEmployeeUpdate(fields map[string]interface{}) (string, []interface{}, error) {
	var sets []string
	var args []interface{}

	for name, col := range employeeUpdateColumns {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if employeeDateColumns[name] {
			switch v := raw.(type) {
			case nil:
				args = append(args, nil)
			case string:
				if v == "" {
					args = append(args, nil)
					break
				}
				d, err := ParseDate(v)
				if err != nil {
					return "", nil, rpc.Errorf(rpc.KindBadRequest, "field %s: %v", name, err)
				}
				args = append(args, d)
			default:
				return "", nil, rpc.Errorf(rpc.KindBadRequest, "field %s must be a YYYY-MM-DD string", name)
			}
		} else {
			args = append(args, raw)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if len(sets) == 0 {
		return "", nil, nil
	}
	return strings.Join(sets, ", "), args, nil
}

// UpdateEmployee applies a whitelisted dynamic column set. With no
// recognized field it is a no-op returning false, not an error.
func (s *Store) UpdateEmployee(ctx context.Context, companyID, employeeID uuid.UUID, fields map[string]interface{}) (bool, error) {
	setClause, args, err := buildEmployeeUpdate(fields)
	if err != nil {
		return false, err
	}
	if setClause == "" {
		return false, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	args = append(args, companyID.String(), employeeID.String())
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE employees SET %s WHERE company_id = $%d AND id = $%d AND is_active = true`,
			setClause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return false, classifyPgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteEmployee soft-deletes: sets is_active=false, row stays.
func (s *Store) DeleteEmployee(ctx context.Context, companyID, employeeID uuid.UUID) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE employees SET is_active = false
		 WHERE company_id = $1 AND id = $2 AND is_active = true`,
		companyID.String(), employeeID.String())
	if err != nil {
		return false, classifyPgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================================
// CONTRACTS
// ============================================================================

const contractColumns = `c.id::text, c.employee_id::text, c.contract_type, c.start_date, c.end_date,
	c.base_salary::float8, c.currency, c.work_rate::float8, c.weekly_hours::float8, c.is_active`

func scanContract(row pgx.Row) (*Contract, error) {
	var ct Contract
	var idText, empText string
	if err := row.Scan(&idText, &empText, &ct.ContractType, &ct.StartDate, &ct.EndDate,
		&ct.BaseSalary, &ct.Currency, &ct.WorkRate, &ct.WeeklyHours, &ct.IsActive); err != nil {
		return nil, err
	}
	var err error
	if ct.ID, err = uuid.Parse(idText); err != nil {
		return nil, err
	}
	if ct.EmployeeID, err = uuid.Parse(empText); err != nil {
		return nil, err
	}
	return &ct, nil
}

// ListContracts returns all contracts of one employee, newest first.
func (s *Store) ListContracts(ctx context.Context, companyID, employeeID uuid.UUID) ([]*Contract, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+`
		 FROM contracts c JOIN employees e ON e.id = c.employee_id
		 WHERE e.company_id = $1 AND c.employee_id = $2
		 ORDER BY c.start_date DESC`,
		companyID.String(), employeeID.String())
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		ct, err := scanContract(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// GetActiveContract selects the contract active today: is_active, started,
// and not yet ended — ties broken by the latest start_date. At most one row.
func (s *Store) GetActiveContract(ctx context.Context, companyID, employeeID uuid.UUID) (*Contract, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ct, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+`
		 FROM contracts c JOIN employees e ON e.id = c.employee_id
		 WHERE e.company_id = $1 AND c.employee_id = $2
		   AND c.is_active = true
		   AND c.start_date <= CURRENT_DATE
		   AND (c.end_date IS NULL OR c.end_date >= CURRENT_DATE)
		 ORDER BY c.start_date DESC
		 LIMIT 1`,
		companyID.String(), employeeID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rpc.Errorf(rpc.KindNotFound, "no active contract for employee %s", employeeID)
		}
		return nil, classifyPgErr(err)
	}
	return ct, nil
}

// CreateContractParams is the insert shape for contracts.
type CreateContractParams struct {
	ContractType string
	StartDate    Date
	EndDate      *Date
	BaseSalary   float64
	Currency     string
	WorkRate     float64
	WeeklyHours  float64
}

// CreateContract inserts an active contract for an employee of the company.
func (s *Store) CreateContract(ctx context.Context, companyID, employeeID uuid.UUID, p CreateContractParams) (uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var idText string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contracts (id, employee_id, contract_type, start_date, end_date, base_salary, currency, work_rate, weekly_hours, is_active)
		 SELECT gen_random_uuid(), e.id, $3, $4, $5, $6, $7, $8, $9, true
		 FROM employees e WHERE e.company_id = $1 AND e.id = $2
		 RETURNING id::text`,
		companyID.String(), employeeID.String(), p.ContractType,
		p.StartDate, dateArg(p.EndDate), p.BaseSalary, p.Currency, p.WorkRate, p.WeeklyHours,
	).Scan(&idText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, rpc.Errorf(rpc.KindNotFound, "employee %s not found in company %s", employeeID, companyID)
		}
		return uuid.Nil, classifyPgErr(err)
	}
	return uuid.Parse(idText)
}

// ============================================================================
// CLUSTERS & PAYROLL RESULTS
// ============================================================================

// ListClusters returns the reference clusters, optionally filtered by country.
func (s *Store) ListClusters(ctx context.Context, countryCode string) ([]*Cluster, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT code, name, country_code, COALESCE(description, '') FROM clusters`
	args := []interface{}{}
	if countryCode != "" {
		query += ` WHERE country_code = $1`
		args = append(args, countryCode)
	}
	query += ` ORDER BY code`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		var cl Cluster
		if err := rows.Scan(&cl.Code, &cl.Name, &cl.CountryCode, &cl.Description); err != nil {
			return nil, classifyPgErr(err)
		}
		out = append(out, &cl)
	}
	return out, rows.Err()
}

const payrollColumns = `p.id::text, p.employee_id::text, p.period_year, p.period_month,
	p.gross_salary::float8, p.net_salary::float8, p.employer_cost::float8, p.details, p.created_at`

func scanPayroll(row pgx.Row) (*PayrollResult, error) {
	var pr PayrollResult
	var idText, empText string
	if err := row.Scan(&idText, &empText, &pr.PeriodYear, &pr.PeriodMonth,
		&pr.GrossSalary, &pr.NetSalary, &pr.EmployerCost, &pr.Details, &pr.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if pr.ID, err = uuid.Parse(idText); err != nil {
		return nil, err
	}
	if pr.EmployeeID, err = uuid.Parse(empText); err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPayrollResult reads one period's result for an employee.
func (s *Store) GetPayrollResult(ctx context.Context, companyID, employeeID uuid.UUID, year, month int) (*PayrollResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pr, err := scanPayroll(s.pool.QueryRow(ctx,
		`SELECT `+payrollColumns+`
		 FROM payroll_results p JOIN employees e ON e.id = p.employee_id
		 WHERE e.company_id = $1 AND p.employee_id = $2 AND p.period_year = $3 AND p.period_month = $4`,
		companyID.String(), employeeID.String(), year, month))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rpc.Errorf(rpc.KindNotFound, "no payroll result for %d-%02d", year, month)
		}
		return nil, classifyPgErr(err)
	}
	return pr, nil
}

// ListPayrollResults reads results for a company, optionally narrowed to one
// employee and/or one year.
func (s *Store) ListPayrollResults(ctx context.Context, companyID uuid.UUID, employeeID *uuid.UUID, year *int) ([]*PayrollResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + payrollColumns + `
		 FROM payroll_results p JOIN employees e ON e.id = p.employee_id
		 WHERE e.company_id = $1`
	args := []interface{}{companyID.String()}
	if employeeID != nil {
		args = append(args, employeeID.String())
		query += fmt.Sprintf(" AND p.employee_id = $%d", len(args))
	}
	if year != nil {
		args = append(args, *year)
		query += fmt.Sprintf(" AND p.period_year = $%d", len(args))
	}
	query += ` ORDER BY p.period_year DESC, p.period_month DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var out []*PayrollResult
	for rows.Next() {
		pr, err := scanPayroll(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Reference is one payroll reference entry (rates, ceilings, legal values)
// for a country and language.
type Reference struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

// ListReferences returns the payroll reference values for a country/language
// pair.
func (s *Store) ListReferences(ctx context.Context, countryCode, lang string) ([]*Reference, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT key, label, value, COALESCE(category, '')
		 FROM payroll_references
		 WHERE country_code = $1 AND lang = $2
		 ORDER BY category, key`,
		countryCode, lang)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	var out []*Reference
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.Key, &ref.Label, &ref.Value, &ref.Category); err != nil {
			return nil, classifyPgErr(err)
		}
		out = append(out, &ref)
	}
	return out, rows.Err()
}

// dateArg binds an optional date as NULL when absent.
func dateArg(d *Date) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

// classifyPgErr maps Postgres failures onto the taxonomy. Constraint
// violations surface as Conflict so the frontend can treat them as terminal.
func classifyPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514":
			return rpc.Errorf(rpc.KindConflict, "constraint violation: %s", pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpc.Errorf(rpc.KindTimeout, "database command exceeded its budget")
	}
	slog.Warn("[HR] Database error", "error", err)
	return rpc.Errorf(rpc.KindTransport, "database: %v", err)
}
