// Package hr is the PostgreSQL data layer for the one write-enabled data
// family this system owns: companies, employees, contracts, clusters and
// payroll results.
package hr

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the only accepted wire format for dates.
const DateLayout = "2006-01-02"

// Date is a calendar date (no time component). It binds to Postgres DATE
// columns and serializes as YYYY-MM-DD on the wire, so a valid input string
// round-trips byte-for-byte.
type Date struct {
	time.Time
}

// ParseDate coerces a YYYY-MM-DD string into a Date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(DateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan implements sql.Scanner so pgx can hydrate DATE columns.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		d.Time = v
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

// Value implements driver.Valuer; dates bind as time.Time.
func (d Date) Value() (driver.Value, error) {
	return d.Time, nil
}

// Company is created on first HR access for a mandate and never deleted.
type Company struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	MandatePath string    `json:"mandate_path"`
	Name        string    `json:"name"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Region      string    `json:"region"`
	RegionCode  string    `json:"region_code"`
}

// Employee rows are soft-deleted only: is_active=false, never removed.
type Employee struct {
	ID          uuid.UUID `json:"id"`
	CompanyID   uuid.UUID `json:"company_id"`
	Identifier  string    `json:"identifier"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	BirthDate   *Date     `json:"birth_date,omitempty"`
	ClusterCode string    `json:"cluster_code,omitempty"`
	HireDate    *Date     `json:"hire_date,omitempty"`
	IsActive    bool      `json:"is_active"`
}

// Contract is one employment contract. An employee may hold several; at most
// one is active at a given date.
type Contract struct {
	ID           uuid.UUID `json:"id"`
	EmployeeID   uuid.UUID `json:"employee_id"`
	ContractType string    `json:"contract_type"`
	StartDate    Date      `json:"start_date"`
	EndDate      *Date     `json:"end_date,omitempty"`
	BaseSalary   float64   `json:"base_salary"`
	Currency     string    `json:"currency"`
	WorkRate     float64   `json:"work_rate"`
	WeeklyHours  float64   `json:"weekly_hours"`
	IsActive     bool      `json:"is_active"`
}

// Cluster is the industry / collective-agreement reference code steering
// payroll rules.
type Cluster struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	Description string `json:"description,omitempty"`
}

// PayrollResult rows are written by the Jobber; this system only reads them.
type PayrollResult struct {
	ID           uuid.UUID              `json:"id"`
	EmployeeID   uuid.UUID              `json:"employee_id"`
	PeriodYear   int                    `json:"period_year"`
	PeriodMonth  int                    `json:"period_month"`
	GrossSalary  float64                `json:"gross_salary"`
	NetSalary    float64                `json:"net_salary"`
	EmployerCost float64                `json:"employer_cost"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
