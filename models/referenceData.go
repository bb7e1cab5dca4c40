package models

import "time"

// SystemAccountCode names the well-known posting roles a company's chart of
// accounts must map to. The bootstrap process resolves them per company.
type SystemAccountCode string

const (
	SystemAccountDefaultExpense    SystemAccountCode = "DefaultExpense"
	SystemAccountInputVat          SystemAccountCode = "InputVat"
	SystemAccountSupplierLiability SystemAccountCode = "SupplierLiability"
	SystemAccountSettlement        SystemAccountCode = "Settlement"
)

type LedgerAccount struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

type CostCenter struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type VoucherSeries struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// FiscalYear mirrors the external ledger system's accounting calendar.
type FiscalYear struct {
	Id       string    `json:"id"`
	FromDate time.Time `json:"from_date"`
	ToDate   time.Time `json:"to_date"`
}

func (fy FiscalYear) Contains(date time.Time) bool {
	return !date.Before(fy.FromDate) && !date.After(fy.ToDate)
}

// ReferenceSnapshot is the per-company read-only view of the external ledger
// system's reference data. It is refreshed by an external bootstrap process;
// staleness here is tolerated and surfaced as an ordinary guard failure.
type ReferenceSnapshot struct {
	CompanyId           string                       `json:"company_id"`
	BaseCurrency        string                       `json:"base_currency"`
	Accounts            []LedgerAccount              `json:"accounts"`
	CostCenters         []CostCenter                 `json:"cost_centers"`
	VoucherSeries       []VoucherSeries              `json:"voucher_series"`
	FiscalYears         []FiscalYear                 `json:"fiscal_years"`
	PeriodLockedThrough time.Time                    `json:"period_locked_through"`
	SystemAccounts      map[SystemAccountCode]string `json:"system_accounts"`
	FetchedAt           time.Time                    `json:"fetched_at"`
}

func (s *ReferenceSnapshot) HasAccount(code string) bool {
	for _, a := range s.Accounts {
		if a.Code == code && a.Active {
			return true
		}
	}
	return false
}

func (s *ReferenceSnapshot) HasCostCenter(code string) bool {
	for _, c := range s.CostCenters {
		if c.Code == code {
			return true
		}
	}
	return false
}

// FiscalYearFor returns the cached fiscal year covering date, if any.
func (s *ReferenceSnapshot) FiscalYearFor(date time.Time) (FiscalYear, bool) {
	for _, fy := range s.FiscalYears {
		if fy.Contains(date) {
			return fy, true
		}
	}
	return FiscalYear{}, false
}

// SystemAccount resolves a posting role to the company's account code.
func (s *ReferenceSnapshot) SystemAccount(code SystemAccountCode) string {
	if s.SystemAccounts == nil {
		return ""
	}
	return s.SystemAccounts[code]
}

// PeriodWritable reports whether a document dated at date may still be posted.
// Dates on or before the lock date belong to a closed period.
func (s *ReferenceSnapshot) PeriodWritable(date time.Time) bool {
	if s.PeriodLockedThrough.IsZero() {
		return true
	}
	return date.After(s.PeriodLockedThrough)
}
