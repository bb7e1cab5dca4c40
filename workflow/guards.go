package workflow

import (
	"fmt"

	"github.com/AIFMgroup/AIFM-sub013/models"
)

// ValidationFinding is one result from the deterministic line validator.
type ValidationFinding struct {
	Rule     string
	Severity models.ViolationSeverity
	Message  string
}

// LineValidator runs deterministic line-level checks on a classification.
// Implemented by the upstream validation service; a reference implementation
// lives in lineValidator.go.
type LineValidator interface {
	Validate(cls *models.Classification) []ValidationFinding
}

// PolicyEvaluation is the structured outcome of a per-company accounting
// policy run.
type PolicyEvaluation struct {
	Reject     bool
	Violations []models.PolicyViolation
}

// PolicyEvaluator applies company accounting policy to a classification.
type PolicyEvaluator interface {
	Evaluate(companyId string, cls *models.Classification) PolicyEvaluation
}

// Guard is a preflight check. Guards run in order and short-circuit: the
// first failure dead-letters the claim before any gateway call.
type Guard struct {
	Name  string
	Check func(cls *models.Classification, ref *models.ReferenceSnapshot) error
}

// DefaultGuards returns the preflight chain in its required order:
// period-writable, fiscal-year membership, currency normalization, required
// fields, line validation, policy evaluation.
func DefaultGuards(companyId string, lines LineValidator, policy PolicyEvaluator) []Guard {
	return []Guard{
		{
			Name: "period-writable",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				if !ref.PeriodWritable(cls.InvoiceDate) {
					return NewPeriodError("period-writable",
						fmt.Sprintf("document date %s falls in a locked period (locked through %s)",
							cls.InvoiceDate.Format("2006-01-02"), ref.PeriodLockedThrough.Format("2006-01-02")))
				}
				return nil
			},
		},
		{
			Name: "fiscal-year",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				if len(ref.FiscalYears) == 0 {
					// No calendar cached; the external system will be the judge.
					return nil
				}
				if _, ok := ref.FiscalYearFor(cls.InvoiceDate); !ok {
					return NewPeriodError("fiscal-year",
						fmt.Sprintf("document date %s is outside every known financial year",
							cls.InvoiceDate.Format("2006-01-02")))
				}
				return nil
			},
		},
		{
			Name: "currency",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				if ref.BaseCurrency != "" && cls.Currency != ref.BaseCurrency {
					return NewValidationError("currency",
						fmt.Sprintf("document currency %s is not the company base currency %s; conversion is an upstream responsibility",
							cls.Currency, ref.BaseCurrency))
				}
				return nil
			},
		},
		{
			Name: "required-fields",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				if cls.DocType == models.DocTypeInvoice || cls.DocType == models.DocTypeCreditNote {
					if cls.InvoiceNumber == "" {
						return NewValidationError("required-fields", "invoice number is required for invoices and credit notes")
					}
				}
				return nil
			},
		},
		{
			Name: "line-validation",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				for _, finding := range lines.Validate(cls) {
					if finding.Severity.IsBlocking() {
						return NewValidationError(finding.Rule, finding.Message)
					}
				}
				return nil
			},
		},
		{
			Name: "policy",
			Check: func(cls *models.Classification, ref *models.ReferenceSnapshot) error {
				eval := policy.Evaluate(companyId, cls)
				if eval.Reject {
					return &PolicyBlockedError{Rule: "policy", Message: "accounting policy rejected the document"}
				}
				for _, v := range eval.Violations {
					if v.Severity.IsBlocking() {
						return &PolicyBlockedError{Rule: v.Rule, Message: v.Message}
					}
				}
				return nil
			},
		},
	}
}

// RunGuards executes the chain and returns the first failure with the name of
// the guard that raised it.
func RunGuards(guards []Guard, cls *models.Classification, ref *models.ReferenceSnapshot) (string, error) {
	for _, g := range guards {
		if err := g.Check(cls, ref); err != nil {
			return g.Name, err
		}
	}
	return "", nil
}
