package workflow

import (
	"fmt"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/shopspring/decimal"
)

// DeterministicLineValidator is the in-process line validator. It only runs
// checks that are pure functions of the classification, so the same document
// always produces the same findings.
type DeterministicLineValidator struct{}

func (DeterministicLineValidator) Validate(cls *models.Classification) []ValidationFinding {
	var findings []ValidationFinding

	if len(cls.Lines) == 0 {
		findings = append(findings, ValidationFinding{
			Rule:     "lines-present",
			Severity: models.SeverityError,
			Message:  "document has no line items",
		})
		return findings
	}

	lineSum := decimal.Zero
	for i, line := range cls.Lines {
		if line.NetAmount.IsNegative() && cls.DocType == models.DocTypeInvoice {
			findings = append(findings, ValidationFinding{
				Rule:     "line-negative-net",
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("line %d has a negative net amount on an invoice", i+1),
			})
		}
		if line.VatAmount.GreaterThan(line.NetAmount.Abs()) {
			findings = append(findings, ValidationFinding{
				Rule:     "line-vat-exceeds-net",
				Severity: models.SeverityWarning,
				Message:  fmt.Sprintf("line %d VAT exceeds its net amount", i+1),
			})
		}
		lineSum = lineSum.Add(line.NetAmount)
	}

	if cls.TotalAmount.IsZero() {
		findings = append(findings, ValidationFinding{
			Rule:     "zero-total",
			Severity: models.SeverityCritical,
			Message:  "document total is zero",
		})
	}
	if lineSum.Add(cls.VatAmount).Sub(cls.TotalAmount).Abs().GreaterThan(decimal.NewFromInt(1)) {
		// A gap of more than a whole currency unit points at a misread, not
		// a rounding artifact. The builder tolerance handles the latter.
		findings = append(findings, ValidationFinding{
			Rule:     "lines-vs-total",
			Severity: models.SeverityWarning,
			Message: fmt.Sprintf("line net sum %s + VAT %s differs from total %s by more than 1.00",
				lineSum, cls.VatAmount, cls.TotalAmount),
		})
	}

	return findings
}

// CompanyPolicyEvaluator applies the per-company accounting policy. The
// upstream classifier already attaches its policy findings to the
// classification; this evaluator surfaces them plus company reject rules.
type CompanyPolicyEvaluator struct {
	// RejectSuppliers lists supplier names a company refuses to auto-post,
	// keyed by company id.
	RejectSuppliers map[string][]string
}

func (e CompanyPolicyEvaluator) Evaluate(companyId string, cls *models.Classification) PolicyEvaluation {
	eval := PolicyEvaluation{Violations: cls.PolicyViolations}
	for _, name := range e.RejectSuppliers[companyId] {
		if name == cls.SupplierName {
			eval.Reject = true
			break
		}
	}
	return eval
}
