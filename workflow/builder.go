package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/shopspring/decimal"
)

// BalanceTolerance absorbs currency minor-unit rounding when comparing row
// sums against document totals and debits against credits.
var BalanceTolerance = decimal.New(1, -2) // 0.01

type SupplierInvoiceRow struct {
	Account    string          `json:"account"`
	Debit      decimal.Decimal `json:"debit"`
	CostCenter string          `json:"cost_center,omitempty"`
}

// SupplierInvoicePayload is the invoice-form ledger document. Transient: it
// is rebuilt from the classification on every attempt and never persisted.
type SupplierInvoicePayload struct {
	SupplierId    string               `json:"supplier_id"`
	SupplierName  string               `json:"supplier_name"`
	InvoiceNumber string               `json:"invoice_number"`
	InvoiceDate   time.Time            `json:"invoice_date"`
	DueDate       time.Time            `json:"due_date"`
	Currency      string               `json:"currency"`
	Total         decimal.Decimal      `json:"total"`
	Vat           decimal.Decimal      `json:"vat"`
	Rows          []SupplierInvoiceRow `json:"rows"`
	// Reference carries the originating job id into the external system so a
	// human can reconcile the ledger entity back to the source document. It
	// doubles as the gateway idempotency key.
	Reference string `json:"reference"`
}

// Validate enforces the invoice balance invariant: row sum equals the
// document total within tolerance.
func (p *SupplierInvoicePayload) Validate() error {
	sum := decimal.Zero
	for _, row := range p.Rows {
		sum = sum.Add(row.Debit)
	}
	if sum.Sub(p.Total).Abs().GreaterThan(BalanceTolerance) {
		return NewValidationError("invoice-balance",
			fmt.Sprintf("invoice rows sum to %s but document total is %s", sum, p.Total))
	}
	return nil
}

type VoucherRow struct {
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// VoucherPayload is the voucher-form ledger document: explicit double-entry
// rows. Transient, like SupplierInvoicePayload.
type VoucherPayload struct {
	Series      string       `json:"series"`
	Date        time.Time    `json:"date"`
	Description string       `json:"description"`
	Rows        []VoucherRow `json:"rows"`
	Reference   string       `json:"reference"`
}

// Validate enforces the double-entry invariant: debits equal credits within
// tolerance.
func (p *VoucherPayload) Validate() error {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, row := range p.Rows {
		debit = debit.Add(row.Debit)
		credit = credit.Add(row.Credit)
	}
	if debit.Sub(credit).Abs().GreaterThan(BalanceTolerance) {
		return NewValidationError("voucher-balance",
			fmt.Sprintf("voucher debits %s do not equal credits %s", debit, credit))
	}
	return nil
}

type DocumentForm string

const (
	FormSupplierInvoice DocumentForm = "supplier_invoice"
	FormVoucher         DocumentForm = "voucher"
)

// PostingStrategy makes the invoice-vs-voucher decision explicit instead of
// burying it in builder conditionals.
type PostingStrategy struct {
	Form            DocumentForm
	VoucherFallback bool
}

// SelectPostingStrategy maps a document type to its posting strategy:
// invoices post as supplier invoices with no fallback, credit notes fall back
// to a reversal voucher when the invoice form cannot balance, receipts post
// as vouchers directly.
func SelectPostingStrategy(docType models.DocType) (PostingStrategy, error) {
	switch docType {
	case models.DocTypeInvoice:
		return PostingStrategy{Form: FormSupplierInvoice}, nil
	case models.DocTypeCreditNote:
		return PostingStrategy{Form: FormSupplierInvoice, VoucherFallback: true}, nil
	case models.DocTypeReceipt:
		return PostingStrategy{Form: FormVoucher}, nil
	default:
		return PostingStrategy{}, NewValidationError("doc-type",
			fmt.Sprintf("document type %s cannot be posted automatically", docType))
	}
}

// BuildResult carries exactly one payload variant.
type BuildResult struct {
	Invoice *SupplierInvoicePayload
	Voucher *VoucherPayload
}

// BuildLedgerDocument maps a guard-passed classification to a balanced ledger
// payload. It is deterministic and side-effect free, and re-executed on every
// attempt; payloads are never cached.
func BuildLedgerDocument(job *models.AccountingJob, ref *models.ReferenceSnapshot, strategy PostingStrategy) (*BuildResult, error) {
	cls := &job.Classification

	switch strategy.Form {
	case FormVoucher:
		voucher, err := buildReceiptVoucher(job, cls, ref)
		if err != nil {
			return nil, err
		}
		return &BuildResult{Voucher: voucher}, nil

	case FormSupplierInvoice:
		invoice, err := buildSupplierInvoice(job, cls, ref)
		if err == nil {
			return &BuildResult{Invoice: invoice}, nil
		}
		var ve *ValidationError
		if strategy.VoucherFallback && errors.As(err, &ve) && ve.Rule == "invoice-balance" {
			voucher, ferr := buildCreditNoteVoucher(job, cls, ref)
			if ferr != nil {
				return nil, ferr
			}
			return &BuildResult{Voucher: voucher}, nil
		}
		return nil, err
	}
	return nil, NewValidationError("posting-strategy", fmt.Sprintf("unknown document form %q", strategy.Form))
}

func buildSupplierInvoice(job *models.AccountingJob, cls *models.Classification, ref *models.ReferenceSnapshot) (*SupplierInvoicePayload, error) {
	payload := &SupplierInvoicePayload{
		SupplierName:  cls.SupplierName,
		InvoiceNumber: cls.InvoiceNumber,
		InvoiceDate:   cls.InvoiceDate,
		DueDate:       cls.DueDate,
		Currency:      cls.Currency,
		Total:         cls.TotalAmount,
		Vat:           cls.VatAmount,
		Reference:     jobReference(job),
	}

	for _, line := range cls.Lines {
		account, err := expenseAccountFor(line, ref)
		if err != nil {
			return nil, err
		}
		row := SupplierInvoiceRow{Account: account, Debit: line.NetAmount}
		// Unknown cost centers are dropped rather than failing the posting.
		if line.SuggestedCostCenter != "" && ref.HasCostCenter(line.SuggestedCostCenter) {
			row.CostCenter = line.SuggestedCostCenter
		}
		payload.Rows = append(payload.Rows, row)
	}

	if !cls.VatAmount.IsZero() {
		vatAccount := ref.SystemAccount(models.SystemAccountInputVat)
		if vatAccount == "" {
			return nil, NewValidationError("system-accounts", "no input-VAT account mapped for company")
		}
		payload.Rows = append(payload.Rows, SupplierInvoiceRow{Account: vatAccount, Debit: cls.VatAmount})
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// buildCreditNoteVoucher books a credit-note reversal: debit the
// supplier-liability account for the total, credit each original expense
// account for its line amount, credit the input-VAT account for the VAT.
// A residual inside the document (lines + VAT != total) is booked against the
// default expense account so the voucher always balances.
func buildCreditNoteVoucher(job *models.AccountingJob, cls *models.Classification, ref *models.ReferenceSnapshot) (*VoucherPayload, error) {
	liability := ref.SystemAccount(models.SystemAccountSupplierLiability)
	if liability == "" {
		return nil, NewValidationError("system-accounts", "no supplier-liability account mapped for company")
	}

	voucher := &VoucherPayload{
		Series:      voucherSeriesFor(ref),
		Date:        cls.InvoiceDate,
		Description: fmt.Sprintf("Credit note %s %s", cls.InvoiceNumber, cls.SupplierName),
		Reference:   jobReference(job),
	}
	voucher.Rows = append(voucher.Rows, VoucherRow{Account: liability, Debit: cls.TotalAmount, Credit: decimal.Zero})

	credited := decimal.Zero
	for _, line := range cls.Lines {
		account, err := expenseAccountFor(line, ref)
		if err != nil {
			return nil, err
		}
		voucher.Rows = append(voucher.Rows, VoucherRow{Account: account, Debit: decimal.Zero, Credit: line.NetAmount})
		credited = credited.Add(line.NetAmount)
	}
	if !cls.VatAmount.IsZero() {
		vatAccount := ref.SystemAccount(models.SystemAccountInputVat)
		if vatAccount == "" {
			return nil, NewValidationError("system-accounts", "no input-VAT account mapped for company")
		}
		voucher.Rows = append(voucher.Rows, VoucherRow{Account: vatAccount, Debit: decimal.Zero, Credit: cls.VatAmount})
		credited = credited.Add(cls.VatAmount)
	}

	residual := cls.TotalAmount.Sub(credited)
	if residual.Abs().GreaterThan(BalanceTolerance) {
		fallback := ref.SystemAccount(models.SystemAccountDefaultExpense)
		if fallback == "" {
			return nil, NewValidationError("system-accounts", "no default expense account mapped for company")
		}
		if residual.IsPositive() {
			voucher.Rows = append(voucher.Rows, VoucherRow{Account: fallback, Debit: decimal.Zero, Credit: residual})
		} else {
			voucher.Rows = append(voucher.Rows, VoucherRow{Account: fallback, Debit: residual.Neg(), Credit: decimal.Zero})
		}
	}

	if err := voucher.Validate(); err != nil {
		return nil, err
	}
	return voucher, nil
}

// buildReceiptVoucher books a paid receipt: debit each expense line and the
// input VAT, credit the settlement account for the total.
func buildReceiptVoucher(job *models.AccountingJob, cls *models.Classification, ref *models.ReferenceSnapshot) (*VoucherPayload, error) {
	settlement := ref.SystemAccount(models.SystemAccountSettlement)
	if settlement == "" {
		return nil, NewValidationError("system-accounts", "no settlement account mapped for company")
	}

	voucher := &VoucherPayload{
		Series:      voucherSeriesFor(ref),
		Date:        cls.InvoiceDate,
		Description: fmt.Sprintf("Receipt %s", cls.SupplierName),
		Reference:   jobReference(job),
	}

	debited := decimal.Zero
	for _, line := range cls.Lines {
		account, err := expenseAccountFor(line, ref)
		if err != nil {
			return nil, err
		}
		voucher.Rows = append(voucher.Rows, VoucherRow{Account: account, Debit: line.NetAmount, Credit: decimal.Zero})
		debited = debited.Add(line.NetAmount)
	}
	if !cls.VatAmount.IsZero() {
		vatAccount := ref.SystemAccount(models.SystemAccountInputVat)
		if vatAccount == "" {
			return nil, NewValidationError("system-accounts", "no input-VAT account mapped for company")
		}
		voucher.Rows = append(voucher.Rows, VoucherRow{Account: vatAccount, Debit: cls.VatAmount, Credit: decimal.Zero})
		debited = debited.Add(cls.VatAmount)
	}
	voucher.Rows = append(voucher.Rows, VoucherRow{Account: settlement, Debit: decimal.Zero, Credit: debited})

	if err := voucher.Validate(); err != nil {
		return nil, err
	}
	return voucher, nil
}

// expenseAccountFor picks the line's suggested account when the cached chart
// of accounts knows it, else the company default expense account.
func expenseAccountFor(line models.ClassificationLine, ref *models.ReferenceSnapshot) (string, error) {
	if line.SuggestedAccount != "" && ref.HasAccount(line.SuggestedAccount) {
		return line.SuggestedAccount, nil
	}
	fallback := ref.SystemAccount(models.SystemAccountDefaultExpense)
	if fallback == "" {
		return "", NewValidationError("system-accounts", "no default expense account mapped for company")
	}
	return fallback, nil
}

func voucherSeriesFor(ref *models.ReferenceSnapshot) string {
	if len(ref.VoucherSeries) > 0 {
		return ref.VoucherSeries[0].Code
	}
	return "A"
}

func jobReference(job *models.AccountingJob) string {
	return fmt.Sprintf("job:%d", job.ID)
}
