package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type DocType string

const (
	DocTypeInvoice    DocType = "INVOICE"
	DocTypeCreditNote DocType = "CREDIT_NOTE"
	DocTypeReceipt    DocType = "RECEIPT"
	DocTypeOther      DocType = "OTHER"
)

type ViolationSeverity string

const (
	SeverityCritical ViolationSeverity = "CRITICAL"
	SeverityError    ViolationSeverity = "ERROR"
	SeverityWarning  ViolationSeverity = "WARNING"
)

// IsBlocking reports whether a finding of this severity blocks posting.
func (s ViolationSeverity) IsBlocking() bool {
	return s == SeverityCritical || s == SeverityError
}

type PolicyViolation struct {
	Rule     string            `json:"rule"`
	Severity ViolationSeverity `json:"severity"`
	Message  string            `json:"message"`
}

type ClassificationLine struct {
	Description         string          `json:"description"`
	NetAmount           decimal.Decimal `json:"net_amount"`
	VatAmount           decimal.Decimal `json:"vat_amount"`
	SuggestedAccount    string          `json:"suggested_account"`
	SuggestedCostCenter string          `json:"suggested_cost_center"`
}

// Classification is the immutable output of the upstream document
// classification process. The posting pipeline never mutates it.
type Classification struct {
	DocType          DocType              `json:"doc_type"`
	SupplierName     string               `json:"supplier_name"`
	InvoiceNumber    string               `json:"invoice_number"`
	InvoiceDate      time.Time            `json:"invoice_date"`
	DueDate          time.Time            `json:"due_date"`
	Currency         string               `json:"currency"`
	TotalAmount      decimal.Decimal      `json:"total_amount"`
	VatAmount        decimal.Decimal      `json:"vat_amount"`
	Lines            []ClassificationLine `json:"lines"`
	PolicyViolations []PolicyViolation    `json:"policy_violations"`
	OriginalCurrency string               `json:"original_currency"`
}

// RequestHash fingerprints the classification content. The hash must be stable
// across attempts for the same document: a mismatch against a running or
// completed claim means the underlying document changed and posting must stop
// for human adjudication instead of silently overwriting.
func (c Classification) RequestHash() string {
	// json.Marshal emits struct fields in declaration order, so the encoding
	// is canonical for a given Classification value.
	b, err := json.Marshal(c)
	if err != nil {
		// Classification is a plain data struct; Marshal cannot fail on it.
		// Guard anyway so a future field change cannot take the pipeline down.
		b = []byte(c.InvoiceNumber + "|" + c.SupplierName)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
