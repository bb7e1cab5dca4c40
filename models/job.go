package models

import (
	"time"
)

type AccountingJobStatus string

const (
	AccountingJobStatusReady AccountingJobStatus = "ready"
	AccountingJobStatusSent  AccountingJobStatus = "sent"
	AccountingJobStatusError AccountingJobStatus = "error"
)

// AccountingJob is the document lifecycle aggregate. The posting pipeline
// mutates only Status and the result identifiers; everything else is owned by
// the upstream document intake.
type AccountingJob struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	CompanyId      string              `gorm:"size:64;index;not null" json:"company_id" binding:"required"`
	Classification Classification      `gorm:"serializer:json;type:json;not null" json:"classification"`
	Status         AccountingJobStatus `gorm:"size:20;not null;index" json:"status"`
	InvoiceId      *string             `gorm:"size:64;default:null" json:"invoice_id"`
	VoucherId      *string             `gorm:"size:64;default:null" json:"voucher_id"`
	SourceFilename string              `gorm:"size:255;default:null" json:"source_filename"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResultId returns whichever external identifier the posting produced.
func (j *AccountingJob) ResultId() string {
	if j.InvoiceId != nil && *j.InvoiceId != "" {
		return *j.InvoiceId
	}
	if j.VoucherId != nil {
		return *j.VoucherId
	}
	return ""
}
