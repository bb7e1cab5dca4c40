package models

import "time"

type ClaimState string

const (
	ClaimStateIdle       ClaimState = "IDLE"
	ClaimStateRunning    ClaimState = "RUNNING"
	ClaimStateCompleted  ClaimState = "COMPLETED"
	ClaimStateWaitRetry  ClaimState = "WAIT_RETRY"
	ClaimStateDeadLetter ClaimState = "DEAD_LETTER"
)

// IsTerminal reports whether no further transition may leave this state.
func (s ClaimState) IsTerminal() bool {
	return s == ClaimStateCompleted || s == ClaimStateDeadLetter
}

// PostingClaim is the per-document attempt tracker. It is the only
// mutual-exclusion primitive in the pipeline: handlers on different instances
// race on the unique (company_id, job_id) row and on conditional state
// updates, never on in-process locks.
// Unique constraint: (company_id, job_id).
type PostingClaim struct {
	ID                int        `gorm:"primary_key" json:"id"`
	CompanyId         string     `gorm:"size:64;not null;index:uniq_posting_claim,unique" json:"company_id"`
	JobId             int        `gorm:"not null;index:uniq_posting_claim,unique" json:"job_id"`
	RequestHash       string     `gorm:"size:64;not null" json:"request_hash"`
	State             ClaimState `gorm:"size:20;not null;index" json:"state"`
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	ResultId          *string    `gorm:"size:64;default:null" json:"result_id"`
	LastError         *string    `gorm:"type:text" json:"last_error"`
	LastErrorCategory *string    `gorm:"size:20;default:null" json:"last_error_category"`
	NextRetryAt       *time.Time `gorm:"index" json:"next_retry_at"`
	ClaimedAt         *time.Time `json:"claimed_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
