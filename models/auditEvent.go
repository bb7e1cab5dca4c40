package models

import "time"

type AuditEventType string

const (
	AuditEventGuardFailed      AuditEventType = "GuardFailed"
	AuditEventPolicyBlocked    AuditEventType = "PolicyBlocked"
	AuditEventPostingStarted   AuditEventType = "PostingStarted"
	AuditEventPostingSucceeded AuditEventType = "PostingSucceeded"
	AuditEventPostingFailed    AuditEventType = "PostingFailed"
	AuditEventClaimConflict    AuditEventType = "ClaimConflict"
	AuditEventDeadLettered     AuditEventType = "DeadLettered"
)

// AuditEvent is append-only. Rows are never updated or deleted; together they
// are the system of record for "why did this document fail".
type AuditEvent struct {
	ID        string         `gorm:"primary_key;size:36" json:"id"`
	CompanyId string         `gorm:"size:64;not null;index:idx_audit_job" json:"company_id"`
	JobId     int            `gorm:"not null;index:idx_audit_job" json:"job_id"`
	EventType AuditEventType `gorm:"size:40;not null" json:"event_type"`
	Rule      string         `gorm:"size:100;default:null" json:"rule"`
	Detail    string         `gorm:"type:text" json:"detail"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index:idx_audit_job" json:"created_at"`
}
