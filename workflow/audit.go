package workflow

import (
	"context"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditSink appends posting lifecycle events. Append-only by contract:
// implementations never update or delete.
type AuditSink interface {
	Append(ctx context.Context, event models.AuditEvent) error
	Events(ctx context.Context, companyId string, jobId int) ([]models.AuditEvent, error)
}

// AuditRecorder writes the audit trail and mirrors every event to the
// structured log. A failed audit write must not fail the posting itself, so
// Record logs and swallows sink errors.
type AuditRecorder struct {
	Sink   AuditSink
	Logger *logrus.Logger
}

func NewAuditRecorder(sink AuditSink, logger *logrus.Logger) *AuditRecorder {
	return &AuditRecorder{Sink: sink, Logger: logger}
}

func (r *AuditRecorder) Record(ctx context.Context, companyId string, jobId int, eventType models.AuditEventType, rule, detail string) {
	event := models.AuditEvent{
		ID:        uuid.NewString(),
		CompanyId: companyId,
		JobId:     jobId,
		EventType: eventType,
		Rule:      rule,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Sink.Append(ctx, event); err != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module":     "AuditRecorder",
			"company_id": companyId,
			"job_id":     jobId,
			"event_type": eventType,
		}).Error("failed to append audit event: " + err.Error())
	}
	if r.Logger != nil {
		fields := logrus.Fields{
			"module":     "AuditRecorder",
			"company_id": companyId,
			"job_id":     jobId,
			"event_type": eventType,
		}
		if rule != "" {
			fields["rule"] = rule
		}
		entry := r.Logger.WithFields(fields)
		switch eventType {
		case models.AuditEventGuardFailed, models.AuditEventPolicyBlocked,
			models.AuditEventPostingFailed, models.AuditEventClaimConflict,
			models.AuditEventDeadLettered:
			entry.Warn(detail)
		default:
			entry.Info(detail)
		}
	}
}

func (r *AuditRecorder) Events(ctx context.Context, companyId string, jobId int) ([]models.AuditEvent, error) {
	return r.Sink.Events(ctx, companyId, jobId)
}

// GormAuditSink persists audit events in MySQL.
type GormAuditSink struct {
	DB *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{DB: db}
}

func (s *GormAuditSink) Append(ctx context.Context, event models.AuditEvent) error {
	return s.DB.WithContext(ctx).Create(&event).Error
}

func (s *GormAuditSink) Events(ctx context.Context, companyId string, jobId int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.DB.WithContext(ctx).
		Where("company_id = ? AND job_id = ?", companyId, jobId).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
