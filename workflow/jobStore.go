package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("accounting job not found")

// JobStore is the slice of the job lifecycle the pipeline is allowed to
// touch: reading a job and flipping its status plus result identifiers.
type JobStore interface {
	Get(ctx context.Context, companyId string, jobId int) (*models.AccountingJob, error)
	// MarkSent records the created ledger entity. Called only after the
	// gateway returned a result id and the claim reached completed.
	MarkSent(ctx context.Context, companyId string, jobId int, invoiceId, voucherId string) error
	// MarkError flips the job into the remediation queue.
	MarkError(ctx context.Context, companyId string, jobId int) error
}

type GormJobStore struct {
	DB *gorm.DB
}

func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{DB: db}
}

func (s *GormJobStore) Get(ctx context.Context, companyId string, jobId int) (*models.AccountingJob, error) {
	var job models.AccountingJob
	err := s.DB.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyId, jobId).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *GormJobStore) MarkSent(ctx context.Context, companyId string, jobId int, invoiceId, voucherId string) error {
	updates := map[string]interface{}{
		"status": models.AccountingJobStatusSent,
	}
	if invoiceId != "" {
		updates["invoice_id"] = invoiceId
	}
	if voucherId != "" {
		updates["voucher_id"] = voucherId
	}
	return s.DB.WithContext(ctx).Model(&models.AccountingJob{}).
		Where("company_id = ? AND id = ?", companyId, jobId).
		Updates(updates).Error
}

func (s *GormJobStore) MarkError(ctx context.Context, companyId string, jobId int) error {
	return s.DB.WithContext(ctx).Model(&models.AccountingJob{}).
		Where("company_id = ? AND id = ? AND status <> ?", companyId, jobId, models.AccountingJobStatusSent).
		Update("status", models.AccountingJobStatusError).Error
}

// MemoryJobStore backs tests and local runs.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[int]*models.AccountingJob
}

func NewMemoryJobStore(jobs ...*models.AccountingJob) *MemoryJobStore {
	s := &MemoryJobStore{jobs: map[int]*models.AccountingJob{}}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s
}

func (s *MemoryJobStore) Get(ctx context.Context, companyId string, jobId int) (*models.AccountingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobId]
	if !ok || job.CompanyId != companyId {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryJobStore) MarkSent(ctx context.Context, companyId string, jobId int, invoiceId, voucherId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobId]
	if !ok || job.CompanyId != companyId {
		return ErrJobNotFound
	}
	job.Status = models.AccountingJobStatusSent
	if invoiceId != "" {
		job.InvoiceId = &invoiceId
	}
	if voucherId != "" {
		job.VoucherId = &voucherId
	}
	return nil
}

func (s *MemoryJobStore) MarkError(ctx context.Context, companyId string, jobId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobId]
	if !ok || job.CompanyId != companyId {
		return ErrJobNotFound
	}
	if job.Status != models.AccountingJobStatusSent {
		job.Status = models.AccountingJobStatusError
	}
	return nil
}
