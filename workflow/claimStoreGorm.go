package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// GormClaimStore persists posting claims in MySQL. The insert-if-absent is a
// plain INSERT arbitrated by the unique (company_id, job_id) key; the
// compare-and-swap is a conditional UPDATE checked via RowsAffected.
type GormClaimStore struct {
	DB *gorm.DB
}

func NewGormClaimStore(db *gorm.DB) *GormClaimStore {
	return &GormClaimStore{DB: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *GormClaimStore) Insert(ctx context.Context, claim *models.PostingClaim) (bool, error) {
	err := s.DB.WithContext(ctx).Create(claim).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyErr(err) {
		return false, nil
	}
	return false, err
}

func (s *GormClaimStore) Get(ctx context.Context, companyId string, jobId int) (*models.PostingClaim, error) {
	var claim models.PostingClaim
	err := s.DB.WithContext(ctx).
		Where("company_id = ? AND job_id = ?", companyId, jobId).
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &claim, nil
}

func (s *GormClaimStore) CompareAndSwap(ctx context.Context, companyId string, jobId int, guard ClaimGuard, set ClaimMutation) (bool, error) {
	updates := map[string]interface{}{
		"state":               set.State,
		"result_id":           set.ResultId,
		"last_error":          set.LastError,
		"last_error_category": set.LastErrCat,
		"next_retry_at":       set.NextRetryAt,
		"claimed_at":          set.ClaimedAt,
	}
	if set.Attempts != nil {
		updates["attempts"] = *set.Attempts
	}

	q := s.DB.WithContext(ctx).Model(&models.PostingClaim{}).
		Where("company_id = ? AND job_id = ?", companyId, jobId).
		Where("state IN ?", guard.States)
	if guard.RequestHash != "" {
		q = q.Where("request_hash = ?", guard.RequestHash)
	}
	if guard.StaleBefore != nil {
		q = q.Where("updated_at <= ?", *guard.StaleBefore)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormClaimStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.PostingClaim, error) {
	var claims []models.PostingClaim
	err := s.DB.WithContext(ctx).
		Where("state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.ClaimStateWaitRetry, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&claims).Error
	return claims, err
}

func (s *GormClaimStore) DeadLetters(ctx context.Context, companyId string, limit int) ([]models.PostingClaim, error) {
	var claims []models.PostingClaim
	q := s.DB.WithContext(ctx).Where("state = ?", models.ClaimStateDeadLetter)
	if companyId != "" {
		q = q.Where("company_id = ?", companyId)
	}
	err := q.Order("updated_at DESC").Limit(limit).Find(&claims).Error
	return claims, err
}
