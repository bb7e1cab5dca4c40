package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
)

// MemoryClaimStore keeps claims in process memory under a single mutex, which
// trivially gives the same atomic insert/conditional-update semantics as the
// MySQL store. Used in tests and for local single-instance runs.
type MemoryClaimStore struct {
	mu     sync.Mutex
	claims map[claimKey]*models.PostingClaim
	nextID int

	now func() time.Time
}

type claimKey struct {
	companyId string
	jobId     int
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		claims: map[claimKey]*models.PostingClaim{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryClaimStore) Insert(ctx context.Context, claim *models.PostingClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := claimKey{claim.CompanyId, claim.JobId}
	if _, exists := s.claims[key]; exists {
		return false, nil
	}
	s.nextID++
	now := s.now()
	stored := *claim
	stored.ID = s.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.claims[key] = &stored
	return true, nil
}

func (s *MemoryClaimStore) Get(ctx context.Context, companyId string, jobId int) (*models.PostingClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[claimKey{companyId, jobId}]
	if !ok {
		return nil, ErrClaimNotFound
	}
	copied := *claim
	return &copied, nil
}

func (s *MemoryClaimStore) CompareAndSwap(ctx context.Context, companyId string, jobId int, guard ClaimGuard, set ClaimMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[claimKey{companyId, jobId}]
	if !ok {
		return false, nil
	}
	stateOK := false
	for _, st := range guard.States {
		if claim.State == st {
			stateOK = true
			break
		}
	}
	if !stateOK {
		return false, nil
	}
	if guard.RequestHash != "" && claim.RequestHash != guard.RequestHash {
		return false, nil
	}
	if guard.StaleBefore != nil && claim.UpdatedAt.After(*guard.StaleBefore) {
		return false, nil
	}

	claim.State = set.State
	claim.ResultId = set.ResultId
	claim.LastError = set.LastError
	claim.LastErrorCategory = set.LastErrCat
	claim.NextRetryAt = set.NextRetryAt
	claim.ClaimedAt = set.ClaimedAt
	if set.Attempts != nil {
		claim.Attempts = *set.Attempts
	}
	claim.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryClaimStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.PostingClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.PostingClaim
	for _, claim := range s.claims {
		if claim.State == models.ClaimStateWaitRetry && claim.NextRetryAt != nil && !claim.NextRetryAt.After(now) {
			due = append(due, *claim)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryClaimStore) DeadLetters(ctx context.Context, companyId string, limit int) ([]models.PostingClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []models.PostingClaim
	for _, claim := range s.claims {
		if claim.State != models.ClaimStateDeadLetter {
			continue
		}
		if companyId != "" && claim.CompanyId != companyId {
			continue
		}
		dead = append(dead, *claim)
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.After(dead[j].UpdatedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}
