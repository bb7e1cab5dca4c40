package workflow

import (
	"context"
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
)

// ClaimStatus is the outcome of a Claim call.
type ClaimStatus string

const (
	ClaimOutcomeClaimed          ClaimStatus = "claimed"
	ClaimOutcomeAlreadyCompleted ClaimStatus = "already_completed"
	ClaimOutcomeBlockedRunning   ClaimStatus = "blocked_running"
	ClaimOutcomeWaitRetry        ClaimStatus = "wait_retry"
	ClaimOutcomeBlockedConflict  ClaimStatus = "blocked_conflict"
	ClaimOutcomeDeadLetter       ClaimStatus = "dead_letter"
)

type ClaimResult struct {
	Status        ClaimStatus
	ResultId      string
	NextRetryAt   time.Time
	LastError     string
	ErrorCategory ErrorCategory
}

// ClaimMutation is the full target value written by a conditional update.
// Pointer fields other than Attempts write NULL when nil; a nil Attempts
// leaves the counter unchanged.
type ClaimMutation struct {
	State       models.ClaimState
	Attempts    *int
	ResultId    *string
	LastError   *string
	LastErrCat  *string
	NextRetryAt *time.Time
	ClaimedAt   *time.Time
}

// ClaimGuard is the compare side of the compare-and-swap: the update applies
// only while the claim is in one of States, carries RequestHash (when set),
// and, when StaleBefore is set, was last touched at or before it.
type ClaimGuard struct {
	States      []models.ClaimState
	RequestHash string
	StaleBefore *time.Time
}

// ClaimStore is the persistence contract for posting claims. Any store that
// can do an atomic insert-if-absent and an atomic conditional update
// qualifies; the pipeline never needs more than that.
type ClaimStore interface {
	// Insert creates the claim row; returns false without side effects when a
	// row for (companyId, jobId) already exists.
	Insert(ctx context.Context, claim *models.PostingClaim) (bool, error)
	Get(ctx context.Context, companyId string, jobId int) (*models.PostingClaim, error)
	// CompareAndSwap applies set iff guard holds. Returns false when the
	// guard did not match (someone else won the race).
	CompareAndSwap(ctx context.Context, companyId string, jobId int, guard ClaimGuard, set ClaimMutation) (bool, error)
	// DueRetries lists wait_retry claims whose backoff has elapsed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]models.PostingClaim, error)
	// DeadLetters lists dead_letter claims for the remediation inbox.
	DeadLetters(ctx context.Context, companyId string, limit int) ([]models.PostingClaim, error)
}

var ErrClaimNotFound = errors.New("posting claim not found")

// RetryPolicy bounds the retry loop. Backoff is base * 2^(attempt-1), capped.
type RetryPolicy struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	RunningLease time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  10,
		BaseBackoff:  5 * time.Second,
		MaxBackoff:   10 * time.Minute,
		RunningLease: 15 * time.Minute,
	}
}

// RetryPolicyFromEnv reads the retry knobs, falling back to defaults.
func RetryPolicyFromEnv() RetryPolicy {
	cfg := DefaultRetryPolicy()

	if v := os.Getenv("POSTING_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("POSTING_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POSTING_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POSTING_RUNNING_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RunningLease = time.Duration(n) * time.Second
		}
	}
	return cfg
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, exp))
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// ClaimLedger drives the posting-claim state machine on top of a ClaimStore.
// All mutual exclusion lives in the store's conditional writes.
type ClaimLedger struct {
	Store  ClaimStore
	Policy RetryPolicy

	now func() time.Time
}

func NewClaimLedger(store ClaimStore, policy RetryPolicy) *ClaimLedger {
	return &ClaimLedger{
		Store:  store,
		Policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Claim attempts to take exclusive posting rights for (companyId, jobId).
// Exactly one concurrent caller gets ClaimOutcomeClaimed; everyone else
// observes a terminal-for-now status without side effects.
func (l *ClaimLedger) Claim(ctx context.Context, companyId string, jobId int, requestHash string) (ClaimResult, error) {
	now := l.now()

	fresh := &models.PostingClaim{
		CompanyId:   companyId,
		JobId:       jobId,
		RequestHash: requestHash,
		State:       models.ClaimStateRunning,
		ClaimedAt:   &now,
	}
	created, err := l.Store.Insert(ctx, fresh)
	if err != nil {
		return ClaimResult{}, err
	}
	if created {
		return ClaimResult{Status: ClaimOutcomeClaimed}, nil
	}

	existing, err := l.Store.Get(ctx, companyId, jobId)
	if err != nil {
		return ClaimResult{}, err
	}

	switch existing.State {
	case models.ClaimStateCompleted:
		if existing.RequestHash != requestHash {
			return ClaimResult{Status: ClaimOutcomeBlockedConflict}, nil
		}
		return ClaimResult{Status: ClaimOutcomeAlreadyCompleted, ResultId: deref(existing.ResultId)}, nil

	case models.ClaimStateDeadLetter:
		return ClaimResult{
			Status:        ClaimOutcomeDeadLetter,
			LastError:     deref(existing.LastError),
			ErrorCategory: categoryOf(existing),
		}, nil

	case models.ClaimStateRunning:
		if existing.RequestHash != requestHash {
			return ClaimResult{Status: ClaimOutcomeBlockedConflict}, nil
		}
		// A RUNNING claim older than the lease window belongs to a handler
		// that died mid-flight; it may be reclaimed.
		staleBefore := now.Add(-l.Policy.RunningLease)
		if existing.UpdatedAt.After(staleBefore) {
			return ClaimResult{Status: ClaimOutcomeBlockedRunning}, nil
		}
		return l.reclaim(ctx, companyId, jobId, requestHash, models.ClaimStateRunning, &staleBefore, now)

	case models.ClaimStateWaitRetry:
		if existing.RequestHash != requestHash {
			return ClaimResult{Status: ClaimOutcomeBlockedConflict}, nil
		}
		if existing.NextRetryAt != nil && now.Before(*existing.NextRetryAt) {
			return ClaimResult{Status: ClaimOutcomeWaitRetry, NextRetryAt: *existing.NextRetryAt}, nil
		}
		return l.reclaim(ctx, companyId, jobId, requestHash, models.ClaimStateWaitRetry, nil, now)

	default: // idle, only reachable with a store seeded out-of-band
		return l.reclaim(ctx, companyId, jobId, requestHash, models.ClaimStateIdle, nil, now)
	}
}

func (l *ClaimLedger) reclaim(ctx context.Context, companyId string, jobId int, requestHash string, from models.ClaimState, staleBefore *time.Time, now time.Time) (ClaimResult, error) {
	ok, err := l.Store.CompareAndSwap(ctx, companyId, jobId,
		ClaimGuard{States: []models.ClaimState{from}, RequestHash: requestHash, StaleBefore: staleBefore},
		ClaimMutation{State: models.ClaimStateRunning, ClaimedAt: &now},
	)
	if err != nil {
		return ClaimResult{}, err
	}
	if !ok {
		// Lost the race; the winner is running now.
		return ClaimResult{Status: ClaimOutcomeBlockedRunning}, nil
	}
	return ClaimResult{Status: ClaimOutcomeClaimed}, nil
}

// Complete transitions running -> completed. Idempotent when the claim is
// already completed with the same result id.
func (l *ClaimLedger) Complete(ctx context.Context, companyId string, jobId int, resultId string) error {
	ok, err := l.Store.CompareAndSwap(ctx, companyId, jobId,
		ClaimGuard{States: []models.ClaimState{models.ClaimStateRunning}},
		ClaimMutation{State: models.ClaimStateCompleted, ResultId: &resultId},
	)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	existing, err := l.Store.Get(ctx, companyId, jobId)
	if err != nil {
		return err
	}
	if existing.State == models.ClaimStateCompleted && deref(existing.ResultId) == resultId {
		return nil
	}
	return &ConflictError{CompanyId: companyId, JobId: jobId,
		Message: "complete on a claim that is not running (state=" + string(existing.State) + ")"}
}

// Fail records a retriable failure: bumps the attempt counter and either
// schedules a retry or, at the ceiling (or for a non-retriable cause), goes
// terminal.
func (l *ClaimLedger) Fail(ctx context.Context, companyId string, jobId int, cause error) (models.ClaimState, error) {
	existing, err := l.Store.Get(ctx, companyId, jobId)
	if err != nil {
		return "", err
	}

	now := l.now()
	attempts := existing.Attempts + 1
	msg := cause.Error()
	cat := string(Categorize(cause))

	if !IsRetriable(cause) || attempts >= l.Policy.MaxAttempts {
		_, err := l.Store.CompareAndSwap(ctx, companyId, jobId,
			ClaimGuard{States: []models.ClaimState{models.ClaimStateRunning}},
			ClaimMutation{
				State:      models.ClaimStateDeadLetter,
				Attempts:   &attempts,
				LastError:  &msg,
				LastErrCat: &cat,
			},
		)
		return models.ClaimStateDeadLetter, err
	}

	next := now.Add(l.Policy.Backoff(attempts))
	_, err = l.Store.CompareAndSwap(ctx, companyId, jobId,
		ClaimGuard{States: []models.ClaimState{models.ClaimStateRunning}},
		ClaimMutation{
			State:       models.ClaimStateWaitRetry,
			Attempts:    &attempts,
			LastError:   &msg,
			LastErrCat:  &cat,
			NextRetryAt: &next,
		},
	)
	return models.ClaimStateWaitRetry, err
}

// DeadLetter forces terminal dead_letter regardless of the attempt count.
// Used for validation/policy/period failures that retrying cannot fix.
func (l *ClaimLedger) DeadLetter(ctx context.Context, companyId string, jobId int, cause error) error {
	existing, err := l.Store.Get(ctx, companyId, jobId)
	if err != nil {
		return err
	}
	attempts := existing.Attempts + 1
	msg := cause.Error()
	cat := string(Categorize(cause))
	_, err = l.Store.CompareAndSwap(ctx, companyId, jobId,
		ClaimGuard{States: []models.ClaimState{models.ClaimStateRunning}},
		ClaimMutation{
			State:      models.ClaimStateDeadLetter,
			Attempts:   &attempts,
			LastError:  &msg,
			LastErrCat: &cat,
		},
	)
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func categoryOf(claim *models.PostingClaim) ErrorCategory {
	if claim.LastErrorCategory == nil || *claim.LastErrorCategory == "" {
		return CategoryValidation
	}
	return ErrorCategory(*claim.LastErrorCategory)
}
