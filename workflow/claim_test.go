package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
)

// NOTE: These tests are intentionally DB-free. MemoryClaimStore has the same
// atomic insert / conditional-update semantics as the MySQL store, so the
// state machine can be exercised without an external database.

const (
	testCompany = "company-1"
	testJobId   = 42
	testHash    = "hash-aaaa"
)

func newTestLedger() (*ClaimLedger, *MemoryClaimStore) {
	store := NewMemoryClaimStore()
	ledger := NewClaimLedger(store, DefaultRetryPolicy())
	return ledger, store
}

func TestClaim_FirstCallerWins(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first.Status != ClaimOutcomeClaimed {
		t.Fatalf("expected claimed, got %s", first.Status)
	}

	second, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.Status != ClaimOutcomeBlockedRunning {
		t.Fatalf("expected blocked_running while first holder runs, got %s", second.Status)
	}
}

func TestClaim_ConcurrentCallers_ExactlyOneWins(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if res.Status == ClaimOutcomeClaimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected exactly 1 winner among %d concurrent callers, got %d", callers, claimed)
	}
}

func TestComplete_ThenClaimShortCircuits(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Complete(ctx, testCompany, testJobId, "inv-100"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if res.Status != ClaimOutcomeAlreadyCompleted {
		t.Fatalf("expected already_completed, got %s", res.Status)
	}
	if res.ResultId != "inv-100" {
		t.Fatalf("expected stored result id inv-100, got %q", res.ResultId)
	}
}

func TestComplete_IsIdempotentForSameResult(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Complete(ctx, testCompany, testJobId, "inv-100"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := ledger.Complete(ctx, testCompany, testJobId, "inv-100"); err != nil {
		t.Fatalf("repeat complete with same result must be a no-op, got %v", err)
	}
	if err := ledger.Complete(ctx, testCompany, testJobId, "inv-999"); err == nil {
		t.Fatal("complete with a different result id must fail")
	}
}

func TestClaim_HashMismatch_Conflicts(t *testing.T) {
	ctx := context.Background()

	// Against a running claim.
	ledger, _ := newTestLedger()
	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := ledger.Claim(ctx, testCompany, testJobId, "hash-bbbb")
	if err != nil {
		t.Fatalf("claim with changed hash: %v", err)
	}
	if res.Status != ClaimOutcomeBlockedConflict {
		t.Fatalf("running + changed hash: expected blocked_conflict, got %s", res.Status)
	}

	// Against a completed claim.
	if err := ledger.Complete(ctx, testCompany, testJobId, "inv-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = ledger.Claim(ctx, testCompany, testJobId, "hash-bbbb")
	if err != nil {
		t.Fatalf("claim completed with changed hash: %v", err)
	}
	if res.Status != ClaimOutcomeBlockedConflict {
		t.Fatalf("completed + changed hash: expected blocked_conflict, got %s", res.Status)
	}

	// Against a wait_retry claim.
	ledger2, _ := newTestLedger()
	if _, err := ledger2.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ledger2.Fail(ctx, testCompany, testJobId, &TransientGatewayError{Op: "create", Err: context.DeadlineExceeded}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	res, err = ledger2.Claim(ctx, testCompany, testJobId, "hash-bbbb")
	if err != nil {
		t.Fatalf("claim wait_retry with changed hash: %v", err)
	}
	if res.Status != ClaimOutcomeBlockedConflict {
		t.Fatalf("wait_retry + changed hash: expected blocked_conflict, got %s", res.Status)
	}
}

func TestFail_Transient_SchedulesRetryWithBackoff(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	state, err := ledger.Fail(ctx, testCompany, testJobId, &TransientGatewayError{Op: "create", Err: context.DeadlineExceeded})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if state != models.ClaimStateWaitRetry {
		t.Fatalf("expected wait_retry after first transient failure, got %s", state)
	}

	claim, err := store.Get(ctx, testCompany, testJobId)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if claim.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", claim.Attempts)
	}
	want := base.Add(ledger.Policy.Backoff(1))
	if claim.NextRetryAt == nil || !claim.NextRetryAt.Equal(want) {
		t.Fatalf("expected next retry at %s, got %v", want, claim.NextRetryAt)
	}

	// Not due yet: claiming again reports the schedule without side effects.
	res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim while waiting: %v", err)
	}
	if res.Status != ClaimOutcomeWaitRetry {
		t.Fatalf("expected wait_retry, got %s", res.Status)
	}
	if !res.NextRetryAt.Equal(want) {
		t.Fatalf("expected reported retry time %s, got %s", want, res.NextRetryAt)
	}

	// Due: the next claim wins the document back.
	ledger.now = func() time.Time { return want.Add(time.Second) }
	res, err = ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim when due: %v", err)
	}
	if res.Status != ClaimOutcomeClaimed {
		t.Fatalf("expected claimed once backoff elapsed, got %s", res.Status)
	}
}

func TestFail_RetryCeiling_GoesDeadLetter(t *testing.T) {
	store := NewMemoryClaimStore()
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 3
	ledger := NewClaimLedger(store, policy)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	cause := &TransientGatewayError{Op: "create", Err: context.DeadlineExceeded}

	for attempt := 1; ; attempt++ {
		if attempt > policy.MaxAttempts {
			t.Fatal("never reached the ceiling")
		}
		if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		state, err := ledger.Fail(ctx, testCompany, testJobId, cause)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < policy.MaxAttempts {
			if state != models.ClaimStateWaitRetry {
				t.Fatalf("attempt %d: expected wait_retry, got %s", attempt, state)
			}
			now = now.Add(policy.Backoff(attempt) + time.Second)
			continue
		}
		if state != models.ClaimStateDeadLetter {
			t.Fatalf("attempt %d: expected dead_letter at ceiling, got %s", attempt, state)
		}
		break
	}

	// Terminal: further claims surface the stored failure.
	res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim after dead letter: %v", err)
	}
	if res.Status != ClaimOutcomeDeadLetter {
		t.Fatalf("expected dead_letter, got %s", res.Status)
	}
	if res.ErrorCategory != CategoryConnectivity {
		t.Fatalf("expected stored connectivity category, got %s", res.ErrorCategory)
	}
	if !strings.Contains(res.LastError, "gateway create") {
		t.Fatalf("expected stored error message, got %q", res.LastError)
	}
}

func TestDeadLetter_NonRetriableCause_IsImmediate(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.DeadLetter(ctx, testCompany, testJobId, NewValidationError("currency", "document currency GBP is not the company base currency EUR")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	claim, err := store.Get(ctx, testCompany, testJobId)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if claim.State != models.ClaimStateDeadLetter {
		t.Fatalf("expected dead_letter, got %s", claim.State)
	}
	if claim.Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", claim.Attempts)
	}
	if claim.LastErrorCategory == nil || *claim.LastErrorCategory != string(CategoryValidation) {
		t.Fatalf("expected validation category, got %v", claim.LastErrorCategory)
	}

	res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim after dead letter: %v", err)
	}
	if res.Status != ClaimOutcomeDeadLetter {
		t.Fatalf("dead letter must be terminal, got %s", res.Status)
	}
}

func TestClaim_StaleRunningLease_IsReclaimable(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ledger.now = func() time.Time { return base }

	if _, err := ledger.Claim(ctx, testCompany, testJobId, testHash); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Inside the lease window another caller stays blocked.
	later := base.Add(ledger.Policy.RunningLease / 2)
	ledger.now = func() time.Time { return later }
	res, err := ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim inside lease: %v", err)
	}
	if res.Status != ClaimOutcomeBlockedRunning {
		t.Fatalf("expected blocked_running inside lease, got %s", res.Status)
	}

	// Past the lease the holder is presumed dead and the claim moves on.
	expired := base.Add(ledger.Policy.RunningLease + time.Minute)
	ledger.now = func() time.Time { return expired }
	store.now = func() time.Time { return expired }
	res, err = ledger.Claim(ctx, testCompany, testJobId, testHash)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	if res.Status != ClaimOutcomeClaimed {
		t.Fatalf("expected reclaim after lease expiry, got %s", res.Status)
	}
}

func TestRetryPolicy_BackoffCurve(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 10,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 80 * time.Second},
		{8, 640 * time.Second},
		{9, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected backoff %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestDueRetries_ListsOnlyElapsed(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }
	cause := &TransientGatewayError{Op: "create", Err: context.DeadlineExceeded}

	for _, jobId := range []int{1, 2, 3} {
		if _, err := ledger.Claim(ctx, testCompany, jobId, testHash); err != nil {
			t.Fatalf("claim job %d: %v", jobId, err)
		}
		if _, err := ledger.Fail(ctx, testCompany, jobId, cause); err != nil {
			t.Fatalf("fail job %d: %v", jobId, err)
		}
	}

	due, err := store.DueRetries(ctx, base, 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("nothing should be due at failure time, got %d", len(due))
	}

	due, err = store.DueRetries(ctx, base.Add(ledger.Policy.Backoff(1)+time.Second), 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected all 3 claims due after backoff, got %d", len(due))
	}
}
