package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/AIFMgroup/AIFM-sub013/models"
)

// fakeGateway counts calls and fails on demand. failures is consumed one
// call at a time so a test can script "fail twice, then succeed".
type fakeGateway struct {
	mu            sync.Mutex
	supplierCalls int
	invoiceCalls  int
	voucherCalls  int
	failures      []error
}

func (g *fakeGateway) nextFailure() error {
	if len(g.failures) == 0 {
		return nil
	}
	err := g.failures[0]
	g.failures = g.failures[1:]
	return err
}

func (g *fakeGateway) FindOrCreateSupplier(ctx context.Context, name string) (SupplierRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.supplierCalls++
	if err := g.nextFailure(); err != nil {
		return SupplierRef{}, err
	}
	return SupplierRef{Id: "sup-1", Name: name}, nil
}

func (g *fakeGateway) CreateSupplierInvoice(ctx context.Context, payload *SupplierInvoicePayload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoiceCalls++
	if err := g.nextFailure(); err != nil {
		return "", err
	}
	return fmt.Sprintf("inv-%d", g.invoiceCalls), nil
}

func (g *fakeGateway) CreateVoucher(ctx context.Context, payload *VoucherPayload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voucherCalls++
	if err := g.nextFailure(); err != nil {
		return "", err
	}
	return fmt.Sprintf("vch-%d", g.voucherCalls), nil
}

func (g *fakeGateway) createCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.invoiceCalls + g.voucherCalls
}

// memAuditSink collects events in memory.
type memAuditSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (s *memAuditSink) Append(ctx context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditSink) Events(ctx context.Context, companyId string, jobId int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.CompanyId == companyId && e.JobId == jobId {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memAuditSink) types(companyId string, jobId int) []models.AuditEventType {
	events, _ := s.Events(context.Background(), companyId, jobId)
	out := make([]models.AuditEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type pipelineHarness struct {
	pipeline *PostingPipeline
	ledger   *ClaimLedger
	store    *MemoryClaimStore
	jobs     *MemoryJobStore
	gateway  *fakeGateway
	audit    *memAuditSink
}

func newPipelineHarness(jobs ...*models.AccountingJob) *pipelineHarness {
	store := NewMemoryClaimStore()
	ledger := NewClaimLedger(store, DefaultRetryPolicy())
	jobStore := NewMemoryJobStore(jobs...)
	gateway := &fakeGateway{}
	sink := &memAuditSink{}

	return &pipelineHarness{
		pipeline: &PostingPipeline{
			Claims:  ledger,
			Jobs:    jobStore,
			RefData: &StaticReferenceData{Snapshots: map[string]*models.ReferenceSnapshot{testCompany: testSnapshot()}},
			Gateway: gateway,
			Audit:   NewAuditRecorder(sink, quietLogger()),
			Lines:   DeterministicLineValidator{},
			Policy:  CompanyPolicyEvaluator{},
			Logger:  quietLogger(),
		},
		ledger:  ledger,
		store:   store,
		jobs:    jobStore,
		gateway: gateway,
		audit:   sink,
	}
}

func containsEvent(types []models.AuditEventType, want models.AuditEventType) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestPostDocument_HappyPath_InvoiceCreatedOnce(t *testing.T) {
	job := testJob(1, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !result.Success || result.ResultId != "inv-1" {
		t.Fatalf("expected success with inv-1, got %+v", result)
	}
	if h.gateway.createCalls() != 1 {
		t.Fatalf("expected exactly one create call, got %d", h.gateway.createCalls())
	}

	stored, err := h.jobs.Get(ctx, testCompany, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != models.AccountingJobStatusSent {
		t.Fatalf("expected job sent, got %s", stored.Status)
	}
	if stored.InvoiceId == nil || *stored.InvoiceId != "inv-1" {
		t.Fatalf("expected invoice id recorded, got %v", stored.InvoiceId)
	}

	claim, err := h.store.Get(ctx, testCompany, job.ID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if claim.State != models.ClaimStateCompleted {
		t.Fatalf("expected completed claim, got %s", claim.State)
	}

	types := h.audit.types(testCompany, job.ID)
	if !containsEvent(types, models.AuditEventPostingStarted) || !containsEvent(types, models.AuditEventPostingSucceeded) {
		t.Fatalf("expected started+succeeded in audit trail, got %v", types)
	}
}

func TestPostDocument_Replay_ReturnsStoredResultWithoutGateway(t *testing.T) {
	job := testJob(2, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	if _, err := h.pipeline.PostDocument(ctx, testCompany, job); err != nil {
		t.Fatalf("first post: %v", err)
	}

	for i := 0; i < 5; i++ {
		result, err := h.pipeline.PostDocument(ctx, testCompany, job)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !result.Success || result.ResultId != "inv-1" {
			t.Fatalf("replay %d: expected the stored result, got %+v", i, result)
		}
	}
	if h.gateway.createCalls() != 1 {
		t.Fatalf("replays must not touch the gateway, got %d create calls", h.gateway.createCalls())
	}
}

func TestPostDocument_ConcurrentCallers_OneGatewayCall(t *testing.T) {
	job := testJob(3, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	const callers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.pipeline.PostDocument(ctx, testCompany, job)
			if err != nil {
				t.Errorf("post: %v", err)
				return
			}
			if result.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if h.gateway.createCalls() != 1 {
		t.Fatalf("expected exactly one create call across %d concurrent callers, got %d", callers, h.gateway.createCalls())
	}
	if successes < 1 {
		t.Fatal("at least the winner must report success")
	}
}

func TestPostDocument_PolicyBlocked_DeadLettersWithoutGateway(t *testing.T) {
	job := testJob(4, models.DocTypeInvoice)
	job.Classification.PolicyViolations = []models.PolicyViolation{
		{Rule: "amount-limit", Severity: models.SeverityCritical, Message: "amount exceeds auto-post limit"},
	}
	h := newPipelineHarness(job)
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success {
		t.Fatal("policy-blocked document must not post")
	}
	if result.Category != CategoryPolicy {
		t.Fatalf("expected policy category, got %s", result.Category)
	}
	if h.gateway.createCalls() != 0 || h.gateway.supplierCalls != 0 {
		t.Fatal("policy block must happen before any gateway call")
	}

	claim, err := h.store.Get(ctx, testCompany, job.ID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if claim.State != models.ClaimStateDeadLetter {
		t.Fatalf("expected dead_letter, got %s", claim.State)
	}

	stored, _ := h.jobs.Get(ctx, testCompany, job.ID)
	if stored.Status != models.AccountingJobStatusError {
		t.Fatalf("expected job in error, got %s", stored.Status)
	}

	types := h.audit.types(testCompany, job.ID)
	if !containsEvent(types, models.AuditEventPolicyBlocked) || !containsEvent(types, models.AuditEventDeadLettered) {
		t.Fatalf("expected policy-blocked and dead-lettered audit events, got %v", types)
	}

	// Terminal: a repeat attempt surfaces the stored failure, no gateway call.
	again, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("repeat post: %v", err)
	}
	if again.Success || again.Category != CategoryPolicy {
		t.Fatalf("dead letter must be terminal, got %+v", again)
	}
	if h.gateway.createCalls() != 0 {
		t.Fatal("repeat attempts on a dead letter must not touch the gateway")
	}
}

func TestPostDocument_LockedPeriod_DeadLettersAsPeriod(t *testing.T) {
	job := testJob(5, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ref := testSnapshot()
	ref.PeriodLockedThrough = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	h.pipeline.RefData = &StaticReferenceData{Snapshots: map[string]*models.ReferenceSnapshot{testCompany: ref}}
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success || result.Category != CategoryPeriod {
		t.Fatalf("expected period dead letter, got %+v", result)
	}
	types := h.audit.types(testCompany, job.ID)
	if !containsEvent(types, models.AuditEventGuardFailed) {
		t.Fatalf("expected guard-failed audit event, got %v", types)
	}
}

func TestPostDocument_OutsideFiscalYear_DeadLettersWithoutGateway(t *testing.T) {
	job := testJob(11, models.DocTypeInvoice)
	job.Classification.InvoiceDate = time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC)
	h := newPipelineHarness(job)
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success || result.Category != CategoryPeriod {
		t.Fatalf("expected period dead letter, got %+v", result)
	}
	if h.gateway.createCalls() != 0 || h.gateway.supplierCalls != 0 {
		t.Fatal("fiscal-year failure must happen before any gateway call")
	}
	claim, _ := h.store.Get(ctx, testCompany, job.ID)
	if claim.State != models.ClaimStateDeadLetter {
		t.Fatalf("expected dead_letter, got %s", claim.State)
	}
}

func TestPostDocument_ForeignCurrency_DeadLettersWithoutGateway(t *testing.T) {
	job := testJob(12, models.DocTypeInvoice)
	job.Classification.Currency = "USD"
	h := newPipelineHarness(job)
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success || result.Category != CategoryValidation {
		t.Fatalf("expected validation dead letter, got %+v", result)
	}
	if h.gateway.createCalls() != 0 || h.gateway.supplierCalls != 0 {
		t.Fatal("currency failure must happen before any gateway call")
	}
}

func TestPostDocument_TransientFailure_RetriesThenSucceeds(t *testing.T) {
	job := testJob(6, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.ledger.now = func() time.Time { return base }
	h.gateway.failures = []error{
		&TransientGatewayError{Op: "POST /v1/suppliers", Err: context.DeadlineExceeded},
	}

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	if result.Success || result.Category != CategoryConnectivity {
		t.Fatalf("expected transient failure, got %+v", result)
	}

	claim, _ := h.store.Get(ctx, testCompany, job.ID)
	if claim.State != models.ClaimStateWaitRetry || claim.Attempts != 1 {
		t.Fatalf("expected wait_retry attempts=1, got state=%s attempts=%d", claim.State, claim.Attempts)
	}

	// Before the backoff elapses, attempts report the schedule and do nothing.
	blocked, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("early retry: %v", err)
	}
	if blocked.Success || blocked.Category != CategoryConnectivity {
		t.Fatalf("expected wait-retry outcome, got %+v", blocked)
	}

	// Once due, the retry runs and completes.
	h.ledger.now = func() time.Time { return base.Add(h.ledger.Policy.Backoff(1) + time.Second) }
	done, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("due retry: %v", err)
	}
	if !done.Success {
		t.Fatalf("expected retry to succeed, got %+v", done)
	}

	stored, _ := h.jobs.Get(ctx, testCompany, job.ID)
	if stored.Status != models.AccountingJobStatusSent {
		t.Fatalf("expected job sent after retry, got %s", stored.Status)
	}
	types := h.audit.types(testCompany, job.ID)
	if !containsEvent(types, models.AuditEventPostingFailed) || !containsEvent(types, models.AuditEventPostingSucceeded) {
		t.Fatalf("expected failed then succeeded in audit trail, got %v", types)
	}
}

func TestPostDocument_ChangedContent_Conflicts(t *testing.T) {
	job := testJob(7, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	if _, err := h.pipeline.PostDocument(ctx, testCompany, job); err != nil {
		t.Fatalf("first post: %v", err)
	}

	changed := *job
	changed.Classification.TotalAmount = job.Classification.TotalAmount.Add(decimal.NewFromInt(100))
	changed.Classification.Lines = []models.ClassificationLine{
		{Description: "Rewritten", NetAmount: decimal.NewFromInt(180), SuggestedAccount: "4010"},
	}

	result, err := h.pipeline.PostDocument(ctx, testCompany, &changed)
	if err != nil {
		t.Fatalf("changed post: %v", err)
	}
	if result.Success || result.Category != CategoryConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if h.gateway.createCalls() != 1 {
		t.Fatalf("conflict must not create a second ledger entity, got %d calls", h.gateway.createCalls())
	}
	types := h.audit.types(testCompany, job.ID)
	if !containsEvent(types, models.AuditEventClaimConflict) {
		t.Fatalf("expected claim-conflict audit event, got %v", types)
	}
}

func TestPostDocument_MissingSnapshot_DeadLetters(t *testing.T) {
	job := testJob(8, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	h.pipeline.RefData = &StaticReferenceData{Snapshots: map[string]*models.ReferenceSnapshot{}}
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success || result.Category != CategoryValidation {
		t.Fatalf("expected validation dead letter for missing snapshot, got %+v", result)
	}
	claim, _ := h.store.Get(ctx, testCompany, job.ID)
	if claim.State != models.ClaimStateDeadLetter {
		t.Fatalf("expected dead_letter, got %s", claim.State)
	}
}

func TestPostDocument_Receipt_PostsVoucher(t *testing.T) {
	job := testJob(9, models.DocTypeReceipt)
	h := newPipelineHarness(job)
	ctx := context.Background()

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !result.Success || result.ResultId != "vch-1" {
		t.Fatalf("expected voucher result, got %+v", result)
	}
	if h.gateway.supplierCalls != 0 {
		t.Fatal("voucher posting must not touch the supplier registry")
	}
	stored, _ := h.jobs.Get(ctx, testCompany, job.ID)
	if stored.VoucherId == nil || *stored.VoucherId != "vch-1" {
		t.Fatalf("expected voucher id recorded, got %v", stored.VoucherId)
	}
}

func TestPostDocument_GatewayReject_DeadLetters(t *testing.T) {
	job := testJob(10, models.DocTypeInvoice)
	h := newPipelineHarness(job)
	ctx := context.Background()

	// 4xx rejects surface as validation errors; Fail treats them as
	// non-retriable and goes terminal.
	h.gateway.failures = []error{
		nil, // supplier lookup succeeds
		NewValidationError("gateway-reject", "ledger api POST /v1/supplier-invoices: status 400: bad series"),
	}

	result, err := h.pipeline.PostDocument(ctx, testCompany, job)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Success || result.Category != CategoryValidation {
		t.Fatalf("expected validation outcome, got %+v", result)
	}
	claim, _ := h.store.Get(ctx, testCompany, job.ID)
	if claim.State != models.ClaimStateDeadLetter {
		t.Fatalf("a permanent gateway reject must dead-letter, got %s", claim.State)
	}
}
