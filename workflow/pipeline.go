package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/sirupsen/logrus"
)

// PostResult is the caller-facing outcome of a posting attempt. Category is
// machine-readable; Message is for humans.
type PostResult struct {
	Success  bool          `json:"success"`
	ResultId string        `json:"result_id,omitempty"`
	Category ErrorCategory `json:"category,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// PostingPipeline is the single entry point for posting a classified
// document into the external ledger. All collaborators are injected; the
// pipeline holds no global state and is safe to share across handlers.
type PostingPipeline struct {
	Claims  *ClaimLedger
	Jobs    JobStore
	RefData ReferenceDataProvider
	Gateway LedgerGateway
	Audit   *AuditRecorder
	Lines   LineValidator
	Policy  PolicyEvaluator
	Logger  *logrus.Logger

	// GatewayTimeout bounds the only blocking call in the pipeline. A
	// timeout is a transient failure, not a hang.
	GatewayTimeout time.Duration
}

// PostDocument runs one posting attempt for the job. Concurrent calls for
// the same job are safe: the claim ledger admits exactly one attempt at a
// time, and a completed claim short-circuits to the stored result with zero
// gateway calls.
func (p *PostingPipeline) PostDocument(ctx context.Context, companyId string, job *models.AccountingJob) (PostResult, error) {
	requestHash := job.Classification.RequestHash()

	claim, err := p.Claims.Claim(ctx, companyId, job.ID, requestHash)
	if err != nil {
		return PostResult{}, err
	}

	switch claim.Status {
	case ClaimOutcomeAlreadyCompleted:
		return PostResult{Success: true, ResultId: claim.ResultId}, nil

	case ClaimOutcomeBlockedRunning:
		return PostResult{
			Category: CategoryConnectivity,
			Message:  "another posting attempt is already running for this document",
		}, nil

	case ClaimOutcomeWaitRetry:
		return PostResult{
			Category: CategoryConnectivity,
			Message:  fmt.Sprintf("retry already scheduled for %s", claim.NextRetryAt.Format(time.RFC3339)),
		}, nil

	case ClaimOutcomeBlockedConflict:
		p.Audit.Record(ctx, companyId, job.ID, models.AuditEventClaimConflict, "",
			"document content changed since an earlier posting attempt; human adjudication required")
		if err := p.Jobs.MarkError(ctx, companyId, job.ID); err != nil {
			p.logStoreError(companyId, job.ID, "MarkError", err)
		}
		return PostResult{
			Category: CategoryConflict,
			Message:  "document content changed since an earlier posting attempt",
		}, nil

	case ClaimOutcomeDeadLetter:
		return PostResult{
			Category: claim.ErrorCategory,
			Message:  claim.LastError,
		}, nil
	}

	// Claimed: we hold the exclusive posting right.
	p.Audit.Record(ctx, companyId, job.ID, models.AuditEventPostingStarted, "",
		fmt.Sprintf("posting attempt started (%s %s)", job.Classification.DocType, job.Classification.InvoiceNumber))

	ref, err := p.RefData.Snapshot(ctx, companyId)
	if err != nil {
		if IsSnapshotMissing(err) {
			return p.deadLetter(ctx, companyId, job.ID, "reference-data",
				NewValidationError("reference-data", err.Error()))
		}
		return p.transientFailure(ctx, companyId, job.ID, err)
	}

	guards := DefaultGuards(companyId, p.Lines, p.Policy)
	if rule, gerr := RunGuards(guards, &job.Classification, ref); gerr != nil {
		return p.deadLetter(ctx, companyId, job.ID, rule, gerr)
	}

	strategy, err := SelectPostingStrategy(job.Classification.DocType)
	if err != nil {
		return p.deadLetter(ctx, companyId, job.ID, "posting-strategy", err)
	}
	built, err := BuildLedgerDocument(job, ref, strategy)
	if err != nil {
		return p.deadLetter(ctx, companyId, job.ID, "builder", err)
	}

	resultId, invoiceId, voucherId, err := p.postToGateway(ctx, built)
	if err != nil {
		return p.transientFailure(ctx, companyId, job.ID, err)
	}

	if err := p.Claims.Complete(ctx, companyId, job.ID, resultId); err != nil {
		return PostResult{}, err
	}
	if err := p.Jobs.MarkSent(ctx, companyId, job.ID, invoiceId, voucherId); err != nil {
		p.logStoreError(companyId, job.ID, "MarkSent", err)
	}
	p.Audit.Record(ctx, companyId, job.ID, models.AuditEventPostingSucceeded, "",
		fmt.Sprintf("created ledger entity %s", resultId))

	return PostResult{Success: true, ResultId: resultId}, nil
}

// postToGateway performs the only blocking, external call under a timeout.
func (p *PostingPipeline) postToGateway(ctx context.Context, built *BuildResult) (resultId, invoiceId, voucherId string, err error) {
	timeout := p.GatewayTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gwCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if built.Invoice != nil {
		supplier, serr := p.Gateway.FindOrCreateSupplier(gwCtx, built.Invoice.SupplierName)
		if serr != nil {
			return "", "", "", serr
		}
		built.Invoice.SupplierId = supplier.Id
		id, cerr := p.Gateway.CreateSupplierInvoice(gwCtx, built.Invoice)
		if cerr != nil {
			return "", "", "", cerr
		}
		return id, id, "", nil
	}
	id, cerr := p.Gateway.CreateVoucher(gwCtx, built.Voucher)
	if cerr != nil {
		return "", "", "", cerr
	}
	return id, "", id, nil
}

// deadLetter routes a non-retriable failure: audit, terminal claim, job into
// the remediation queue.
func (p *PostingPipeline) deadLetter(ctx context.Context, companyId string, jobId int, rule string, cause error) (PostResult, error) {
	eventType := models.AuditEventGuardFailed
	if Categorize(cause) == CategoryPolicy {
		eventType = models.AuditEventPolicyBlocked
	}
	p.Audit.Record(ctx, companyId, jobId, eventType, rule, cause.Error())

	if err := p.Claims.DeadLetter(ctx, companyId, jobId, cause); err != nil {
		return PostResult{}, err
	}
	p.Audit.Record(ctx, companyId, jobId, models.AuditEventDeadLettered, rule, cause.Error())

	if err := p.Jobs.MarkError(ctx, companyId, jobId); err != nil {
		p.logStoreError(companyId, jobId, "MarkError", err)
	}
	return PostResult{Category: Categorize(cause), Message: cause.Error()}, nil
}

// transientFailure routes a retriable failure through the backoff machinery.
func (p *PostingPipeline) transientFailure(ctx context.Context, companyId string, jobId int, cause error) (PostResult, error) {
	p.Audit.Record(ctx, companyId, jobId, models.AuditEventPostingFailed, "", cause.Error())

	state, err := p.Claims.Fail(ctx, companyId, jobId, cause)
	if err != nil {
		return PostResult{}, err
	}
	if state == models.ClaimStateDeadLetter {
		p.Audit.Record(ctx, companyId, jobId, models.AuditEventDeadLettered, "",
			"retry ceiling reached: "+cause.Error())
	}
	if err := p.Jobs.MarkError(ctx, companyId, jobId); err != nil {
		p.logStoreError(companyId, jobId, "MarkError", err)
	}
	return PostResult{Category: Categorize(cause), Message: cause.Error()}, nil
}

func (p *PostingPipeline) logStoreError(companyId string, jobId int, op string, err error) {
	if p.Logger == nil {
		return
	}
	p.Logger.WithFields(logrus.Fields{
		"module":     "PostingPipeline",
		"company_id": companyId,
		"job_id":     jobId,
		"op":         op,
	}).Error(err.Error())
}
