package main

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AIFMgroup/AIFM-sub013/appctx"
	"github.com/AIFMgroup/AIFM-sub013/config"
	"github.com/AIFMgroup/AIFM-sub013/workflow"
)

// RetryPoller re-drives wait_retry claims whose backoff has elapsed. It also
// sweeps up claims whose running lease expired because a handler died
// mid-flight, since those become reclaimable through the same Claim path.
type RetryPoller struct {
	Claims   workflow.ClaimStore
	Jobs     workflow.JobStore
	Pipeline *workflow.PostingPipeline
	Locker   *redislock.Client
	Logger   *logrus.Logger
	PollerID string

	BatchSize    int
	PollInterval time.Duration
}

func NewRetryPoller(claims workflow.ClaimStore, jobs workflow.JobStore, pipeline *workflow.PostingPipeline, locker *redislock.Client, logger *logrus.Logger) *RetryPoller {
	return &RetryPoller{
		Claims:       claims,
		Jobs:         jobs,
		Pipeline:     pipeline,
		Locker:       locker,
		Logger:       logger,
		PollerID:     uuid.NewString(),
		BatchSize:    50,
		PollInterval: time.Duration(config.IntFromEnv("POSTING_POLL_INTERVAL_SECONDS", 15)) * time.Second,
	}
}

func (p *RetryPoller) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *RetryPoller) pollOnce(ctx context.Context) {
	// Best-effort leadership: one poller per deployment avoids N replicas
	// scanning the same due set. Losing the lock is harmless, the claim
	// ledger hands each document to exactly one winner anyway.
	if p.Locker != nil {
		lock, err := p.Locker.Obtain(ctx, "lock:retry-poller", p.PollInterval, nil)
		if err != nil {
			return
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	due, err := p.Claims.DueRetries(ctx, time.Now().UTC(), p.BatchSize)
	if err != nil {
		config.LogError(p.Logger, "retrypoller.go", "pollOnce", "DueRetries", nil, err)
		return
	}

	for _, claim := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fields := logrus.Fields{
			"field":      "RetryPoller",
			"poller_id":  p.PollerID,
			"company_id": claim.CompanyId,
			"job_id":     claim.JobId,
			"attempts":   claim.Attempts,
		}

		job, err := p.Jobs.Get(ctx, claim.CompanyId, claim.JobId)
		if err != nil {
			p.Logger.WithFields(fields).Error("failed to load job for due retry: " + err.Error())
			continue
		}

		workCtx := appctx.Set(ctx, appctx.ContextKeyCompanyId, claim.CompanyId)
		workCtx = appctx.Set(workCtx, appctx.ContextKeyJobId, claim.JobId)
		workCtx = appctx.Set(workCtx, appctx.ContextKeyTrigger, config.TriggerRetry)

		result, err := p.Pipeline.PostDocument(workCtx, claim.CompanyId, job)
		if err != nil {
			p.Logger.WithFields(fields).Error("retry attempt errored: " + err.Error())
			continue
		}
		if result.Success {
			p.Logger.WithFields(fields).Info("retry succeeded: " + result.ResultId)
		} else {
			p.Logger.WithFields(fields).Warn("retry did not complete: " + result.Message)
		}
	}
}
