package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/AIFMgroup/AIFM-sub013/appctx"
	"github.com/AIFMgroup/AIFM-sub013/config"
	"github.com/AIFMgroup/AIFM-sub013/utils"
	"github.com/AIFMgroup/AIFM-sub013/workflow"
)

var triggerValidate = validator.New()

// RunPostingWorker consumes posting triggers and feeds them to the pipeline.
// Blocks until ctx is cancelled.
//
// Ack/Nack discipline: malformed or poisoned messages are acked and dropped
// so they cannot loop forever; store/infrastructure errors are nacked so
// Pub/Sub redelivers; every recorded outcome is acked, because once the
// claim ledger holds the state the retry poller owns re-attempts, not
// Pub/Sub redelivery.
func RunPostingWorker(ctx context.Context, logger *logrus.Logger, sub *pubsub.Subscription, jobs workflow.JobStore, pipeline *workflow.PostingPipeline, locker *redislock.Client) {
	err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var trigger config.PostingTrigger
		if err := json.Unmarshal(msg.Data, &trigger); err != nil {
			config.LogError(logger, "postingworker.go", "RunPostingWorker", "Unmarshal trigger", string(msg.Data), err)
			msg.Ack()
			return
		}
		if err := triggerValidate.Struct(trigger); err != nil {
			config.LogError(logger, "postingworker.go", "RunPostingWorker", "Invalid trigger", trigger, err)
			msg.Ack()
			return
		}

		correlationId := trigger.CorrelationId
		if correlationId == "" {
			correlationId = msg.ID
		}
		workCtx := utils.SetCorrelationIdInContext(msgCtx, correlationId)
		workCtx = appctx.Set(workCtx, appctx.ContextKeyCompanyId, trigger.CompanyId)
		workCtx = appctx.Set(workCtx, appctx.ContextKeyJobId, trigger.JobId)
		workCtx = appctx.Set(workCtx, appctx.ContextKeyTrigger, trigger.Trigger)

		// Best-effort per-company lock to avoid pointless claim races when a
		// burst of triggers lands for one company. Correctness never depends
		// on it; the claim ledger serializes regardless.
		var lock *redislock.Lock
		if locker != nil {
			var lerr error
			lock, lerr = locker.Obtain(workCtx, fmt.Sprintf("lock:posting:%s", trigger.CompanyId), 30*time.Second, nil)
			if lerr != nil {
				lock = nil
			}
		}
		defer func() {
			if lock != nil {
				_ = lock.Release(workCtx)
			}
		}()

		fields := logrus.Fields{
			"field":          "RunPostingWorker",
			"company_id":     trigger.CompanyId,
			"job_id":         trigger.JobId,
			"trigger":        trigger.Trigger,
			"message_id":     msg.ID,
			"correlation_id": correlationId,
		}

		job, err := jobs.Get(workCtx, trigger.CompanyId, trigger.JobId)
		if err != nil {
			if err == workflow.ErrJobNotFound {
				logger.WithFields(fields).Warn("trigger references an unknown job; dropping")
				msg.Ack()
				return
			}
			logger.WithFields(fields).Error("failed to load job: " + err.Error())
			msg.Nack()
			return
		}

		result, err := pipeline.PostDocument(workCtx, trigger.CompanyId, job)
		if err != nil {
			logger.WithFields(fields).Error("posting attempt errored: " + err.Error())
			msg.Nack()
			return
		}
		if !result.Success {
			logger.WithFields(fields).Warn("posting attempt did not complete: " + result.Message)
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		logger.WithFields(logrus.Fields{"field": "RunPostingWorker"}).Error("subscription receive stopped: " + err.Error())
	}
}
