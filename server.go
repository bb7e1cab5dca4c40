package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/AIFMgroup/AIFM-sub013/appctx"
	"github.com/AIFMgroup/AIFM-sub013/config"
	"github.com/AIFMgroup/AIFM-sub013/ledgergw"
	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/AIFMgroup/AIFM-sub013/utils"
	"github.com/AIFMgroup/AIFM-sub013/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("posting-service")

// app holds the wired collaborators the HTTP handlers need. It is populated
// in main() after dependencies connect; until then ready stays false and the
// readiness gate returns 503.
type app struct {
	logger   *logrus.Logger
	pipeline *workflow.PostingPipeline
	jobs     workflow.JobStore
	claims   workflow.ClaimStore
	audit    *workflow.AuditRecorder
	topic    *pubsub.Topic
	ready    atomic.Bool
}

type jobURI struct {
	CompanyId string `uri:"companyId" binding:"required"`
	JobId     int    `uri:"jobId" binding:"required,gt=0"`
}

// postJobHandler runs one posting attempt synchronously. Safe to call any
// number of times: a finished document returns the stored result without
// touching the external ledger again.
func (a *app) postJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri jobURI
		if err := c.ShouldBindUri(&uri); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "companyId and a positive jobId are required"})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "PostDocument")
		defer span.End()
		ctx = appctx.Set(ctx, appctx.ContextKeyCompanyId, uri.CompanyId)
		ctx = appctx.Set(ctx, appctx.ContextKeyJobId, uri.JobId)

		job, err := a.jobs.Get(ctx, uri.CompanyId, uri.JobId)
		if err != nil {
			if errors.Is(err, workflow.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		result, err := a.pipeline.PostDocument(ctx, uri.CompanyId, job)
		if err != nil {
			config.LogError(a.logger, "server.go", "postJobHandler", "PostDocument", uri, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(postResultStatus(result), result)
	}
}

func postResultStatus(result workflow.PostResult) int {
	switch {
	case result.Success:
		return http.StatusOK
	case result.Category == workflow.CategoryConflict:
		return http.StatusConflict
	case result.Category == workflow.CategoryConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// resendJobHandler publishes a resend trigger instead of posting inline, so
// ops can requeue documents without holding an HTTP request open.
func (a *app) resendJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri jobURI
		if err := c.ShouldBindUri(&uri); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "companyId and a positive jobId are required"})
			return
		}
		if a.topic == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trigger publishing is not configured"})
			return
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		msgId, err := config.PublishPostingTrigger(c.Request.Context(), a.topic, config.PostingTrigger{
			CompanyId:     uri.CompanyId,
			JobId:         uri.JobId,
			Trigger:       config.TriggerResend,
			CorrelationId: cid,
		})
		if err != nil {
			config.LogError(a.logger, "server.go", "resendJobHandler", "PublishPostingTrigger", uri, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"company_id":     uri.CompanyId,
			"job_id":         uri.JobId,
			"message_id":     msgId,
			"correlation_id": cid,
		})
	}
}

type companyURI struct {
	CompanyId string `uri:"companyId" binding:"required"`
}

// deadLettersHandler lists documents awaiting human remediation.
func (a *app) deadLettersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri companyURI
		if err := c.ShouldBindUri(&uri); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "companyId is required"})
			return
		}
		limit := config.IntFromEnv("DEAD_LETTER_PAGE_SIZE", 100)
		claims, err := a.claims.DeadLetters(c.Request.Context(), uri.CompanyId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"company_id": uri.CompanyId, "dead_letters": claims})
	}
}

// auditTrailHandler returns the posting lifecycle events for one job.
func (a *app) auditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri jobURI
		if err := c.ShouldBindUri(&uri); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "companyId and a positive jobId are required"})
			return
		}
		events, err := a.audit.Events(c.Request.Context(), uri.CompanyId, uri.JobId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"company_id": uri.CompanyId, "job_id": uri.JobId, "events": events})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.NewLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	a := &app{logger: logger}

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	r.Use(cors.New(corsConfig))
	r.Use(gin.Recovery())

	r.POST("/companies/:companyId/jobs/:jobId/post", a.postJobHandler())
	r.POST("/companies/:companyId/jobs/:jobId/resend", a.resendJobHandler())
	r.GET("/companies/:companyId/dead-letters", a.deadLettersHandler())
	r.GET("/companies/:companyId/jobs/:jobId/audit", a.auditTrailHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	db := config.ConnectDatabaseWithRetry()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	rdb, locker := config.ConnectRedisWithRetry(context.Background())

	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	gateway, err := ledgergw.NewClient(os.Getenv("LEDGER_API_KEY"))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "ledgergw"}).Fatal(err.Error())
	}

	claimStore := workflow.NewGormClaimStore(db)
	jobs := workflow.NewGormJobStore(db)
	audit := workflow.NewAuditRecorder(workflow.NewGormAuditSink(db), logger)
	pipeline := &workflow.PostingPipeline{
		Claims:         workflow.NewClaimLedger(claimStore, workflow.RetryPolicyFromEnv()),
		Jobs:           jobs,
		RefData:        workflow.NewRedisReferenceData(rdb),
		Gateway:        gateway,
		Audit:          audit,
		Lines:          workflow.DeterministicLineValidator{},
		Policy:         workflow.CompanyPolicyEvaluator{},
		Logger:         logger,
		GatewayTimeout: time.Duration(config.IntFromEnv("LEDGER_GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	a.pipeline = pipeline
	a.jobs = jobs
	a.claims = claimStore
	a.audit = audit

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Trigger topic/subscription. Pub/Sub is optional in local runs; the
	// synchronous endpoint and the retry poller still work without it.
	psClient, err := config.NewPubSubClient(workerCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("trigger worker disabled: " + err.Error())
	} else {
		topicName := os.Getenv("POSTING_TOPIC")
		if topicName == "" {
			topicName = "posting-triggers"
		}
		subName := os.Getenv("POSTING_SUBSCRIPTION")
		if subName == "" {
			subName = "posting-workers"
		}
		topic, terr := config.CreateTopicIfNotExists(workerCtx, psClient, topicName)
		if terr != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(terr.Error())
		}
		sub, serr := config.CreateSubscriptionIfNotExists(workerCtx, psClient, subName, topic)
		if serr != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(serr.Error())
		}
		a.topic = topic
		go RunPostingWorker(workerCtx, logger, sub, jobs, pipeline, locker)
	}

	go NewRetryPoller(claimStore, jobs, pipeline, locker, logger).Run(workerCtx)

	a.ready.Store(true)
	logger.WithFields(logrus.Fields{"info": "Connection Established"}).Info("posting service listening on :", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're
	// draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
