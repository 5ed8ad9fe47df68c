package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"payment-service/internal/config"
	"payment-service/internal/db"
	"payment-service/internal/logging"
)

const (
	defaultPollingIntervalMs = 1_000
	defaultFetchSize         = 100
	defaultRetryDelayMs      = 10_000
	defaultLeaseSeconds      = 60
	defaultMaxAttempts       = 5
)

var (
	workerFetchErrorCounter = metrics.GetOrCreateCounter(`job_worker_total{result="fetch_failed"}`)
	workerBatchCounter      = metrics.GetOrCreateCounter(`job_worker_total{result="batch"}`)

	workerJobCompletedCounter    = metrics.GetOrCreateCounter(`job_worker_jobs_total{result="completed"}`)
	workerJobRescheduledCounter  = metrics.GetOrCreateCounter(`job_worker_jobs_total{result="rescheduled"}`)
	workerJobDeadLetteredCounter = metrics.GetOrCreateCounter(`job_worker_jobs_total{result="dead_lettered"}`)

	workerProcessDurationHistogram = metrics.GetOrCreateHistogram(`job_worker_duration_milliseconds`)
)

type HandlerFunc func(ctx context.Context, payload string) error

type Worker struct {
	repo            *db.JobRepository
	handlers        map[string]HandlerFunc
	pollingInterval time.Duration
	fetchSize       int
	retryDelay      time.Duration
	lease           time.Duration
	maxAttempts     int
	typeMaxAttempts map[string]int
	logger          *slog.Logger
}

func NewWorker(repo *db.JobRepository, cfg config.Jobs, logger *slog.Logger) *Worker {
	pollingMs := cfg.PollingIntervalMs
	if pollingMs <= 0 {
		pollingMs = defaultPollingIntervalMs
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	retryMs := cfg.RetryDelayMs
	if retryMs <= 0 {
		retryMs = defaultRetryDelayMs
	}
	leaseS := cfg.LeaseSeconds
	if leaseS <= 0 {
		leaseS = defaultLeaseSeconds
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Worker{
		repo:            repo,
		handlers:        make(map[string]HandlerFunc),
		typeMaxAttempts: make(map[string]int),
		pollingInterval: time.Duration(pollingMs) * time.Millisecond,
		fetchSize:       fetchSize,
		retryDelay:      time.Duration(retryMs) * time.Millisecond,
		lease:           time.Duration(leaseS) * time.Second,
		maxAttempts:     maxAttempts,
		logger:          logger,
	}
}

func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.handlers[jobType] = h
}

// SetMaxAttempts overrides the dead-letter threshold for one job type.
// Values <= 0 keep the worker-wide default.
func (w *Worker) SetMaxAttempts(jobType string, maxAttempts int) {
	if maxAttempts > 0 {
		w.typeMaxAttempts[jobType] = maxAttempts
	}
}

func (w *Worker) maxAttemptsFor(jobType string) int {
	if override, ok := w.typeMaxAttempts[jobType]; ok {
		return override
	}
	return w.maxAttempts
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.process(ctx)
			case <-ctx.Done():
				w.logger.InfoContext(ctx, "Context done, stopping job worker")
				return
			}
		}
	}()
}

func (w *Worker) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one polling round
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	due, err := w.repo.FetchDue(ctx, w.fetchSize, w.lease)
	if err != nil {
		w.logger.ErrorContext(ctx, "Error fetching due jobs", "error", err)
		workerFetchErrorCounter.Inc()
		return
	}
	if len(due) == 0 {
		return
	}
	workerBatchCounter.Inc()

	for _, job := range due {
		w.handle(logging.AppendCtx(ctx, slog.String("jobId", job.ID)), job)
	}

	workerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

// handle runs one leased job. The lease was taken in its own transaction, so
// handler I/O happens without any row lock held.
func (w *Worker) handle(ctx context.Context, job db.JobEntity) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.ErrorContext(ctx, "No handler registered for job type", "type", job.Type)
		if err := w.repo.DeadLetter(ctx, job.ID, "no handler for type "+job.Type); err != nil {
			w.logger.ErrorContext(ctx, "Error dead-lettering job", "error", err)
		}
		workerJobDeadLetteredCounter.Inc()
		return
	}

	err := handler(ctx, job.Payload)
	if err == nil {
		if err := w.repo.MarkCompleted(ctx, job.ID); err != nil {
			w.logger.ErrorContext(ctx, "Error marking job completed", "error", err)
			return
		}
		workerJobCompletedCounter.Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= w.maxAttemptsFor(job.Type) {
		// Operator escalation path: the job stops retrying and surfaces in
		// logs and metrics.
		w.logger.ErrorContext(ctx, "Max attempts reached, dead-lettering job",
			"type", job.Type, "attempts", attempts, "error", err)
		if dlErr := w.repo.DeadLetter(ctx, job.ID, err.Error()); dlErr != nil {
			w.logger.ErrorContext(ctx, "Error dead-lettering job", "error", dlErr)
		}
		workerJobDeadLetteredCounter.Inc()
		return
	}

	next := time.Now().Add(time.Duration(attempts) * w.retryDelay)
	w.logger.WarnContext(ctx, "Job failed, rescheduling",
		"type", job.Type, "attempts", attempts, "nextAt", next, "error", err)
	if rsErr := w.repo.Reschedule(ctx, job.ID, next, err.Error()); rsErr != nil {
		w.logger.ErrorContext(ctx, "Error rescheduling job", "error", rsErr)
	}
	workerJobRescheduledCounter.Inc()
}
