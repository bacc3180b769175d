// Package worker provides the async job queue processor with queue abstractions,
// worker loop, instrumentation hooks, and graceful shutdown handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the persistent job queue the worker drains.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveWorkers   int
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat metrics
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             30 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// bookkeepingTimeout bounds the queue writes made after a handler returns.
const bookkeepingTimeout = 5 * time.Second

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	logger          zerolog.Logger
	handlers        Handlers
	instrumentation *Instrumentation

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, queue Queue, logger zerolog.Logger) *Worker {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	workerID := "worker-" + uuid.NewString()
	return &Worker{
		config:          config,
		queue:           queue,
		logger:          logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		handlers:        Handlers{},
		workerID:        workerID,
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// RegisterHandler binds a handler to a job type. Registering twice replaces
// the previous handler. It must be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("max_concurrent", w.config.MaxConcurrent).Msg("starting worker")

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker. In-flight jobs are cancelled and
// released back to pending so another worker can pick them up.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info().Msg("initiating graceful shutdown")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.logger.Warn().Msg("shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (w *Worker) stopping() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.logger.With().Int("processor", id).Logger()
	log.Debug().Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("processor shutting down (context cancelled)")
			return
		case <-w.stopCh:
			log.Debug().Msg("processor shutting down (stop signal)")
			return
		default:
		}

		idle, err := w.processNextJob(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error().Err(err).Msg("claim failed")
			idle = true
		}
		if idle {
			w.wait(ctx, w.config.PollInterval)
		}
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-t.C:
	}
}

// processNextJob claims and runs one job. It reports idle when the queue
// was empty.
func (w *Worker) processNextJob(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return true, nil
	}

	w.processJob(ctx, job)
	return false, nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	hooks := w.hooks()
	if hooks.OnStart != nil {
		hooks.OnStart(job)
	}

	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("processing job")

	w.mu.RLock()
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for job type: %s", job.JobType))
	} else {
		err = runHandler(jobCtx, handler, job)
	}

	// A job cancelled by Stop has already been released back to pending.
	if w.stopping() && jobCtx.Err() != nil {
		return
	}

	// The job context may have timed out; queue writes get their own deadline.
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bookCancel()

	if err != nil {
		w.handleError(bookCtx, job, err, start)
	} else {
		w.handleSuccess(bookCtx, job, start)
	}
}

func runHandler(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// retryDelay is exponential in the attempt number, capped at RetryMaxDelay,
// with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(max(attempt-1, 0)))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)
	log := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()
	log.Warn().Err(err).Dur("duration", duration).Msg("job failed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	hooks := w.hooks()
	if hooks.OnFail != nil {
		hooks.OnFail(job, err, duration)
	}

	if job.Attempts < job.MaxAttempts && !IsPermanent(err) {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if hooks.OnRetry != nil {
			hooks.OnRetry(job, delay)
		}

		log.Info().Dur("retry_in", delay).Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("scheduling retry")
		if serr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			log.Error().Err(serr).Msg("failed to schedule retry")
		}
		return
	}

	log.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed permanently")
	if merr := w.queue.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		log.Error().Err(merr).Msg("failed to mark job as failed")
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.logger.Info().Int64("job_id", job.ID).Dur("duration", duration).Msg("job completed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if hooks := w.hooks(); hooks.OnComplete != nil {
		hooks.OnComplete(job, duration)
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job as completed")
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels in-flight jobs and puts them back to pending.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		jobIDs = append(jobIDs, id)
		cancel()
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			w.logger.Error().Err(err).Int64("job_id", id).Msg("failed to release job")
		} else {
			w.logger.Info().Int64("job_id", id).Msg("released job back to pending")
		}
	}
}

// heartbeat periodically sends stats updates
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if hooks := w.hooks(); hooks.OnHeartbeat != nil {
				hooks.OnHeartbeat(w.workerID, w.GetStats())
			}
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue creates a new job in the queue
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	if hooks := w.hooks(); hooks.OnEnqueue != nil {
		hooks.OnEnqueue(job)
	}

	w.logger.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).Str("priority", string(job.Priority)).Msg("enqueued job")
	return nil
}

// CancelJob cancels a pending or failed job
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.queue.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if hooks := w.hooks(); hooks.OnCancel != nil {
		if job, err := w.queue.GetByID(ctx, jobID); err == nil && job != nil {
			hooks.OnCancel(job)
		}
	}

	w.logger.Info().Int64("job_id", jobID).Msg("cancelled job")
	return nil
}

// GetQueueStats returns statistics about the job queue
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}
