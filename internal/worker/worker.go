// Package worker runs queued background jobs: expiry sweeps, per-detective
// entitlement refreshes and repair passes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the job persistence the worker depends on.
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

// Stats holds in-process worker counters.
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveJobs      int       `json:"active_jobs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the number of processor goroutines.
	MaxConcurrent int
	// PollInterval is the wait between claims when the queue is empty.
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the first retry.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier grows the delay per attempt.
	RetryBackoffMultiplier float64
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
	}
}

// Worker claims jobs from a Queue and dispatches them to handlers.
type Worker struct {
	config   Config
	queue    Queue
	log      *zap.Logger
	workerID string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex

	// activeJobs lets Stop cancel and release in-flight jobs.
	activeJobs map[int64]context.CancelFunc

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Worker. Zero config fields take their defaults.
func New(config Config, queue Queue, log *zap.Logger) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	id := generateWorkerID()
	return &Worker{
		config:     config,
		queue:      queue,
		log:        log.Named("worker").With(zap.String("worker_id", id)),
		workerID:   id,
		handlers:   make(map[string]Handler),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler routes jobs of jobType to h, replacing any previous handler.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start launches the processors. They run until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
	w.log.Info("worker started", zap.Int("processors", w.config.MaxConcurrent))
}

// Stop cancels in-flight jobs, returns them to the queue and waits for the
// processors to exit.
func (w *Worker) Stop(ctx context.Context) error {
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
		w.log.Info("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("worker shutdown timeout exceeded")
	}
}

func (w *Worker) processor(ctx context.Context, n int) {
	defer w.wg.Done()
	log := w.log.With(zap.Int("processor", n))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.processNextJob(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error("claim failed", zap.Error(err))
			w.wait(ctx)
		}
	}
}

// processNextJob claims and runs at most one job.
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx)
		return nil
	}
	w.processJob(ctx, job)
	return nil
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	log := w.log.With(
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))
	log.Debug("processing job")

	h, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(jobCtx, log, job, fmt.Errorf("no handler registered for job type %q", job.JobType))
		return
	}

	if err := h(jobCtx, job); err != nil {
		w.handleError(jobCtx, log, job, err)
		return
	}

	w.record(func(s *Stats) { s.JobsSucceeded++ })
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error("mark completed failed", zap.Error(err))
		return
	}
	log.Info("job completed", zap.Duration("duration", time.Since(start)))
}

func (w *Worker) handleError(ctx context.Context, log *zap.Logger, job *models.Job, err error) {
	w.record(func(s *Stats) { s.JobsFailed++ })

	if job.CanRetry() {
		delay := w.retryDelay(job.Attempts)
		w.record(func(s *Stats) { s.JobsRetried++ })
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("retry_in", delay))
		if rerr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
			log.Error("schedule retry failed", zap.Error(rerr))
		}
		return
	}

	log.Error("job failed permanently", zap.Error(err))
	if merr := w.queue.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		log.Error("mark failed failed", zap.Error(merr))
	}
}

// retryDelay is exponential in attempt with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	base = math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(base * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) record(fn func(*Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.JobsProcessed++
	w.stats.LastProcessedAt = time.Now()
	fn(&w.stats)
}

func (w *Worker) trackActiveJob(id int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[id] = cancel
}

func (w *Worker) untrackActiveJob(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, id)
}

func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			w.log.Error("release job failed", zap.Int64("job_id", id), zap.Error(err))
			continue
		}
		w.log.Info("released job", zap.Int64("job_id", id))
	}
}

// Stats returns a copy of the in-process counters.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	s := w.stats
	w.statsMu.Unlock()

	w.mu.Lock()
	s.ActiveJobs = len(w.activeJobs)
	w.mu.Unlock()
	return s
}

// Enqueue validates and queues job.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	w.log.Info("job enqueued",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("priority", string(job.Priority)))
	return nil
}

// CancelJob cancels a pending or failed job.
func (w *Worker) CancelJob(ctx context.Context, id int64) error {
	if err := w.queue.CancelJob(ctx, id); err != nil {
		return err
	}
	w.log.Info("job cancelled", zap.Int64("job_id", id))
	return nil
}

// GetJob returns a job by id.
func (w *Worker) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	return w.queue.GetByID(ctx, id)
}

// QueueStats counts persisted jobs per status.
func (w *Worker) QueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
