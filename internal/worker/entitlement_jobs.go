package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
	"github.com/PortNumber53/detective-directory/backend/internal/service"
)

// EntitlementService is the part of the entitlement service the jobs drive.
type EntitlementService interface {
	Resolve(ctx context.Context, detectiveID string) (*service.Resolution, error)
	SweepExpired(ctx context.Context) (service.SweepReport, error)
	Repair(ctx context.Context) (service.RepairReport, error)
}

// RegisterEntitlementJobs registers the sweep, refresh and repair handlers.
func RegisterEntitlementJobs(w *Worker, ent EntitlementService) {
	w.RegisterHandler(models.JobTypeExpirySweep, expirySweepHandler(ent, w.log))
	w.RegisterHandler(models.JobTypeEntitlementRefresh, refreshHandler(ent, w.log))
	w.RegisterHandler(models.JobTypeEntitlementRepair, repairHandler(ent, w.log))
}

func expirySweepHandler(ent EntitlementService, log *zap.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		report, err := ent.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep expired subscriptions: %w", err)
		}
		log.Info("expiry sweep job done",
			zap.Int64("job_id", job.ID),
			zap.Int("checked", report.Checked),
			zap.Int("transitioned", report.Transitioned))
		return nil
	}
}

// refreshHandler resolves one detective so any due transition is written.
func refreshHandler(ent EntitlementService, log *zap.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		id := job.Payload.String("detective_id")
		if id == "" {
			return fmt.Errorf("missing detective_id in payload")
		}
		res, err := ent.Resolve(ctx, id)
		if err != nil {
			return fmt.Errorf("refresh detective %s: %w", id, err)
		}
		log.Debug("entitlement refreshed",
			zap.String("detective_id", id),
			zap.String("plan_id", res.Result.EffectivePlanID),
			zap.Bool("persisted", res.Persisted))
		return nil
	}
}

func repairHandler(ent EntitlementService, log *zap.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		report, err := ent.Repair(ctx)
		if err != nil {
			return fmt.Errorf("repair entitlements: %w", err)
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d detectives could not be repaired", report.Failed, report.Checked)
		}
		log.Info("repair job done", zap.Int64("job_id", job.ID), zap.Int("repaired", report.Repaired))
		return nil
	}
}

// IdleQueue is the queue surface the scheduler needs.
type IdleQueue interface {
	EnqueueIfIdle(ctx context.Context, job *models.Job) (bool, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler enqueues an expiry sweep every interval unless one is already
// queued, and prunes finished jobs older than Retention.
type Scheduler struct {
	queue     IdleQueue
	interval  time.Duration
	Retention time.Duration
	log       *zap.Logger

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewScheduler creates a Scheduler. It does nothing until Start.
func NewScheduler(queue IdleQueue, interval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		queue:     queue,
		interval:  interval,
		Retention: 7 * 24 * time.Hour,
		log:       log.Named("scheduler"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs one tick immediately and then every interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.started = true
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop ends the loop started by Start and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started {
		<-s.done
	}
}

// Tick enqueues a sweep and prunes old jobs once.
func (s *Scheduler) Tick(ctx context.Context) {
	job := &models.Job{JobType: models.JobTypeExpirySweep, Priority: models.JobPriorityHigh}
	queued, err := s.queue.EnqueueIfIdle(ctx, job)
	switch {
	case err != nil:
		s.log.Error("enqueue expiry sweep failed", zap.Error(err))
	case queued:
		s.log.Info("expiry sweep enqueued", zap.Int64("job_id", job.ID))
	default:
		s.log.Debug("expiry sweep already queued")
	}

	if s.Retention <= 0 {
		return
	}
	removed, err := s.queue.CleanupOldJobs(ctx, s.Retention)
	if err != nil {
		s.log.Error("cleanup old jobs failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("old jobs removed", zap.Int64("count", removed))
	}
}
