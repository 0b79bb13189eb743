package handlers

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// JobQueue is the admin view of the background job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	QueueStats(ctx context.Context) (*models.JobStats, error)
}

// CreateJob queues one of the known entitlement jobs.
func CreateJob(queue JobQueue, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.EnqueueJobRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !slices.Contains(models.KnownJobTypes, req.JobType) {
			writeError(w, http.StatusBadRequest, "unknown job_type "+strconv.Quote(req.JobType))
			return
		}
		if req.JobType == models.JobTypeEntitlementRefresh && req.Payload.String("detective_id") == "" {
			writeError(w, http.StatusBadRequest, "payload.detective_id is required")
			return
		}

		job := &models.Job{
			JobType:     req.JobType,
			Payload:     req.Payload,
			Priority:    req.Priority,
			MaxAttempts: req.MaxAttempts,
		}
		if err := queue.Enqueue(r.Context(), job); err != nil {
			writeServiceError(w, log, "enqueue job", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":      job.ID,
			"status":  job.Status,
			"message": "Job created successfully",
		})
	}
}

// GetJob returns a job by the id path parameter.
func GetJob(queue JobQueue, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := queue.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, log, "get job", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job.
func CancelJob(queue JobQueue, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := queue.CancelJob(r.Context(), id); err != nil {
			writeServiceError(w, log, "cancel job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"message": "Job cancelled successfully",
		})
	}
}

// GetJobStats counts jobs per status.
func GetJobStats(queue JobQueue, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := queue.QueueStats(r.Context())
		if err != nil {
			writeServiceError(w, log, "job stats", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}
