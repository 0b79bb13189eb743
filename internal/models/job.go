package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobPriority orders pending jobs when claiming.
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)

// Job types handled by the entitlement worker.
const (
	JobTypeExpirySweep        = "subscription_expiry_sweep"
	JobTypeEntitlementRefresh = "entitlement_refresh"
	JobTypeEntitlementRepair  = "entitlement_repair"
)

// KnownJobTypes lists the job types an admin may enqueue.
var KnownJobTypes = []string{JobTypeExpirySweep, JobTypeEntitlementRefresh, JobTypeEntitlementRepair}

var errMissingJobType = errors.New("job type is required")

// Job is a row of the jobs table.
type Job struct {
	ID           int64       `json:"id"`
	JobType      string      `json:"job_type"`
	Payload      JSONB       `json:"payload"`
	Status       JobStatus   `json:"status"`
	Priority     JobPriority `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	LastError    *string     `json:"last_error,omitempty"`
	RetryAfter   *time.Time  `json:"retry_after,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	WorkerID     *string     `json:"worker_id,omitempty"`
}

// JSONB is a free-form JSON object column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(map[string]interface{}(j))
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	out := JSONB{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*j = out
	return nil
}

// String returns the payload value at key, or "" when absent or not a string.
func (j JSONB) String(key string) string {
	s, _ := j[key].(string)
	return s
}

// JobStats counts jobs per status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// EnqueueJobRequest is the body of POST /api/admin/jobs.
type EnqueueJobRequest struct {
	JobType     string      `json:"job_type" validate:"required"`
	Payload     JSONB       `json:"payload"`
	Priority    JobPriority `json:"priority" validate:"omitempty,oneof=low normal high"`
	MaxAttempts int         `json:"max_attempts" validate:"omitempty,min=1,max=20"`
}

// Validate fills defaults and rejects jobs that cannot be queued.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return errMissingJobType
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	if j.Payload == nil {
		j.Payload = JSONB{}
	}
	return nil
}

// CanRetry reports whether a failed attempt should be retried.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts && j.Status != JobStatusCancelled
}
