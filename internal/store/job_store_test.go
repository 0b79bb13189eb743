package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

var jobRowColumns = []string{
	"id", "job_type", "payload", "status", "priority", "attempts", "max_attempts",
	"created_at", "updated_at", "scheduled_for", "last_error", "retry_after",
	"processed_at", "completed_at", "worker_id",
}

func newMockJobStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &JobStore{db: db}, mock
}

func TestEnqueueDefaults(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO jobs`).
		WithArgs(models.JobTypeExpirySweep, sqlmock.AnyArg(), models.JobPriorityNormal, 3, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(7), "pending", now, now))

	job := &models.Job{JobType: models.JobTypeExpirySweep}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if job.ID != 7 || job.Status != models.JobStatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestEnqueueRejectsEmptyType(t *testing.T) {
	s, _ := newMockJobStore(t)

	if err := s.Enqueue(context.Background(), &models.Job{}); err == nil {
		t.Fatal("expected error for job without type")
	}
}

func TestEnqueueIfIdleSkipsWhenBusy(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`WHERE NOT EXISTS`).
		WithArgs(models.JobTypeExpirySweep, sqlmock.AnyArg(), models.JobPriorityNormal, 3, nil).
		WillReturnError(sql.ErrNoRows)

	inserted, err := s.EnqueueIfIdle(context.Background(), &models.Job{JobType: models.JobTypeExpirySweep})
	if err != nil {
		t.Fatalf("EnqueueIfIdle returned error: %v", err)
	}
	if inserted {
		t.Fatal("expected no insert while a sweep is queued")
	}
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("worker-1").WillReturnError(sql.ErrNoRows)

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected nil job, got %v (%v)", job, err)
	}
}

func TestClaimNextJobScansPayload(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(jobRowColumns).AddRow(
		int64(3), models.JobTypeEntitlementRefresh, []byte(`{"detective_id":"det-1"}`), "processing", "normal",
		1, 3, now, now, nil, nil, nil, now, nil, "worker-1",
	)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("worker-1").WillReturnRows(rows)

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job.Payload.String("detective_id") != "det-1" {
		t.Fatalf("unexpected payload %v", job.Payload)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-1" {
		t.Fatalf("unexpected worker id %v", job.WorkerID)
	}
}

func TestCancelJobNotCancellable(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectExec(`SET status = 'cancelled'`).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.CancelJob(context.Background(), 9); !errors.Is(err, ErrJobNotCancellable) {
		t.Fatalf("expected ErrJobNotCancellable, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`FROM jobs WHERE id = \$1`).WithArgs(int64(1)).WillReturnError(sql.ErrNoRows)

	if _, err := s.GetByID(context.Background(), 1); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "completed", "failed", "cancelled", "total"}).
			AddRow(1, 2, 3, 0, 1, 7))

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.Total != 7 || stats.Processing != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
