package db

import (
	"context"
	"time"

	"phrasecast/internal/types"
)

// Job history statuses.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusSkipped = "skipped"
)

// JobLockRepository provides run locking via the job_locks table. A lock is
// acquired with INSERT ... ON CONFLICT DO UPDATE so that only one invocation
// processes a given slot, and an expired lock can be reclaimed.
type JobLockRepository struct {
	db      DBTX
	timeout time.Duration
	now     func() time.Time
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction). timeout bounds each call.
func NewJobLockRepository(db DBTX, timeout time.Duration) *JobLockRepository {
	return &JobLockRepository{db: db, timeout: timeout, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is typically
// "broadcast:<slot>".
//
// SQL pattern:
//
//	INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (id) DO UPDATE
//	  SET worker_id = EXCLUDED.worker_id,
//	      locked_at = EXCLUDED.locked_at,
//	      expires_at = EXCLUDED.expires_at
//	  WHERE job_locks.expires_at < $3
//
// locked_at and expires_at are computed in Go; Go's duration format is not a
// valid PostgreSQL interval.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.now()
	expiresAt := now.Add(ttl)

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeLockUnavailable, "failed to acquire job lock", err)
	}

	// 1 for a new row or a reclaimed expired lock, 0 while another worker
	// holds it.
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock if workerID still holds it. Releasing a lock that
// expired and was taken by someone else is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeLockUnavailable, "failed to release job lock", err)
	}
	return nil
}

// JobHistoryRepository provides data access for the job_history table.
type JobHistoryRepository struct {
	db      DBTX
	timeout time.Duration
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction). timeout bounds each call.
func NewJobHistoryRepository(db DBTX, timeout time.Duration) *JobHistoryRepository {
	return &JobHistoryRepository{db: db, timeout: timeout}
}

// Start inserts a new job_history row with status 'running' and returns
// the generated ID for the matching Finish call.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), $2)
		 RETURNING id`,
		jobType,
		JobStatusRunning,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish updates the job_history row with the final status, item count,
// and optional error message.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

var (
	_ types.RunLock    = (*JobLockRepository)(nil)
	_ types.RunHistory = (*JobHistoryRepository)(nil)
)
