package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eden3/eden3/internal/model"
)

const jobColumns = `id, queue, event_id, event_type, agent_ref, payload, event_timestamp, state,
	attempts, max_attempts, last_error, run_at, locked_until, created_at, updated_at, finished_at`

func jobScanArgs(j *model.Job) []any {
	return []any{
		&j.ID, &j.Queue, &j.EventID, &j.EventType, &j.AgentRef, &j.Payload, &j.EventTimestamp, &j.State,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.RunAt, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt,
		&j.FinishedAt,
	}
}

func scanJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(jobScanArgs(&j)...); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// InsertJob enqueues a job inside tx. The job becomes due immediately unless
// RunAt is set.
func (tx *Tx) InsertJob(ctx context.Context, j model.Job) error {
	if j.Queue == "" {
		j.Queue = model.EventsQueue
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO jobs (id, queue, event_id, event_type, agent_ref, payload, event_timestamp,
		                   state, attempts, max_attempts, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'waiting', 0, $8, $9)`,
		j.ID, j.Queue, j.EventID, j.EventType, j.AgentRef, []byte(j.Payload), j.EventTimestamp,
		j.MaxAttempts, j.RunAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert job: %w", err)
	}
	return nil
}

// ClaimJobs leases up to limit due jobs from queue and returns them in the
// active state with attempts incremented. Due jobs are waiting or failed jobs
// whose run_at has passed, plus active jobs whose lease expired (stalled) and
// that still have attempts left. Rows locked by another claimer are skipped.
func (db *DB) ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]model.Job, error) {
	rows, err := db.pool.Query(ctx,
		`WITH due AS (
		   SELECT id AS due_id FROM jobs
		   WHERE queue = $1
		     AND ((state IN ('waiting', 'failed') AND run_at <= now())
		       OR (state = 'active' AND locked_until < now() AND attempts < max_attempts))
		   ORDER BY run_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs j
		 SET state = 'active', attempts = j.attempts + 1,
		     locked_until = now() + $3::interval, updated_at = now()
		 FROM due WHERE j.id = due.due_id
		 RETURNING `+jobColumns,
		queue, limit, lease,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim jobs: %w", err)
	}
	return scanJobs(rows)
}

// CompleteJob marks an active job completed.
func (db *DB) CompleteJob(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = 'completed', locked_until = NULL, last_error = NULL,
		     finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	return nil
}

// RetryJobAt returns a failed job to the queue, due again at runAt.
func (db *DB) RetryJobAt(ctx context.Context, id string, runAt time.Time, msg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = 'failed', run_at = $2, last_error = $3, locked_until = NULL, updated_at = now()
		 WHERE id = $1`,
		id, runAt, msg,
	)
	if err != nil {
		return fmt.Errorf("storage: retry job: %w", err)
	}
	return nil
}

// KillJob dead-letters a job whose attempts are exhausted.
func (db *DB) KillJob(ctx context.Context, id, msg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = 'dead', last_error = $2, locked_until = NULL, finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("storage: kill job: %w", err)
	}
	return nil
}

// KillStalledJobs dead-letters active jobs whose lease expired after their
// final attempt. Their events are marked FAILED in the same statement, since
// no handler will report on them again. It returns the affected jobs.
func (db *DB) KillStalledJobs(ctx context.Context, queue string) ([]model.Job, error) {
	rows, err := db.pool.Query(ctx,
		`WITH killed AS (
		   UPDATE jobs
		   SET state = 'dead', last_error = COALESCE(last_error, 'job stalled'),
		       locked_until = NULL, finished_at = now(), updated_at = now()
		   WHERE queue = $1 AND state = 'active' AND locked_until < now() AND attempts >= max_attempts
		   RETURNING `+jobColumns+`
		 ), failed AS (
		   UPDATE events e
		   SET status = 'FAILED', attempts = e.attempts + 1, error_message = 'job stalled', updated_at = now()
		   FROM killed k
		   WHERE e.event_id = k.event_id AND e.status <> 'COMPLETED'
		 )
		 SELECT `+jobColumns+` FROM killed`,
		queue,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: kill stalled jobs: %w", err)
	}
	return scanJobs(rows)
}

// RequeueDeadJob resets a dead job to waiting with a fresh attempt budget.
func (db *DB) RequeueDeadJob(ctx context.Context, id string) (model.Job, error) {
	var j model.Job
	err := db.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET state = 'waiting', attempts = 0, run_at = now(), locked_until = NULL,
		     finished_at = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'dead'
		 RETURNING `+jobColumns,
		id,
	).Scan(jobScanArgs(&j)...)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, fmt.Errorf("storage: requeue job: %w", err)
	}
	if _, err := db.GetJob(ctx, id); err != nil {
		return model.Job{}, err
	}
	return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrJobNotDead)
}

// GetJob retrieves a job by id.
func (db *DB) GetJob(ctx context.Context, id string) (model.Job, error) {
	var j model.Job
	err := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id).Scan(jobScanArgs(&j)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// CountJobs returns the number of jobs in each state of queue.
func (db *DB) CountJobs(ctx context.Context, queue string) (model.QueueCounts, error) {
	var c model.QueueCounts
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE state = 'waiting'),
		        COUNT(*) FILTER (WHERE state = 'active'),
		        COUNT(*) FILTER (WHERE state = 'completed'),
		        COUNT(*) FILTER (WHERE state = 'failed'),
		        COUNT(*) FILTER (WHERE state = 'dead')
		 FROM jobs WHERE queue = $1`,
		queue,
	).Scan(&c.Waiting, &c.Active, &c.Completed, &c.Failed, &c.Dead)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("storage: count jobs: %w", err)
	}
	return c, nil
}

// TrimFinishedJobs keeps the newest keepCompleted completed jobs and the
// newest keepDead dead jobs of queue, deleting the rest. It returns the
// number of rows removed.
func (db *DB) TrimFinishedJobs(ctx context.Context, queue string, keepCompleted, keepDead int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, state,
		            row_number() OVER (PARTITION BY state ORDER BY finished_at DESC, id) AS rn
		     FROM jobs
		     WHERE queue = $1 AND state IN ('completed', 'dead')
		   ) ranked
		   WHERE (state = 'completed' AND rn > $2) OR (state = 'dead' AND rn > $3)
		 )`,
		queue, keepCompleted, keepDead,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: trim finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
