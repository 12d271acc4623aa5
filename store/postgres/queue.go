package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	chatvault "github.com/chatvault/chatvault"
)

// The job queue half of the store. DequeueNext uses FOR UPDATE SKIP LOCKED
// so concurrent workers never contend on the same row: each dequeuer locks
// a distinct candidate or sees none.

// Enqueue inserts a job. Defaults are applied for zero-valued fields.
func (s *Store) Enqueue(ctx context.Context, job chatvault.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job chatvault.Job) error {
	if job.ID == "" {
		job.ID = chatvault.NewID()
	}
	if job.Status == "" {
		job.Status = chatvault.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = chatvault.DefaultMaxAttempts
	}
	now := chatvault.NowUnix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.AvailableAt == 0 {
		job.AvailableAt = now
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts,
		                   lease_owner, lease_expires_at, last_error, created_at, available_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Kind, string(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		job.LeaseOwner, job.LeaseExpiresAt, job.LastError, job.CreatedAt, job.AvailableAt)
	if err != nil {
		return fmt.Errorf("postgres: insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts,
	lease_owner, lease_expires_at, last_error, created_at, available_at`

// DequeueNext leases the next ready job of one of the given kinds. Under
// concurrent dequeues exactly one caller wins a given job.
func (s *Store) DequeueNext(ctx context.Context, kinds []string, leaseDuration time.Duration, owner string) (chatvault.Job, bool, error) {
	if len(kinds) == 0 {
		return chatvault.Job{}, false, nil
	}
	now := chatvault.NowUnix()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chatvault.Job{}, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	placeholders := make([]string, len(kinds))
	args := []any{now}
	for i, k := range kinds {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, k)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND available_at <= $1 AND kind IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY available_at ASC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatvault.Job{}, false, nil
	}
	if err != nil {
		return chatvault.Job{}, false, err
	}

	job.Status = chatvault.JobLeased
	job.Attempts++
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now + int64(leaseDuration/time.Second)
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = $2, lease_owner = $3, lease_expires_at = $4 WHERE id = $5`,
		job.Status, job.Attempts, job.LeaseOwner, job.LeaseExpiresAt, job.ID)
	if err != nil {
		return chatvault.Job{}, false, fmt.Errorf("postgres: lease job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return chatvault.Job{}, false, fmt.Errorf("postgres: commit: %w", err)
	}
	return job, true, nil
}

// Heartbeat extends the lease of a job still owned by owner.
func (s *Store) Heartbeat(ctx context.Context, jobID, owner string, leaseDuration time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET lease_expires_at = $1 WHERE id = $2 AND status = 'leased' AND lease_owner = $3`,
		chatvault.NowUnix()+int64(leaseDuration/time.Second), jobID, owner)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: heartbeat %s: %w", jobID, chatvault.ErrNotFound)
	}
	return nil
}

// MarkCompleted finishes a job still owned by owner.
func (s *Store) MarkCompleted(ctx context.Context, jobID, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', lease_owner = '', lease_expires_at = 0
		 WHERE id = $1 AND status = 'leased' AND lease_owner = $2`, jobID, owner)
	if err != nil {
		return fmt.Errorf("postgres: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark completed %s: %w", jobID, chatvault.ErrNotFound)
	}
	return nil
}

// MarkFailed records lastError. Permanent failures and exhausted attempts
// move the job to failed; transient ones return to pending with backoff.
func (s *Store) MarkFailed(ctx context.Context, jobID, owner, lastError string, permanent bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE id = $1 AND status = 'leased' AND lease_owner = $2
		 FOR UPDATE`, jobID, owner)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: mark failed %s: %w", jobID, chatvault.ErrNotFound)
	}
	if err != nil {
		return err
	}

	status := chatvault.JobPending
	availableAt := chatvault.NowUnix() + int64(chatvault.JobBackoff(job.Attempts)/time.Second)
	if permanent || job.Attempts >= job.MaxAttempts {
		status = chatvault.JobFailed
		availableAt = job.AvailableAt
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $1, lease_owner = '', lease_expires_at = 0, last_error = $2, available_at = $3
		 WHERE id = $4`, status, lastError, availableAt, jobID)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// PendingJobs returns pending jobs ordered by availability.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]chatvault.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending'
		 ORDER BY available_at ASC, created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending jobs: %w", err)
	}
	defer rows.Close()

	var out []chatvault.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// QueueStats returns the per-status job counts.
func (s *Store) QueueStats(ctx context.Context) (chatvault.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return chatvault.QueueStats{}, fmt.Errorf("postgres: queue stats: %w", err)
	}
	defer rows.Close()

	var stats chatvault.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("postgres: scan queue stats: %w", err)
		}
		switch status {
		case chatvault.JobPending:
			stats.Pending = n
		case chatvault.JobLeased:
			stats.Leased = n
		case chatvault.JobCompleted:
			stats.Completed = n
		case chatvault.JobFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// ReclaimExpired returns leased jobs whose lease has lapsed to pending.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = '', lease_expires_at = 0
		 WHERE status = 'leased' AND lease_expires_at <= $1`, chatvault.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row rowScanner) (chatvault.Job, error) {
	var j chatvault.Job
	var payload []byte
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.AvailableAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return j, err
		}
		return j, fmt.Errorf("postgres: scan job: %w", err)
	}
	j.Payload = payload
	return j, nil
}
