package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	chatvault "github.com/chatvault/chatvault"
)

// The job queue half of the store. The single serialized connection makes
// the select-then-lease in DequeueNext atomic without row locks: no second
// dequeuer can interleave between the SELECT and the UPDATE.

// Enqueue inserts a job. Defaults are applied for zero-valued fields.
func (s *Store) Enqueue(ctx context.Context, job chatvault.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: job enqueued", "id", job.ID, "kind", job.Kind)
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job chatvault.Job) error {
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
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts,
		                   lease_owner, lease_expires_at, last_error, created_at, available_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, string(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		job.LeaseOwner, job.LeaseExpiresAt, job.LastError, job.CreatedAt, job.AvailableAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts,
	lease_owner, lease_expires_at, last_error, created_at, available_at`

// DequeueNext leases the next ready job of one of the given kinds:
// status=leased, owner and expiry set, attempts incremented. Returns false
// when no job is ready.
func (s *Store) DequeueNext(ctx context.Context, kinds []string, leaseDuration time.Duration, owner string) (chatvault.Job, bool, error) {
	if len(kinds) == 0 {
		return chatvault.Job{}, false, nil
	}
	now := chatvault.NowUnix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatvault.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := make([]string, len(kinds))
	args := []any{chatvault.JobPending}
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, k)
	}
	args = append(args, now)

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND kind IN (`+strings.Join(placeholders, ",")+`) AND available_at <= ?
		 ORDER BY available_at ASC, created_at ASC
		 LIMIT 1`, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chatvault.Job{}, false, nil
	}
	if err != nil {
		return chatvault.Job{}, false, err
	}

	job.Status = chatvault.JobLeased
	job.Attempts++
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now + int64(leaseDuration/time.Second)
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, lease_owner = ?, lease_expires_at = ? WHERE id = ?`,
		job.Status, job.Attempts, job.LeaseOwner, job.LeaseExpiresAt, job.ID)
	if err != nil {
		return chatvault.Job{}, false, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chatvault.Job{}, false, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("sqlite: job leased", "id", job.ID, "kind", job.Kind, "owner", owner, "attempt", job.Attempts)
	return job, true, nil
}

// Heartbeat extends the lease of a job still owned by owner.
func (s *Store) Heartbeat(ctx context.Context, jobID, owner string, leaseDuration time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND status = ? AND lease_owner = ?`,
		chatvault.NowUnix()+int64(leaseDuration/time.Second), jobID, chatvault.JobLeased, owner)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s: %w", jobID, chatvault.ErrNotFound)
	}
	return nil
}

// MarkCompleted finishes a job still owned by owner.
func (s *Store) MarkCompleted(ctx context.Context, jobID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0
		 WHERE id = ? AND status = ? AND lease_owner = ?`,
		chatvault.JobCompleted, jobID, chatvault.JobLeased, owner)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark completed %s: %w", jobID, chatvault.ErrNotFound)
	}
	s.logger.Debug("sqlite: job completed", "id", jobID, "owner", owner)
	return nil
}

// MarkFailed records lastError. Permanent failures and exhausted attempts
// move the job to failed; transient ones return to pending with the next
// attempt pushed out by the retry backoff.
func (s *Store) MarkFailed(ctx context.Context, jobID, owner, lastError string, permanent bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND status = ? AND lease_owner = ?`,
		jobID, chatvault.JobLeased, owner)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark failed %s: %w", jobID, chatvault.ErrNotFound)
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

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0, last_error = ?, available_at = ?
		 WHERE id = ?`,
		status, lastError, availableAt, jobID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("sqlite: job failed", "id", jobID, "status", status, "attempts", job.Attempts, "error", lastError)
	return nil
}

// PendingJobs returns ready-to-run pending jobs ordered by availability.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]chatvault.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ?
		 ORDER BY available_at ASC, created_at ASC
		 LIMIT ?`, chatvault.JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
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
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return chatvault.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats chatvault.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0
		 WHERE status = ? AND lease_expires_at <= ?`,
		chatvault.JobPending, chatvault.JobLeased, chatvault.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: reclaimed expired leases", "count", n)
	}
	return int(n), nil
}

func scanJob(row rowScanner) (chatvault.Job, error) {
	var j chatvault.Job
	var payload string
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.AvailableAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return j, err
		}
		return j, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	return j, nil
}
