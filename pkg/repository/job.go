package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/feedmirror/pkg/domain"
)

// JobRepository is the durable job queue. It holds at most one non-terminal job per feed,
// terminal jobs are moved to the archive.
type JobRepository struct {
	db *sqlx.DB
	mu *sync.Mutex
}

// jobSQL represents an active job for SQL operations
type jobSQL struct {
	ID           string     `db:"id"`
	FeedID       int64      `db:"feed_id"`
	Kind         string     `db:"kind"`
	ScheduledFor time.Time  `db:"scheduled_for"`
	State        string     `db:"state"`
	Attempts     int        `db:"attempts"`
	LastError    string     `db:"last_error"`
	DispatchedAt *time.Time `db:"dispatched_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// archivedJobSQL represents a terminal job for SQL operations
type archivedJobSQL struct {
	jobSQL
	FinishedAt time.Time `db:"finished_at"`
	Items      int       `db:"items"`
	NewItems   int       `db:"new_items"`
}

// NewJobRepository creates a new job repository, mu guards all writes
func NewJobRepository(database *sqlx.DB, mu *sync.Mutex) *JobRepository {
	return &JobRepository{db: database, mu: mu}
}

// EnqueueIfAbsent adds a pending job for the feed unless the feed already has a non-terminal job.
// Returns true if the job was added.
func (r *JobRepository) EnqueueIfAbsent(ctx context.Context, feedID int64, due time.Time, kind domain.JobKind) (bool, error) {
	job := &jobSQL{
		ID:           uuid.NewString(),
		FeedID:       feedID,
		Kind:         string(kind),
		ScheduledFor: due.UTC(),
		State:        string(domain.JobPending),
		CreatedAt:    time.Now().UTC(),
	}

	var added bool
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		res, err := r.db.NamedExecContext(ctx, `
			INSERT OR IGNORE INTO jobs (id, feed_id, kind, scheduled_for, state, attempts, last_error, created_at)
			VALUES (:id, :feed_id, :kind, :scheduled_for, :state, :attempts, :last_error, :created_at)
		`, job)
		if err != nil {
			return fmt.Errorf("enqueue job for feed %d: %w", feedID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue job, rows affected: %w", err)
		}
		added = n == 1
		return nil
	})
	return added, err
}

// NextEligible returns the earliest pending job scheduled at or before now, ties broken by feed id.
// Returns nil if nothing is eligible.
func (r *JobRepository) NextEligible(ctx context.Context, now time.Time) (*domain.Job, error) {
	var job jobSQL
	err := r.db.GetContext(ctx, &job, `
		SELECT * FROM jobs
		WHERE state = 'pending' AND scheduled_for <= ?
		ORDER BY scheduled_for, feed_id
		LIMIT 1
	`, now.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get next eligible job: %w", err)
	}
	return job.toDomain(), nil
}

// MarkDispatched moves a pending job to dispatched
func (r *JobRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			"UPDATE jobs SET state = 'dispatched', dispatched_at = ? WHERE id = ? AND state = 'pending'", at.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark job dispatched: %w", err)
		}
		return expectAffected(res, "mark dispatched "+id)
	})
}

// MarkSucceeded archives a dispatched job as succeeded
func (r *JobRepository) MarkSucceeded(ctx context.Context, id string, at time.Time, result domain.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			job, err := r.getDispatched(ctx, tx, id)
			if err != nil {
				return err
			}
			job.State = string(domain.JobSucceeded)
			arch := &archivedJobSQL{jobSQL: *job, FinishedAt: at.UTC(), Items: result.Items, NewItems: result.NewItems}
			return r.archive(ctx, tx, arch)
		})
	})
}

// MarkFailed archives a dispatched job as failed with an incremented attempts count.
// Below policy.MaxAttempts a replacement pending job carrying the attempts count is added at at+Delay,
// otherwise the outcome is reported as exhausted.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, at time.Time, errMsg string, policy domain.RetryPolicy) (domain.FailOutcome, error) {
	var outcome domain.FailOutcome
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		outcome = domain.FailOutcome{}
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			job, err := r.getDispatched(ctx, tx, id)
			if err != nil {
				return err
			}

			attempts := job.Attempts + 1
			failed := *job
			failed.State, failed.Attempts, failed.LastError = string(domain.JobFailed), attempts, errMsg
			if err := r.archive(ctx, tx, &archivedJobSQL{jobSQL: failed, FinishedAt: at.UTC()}); err != nil {
				return err
			}

			outcome.Attempts = attempts
			if attempts >= policy.MaxAttempts {
				outcome.Exhausted = true
				return nil
			}

			retry := &jobSQL{
				ID:           uuid.NewString(),
				FeedID:       job.FeedID,
				Kind:         job.Kind,
				ScheduledFor: at.Add(policy.Delay).UTC(),
				State:        string(domain.JobPending),
				Attempts:     attempts,
				LastError:    errMsg,
				CreatedAt:    at.UTC(),
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO jobs (id, feed_id, kind, scheduled_for, state, attempts, last_error, created_at)
				VALUES (:id, :feed_id, :kind, :scheduled_for, :state, :attempts, :last_error, :created_at)
			`, retry); err != nil {
				return fmt.Errorf("insert retry job: %w", err)
			}
			outcome.Retry = retry.toDomain()
			return nil
		})
	})
	return outcome, err
}

// RecoverDispatched returns every dispatched job to pending. Attempts are kept, the outcome of
// the interrupted run is unknown. Returns the recovered jobs.
func (r *JobRepository) RecoverDispatched(ctx context.Context) ([]*domain.Job, error) {
	var res []*domain.Job
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var rows []jobSQL
			if err := tx.SelectContext(ctx, &rows, "SELECT * FROM jobs WHERE state = 'dispatched' ORDER BY feed_id"); err != nil {
				return fmt.Errorf("get dispatched jobs: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "UPDATE jobs SET state = 'pending', last_error = ? WHERE state = 'dispatched'",
				domain.ErrUnknownOutcome.Error()); err != nil {
				return fmt.Errorf("requeue dispatched jobs: %w", err)
			}
			res = make([]*domain.Job, len(rows))
			for i := range rows {
				rows[i].State, rows[i].LastError = string(domain.JobPending), domain.ErrUnknownOutcome.Error()
				res[i] = rows[i].toDomain()
			}
			return nil
		})
	})
	return res, err
}

// Requeue returns a single dispatched job to pending with its attempts kept. Used when the outcome of
// a run could not be stored. Returns ErrNotFound if the job is not dispatched.
func (r *JobRepository) Requeue(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			"UPDATE jobs SET state = 'pending', last_error = ? WHERE id = ? AND state = 'dispatched'", reason, id)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return expectAffected(res, "requeue "+id)
	})
}

// RepairDuplicates finds feeds with more than one non-terminal job, keeps the oldest one and
// archives the rest as discarded. Returns the discarded jobs.
func (r *JobRepository) RepairDuplicates(ctx context.Context) ([]*domain.Job, error) {
	var res []*domain.Job
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		res = nil
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var rows []jobSQL
			err := tx.SelectContext(ctx, &rows, `
				SELECT * FROM jobs
				WHERE state IN ('pending', 'dispatched')
				AND feed_id IN (
					SELECT feed_id FROM jobs WHERE state IN ('pending', 'dispatched')
					GROUP BY feed_id HAVING COUNT(*) > 1
				)
				ORDER BY feed_id, created_at, id
			`)
			if err != nil {
				return fmt.Errorf("find duplicate jobs: %w", err)
			}

			now := time.Now().UTC()
			var lastFeed int64
			for i, row := range rows {
				if i == 0 || row.FeedID != lastFeed {
					lastFeed = row.FeedID // oldest job of the feed stays
					continue
				}
				row.State, row.LastError = string(domain.JobDiscarded), domain.ErrQueueInvariant.Error()
				if err := r.archive(ctx, tx, &archivedJobSQL{jobSQL: row, FinishedAt: now}); err != nil {
					return err
				}
				res = append(res, row.toDomain())
			}
			return nil
		})
	})
	return res, err
}

// Discard archives an active job as discarded, e.g. when its feed is gone or disabled
func (r *JobRepository) Discard(ctx context.Context, id string, at time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var job jobSQL
			if err := tx.GetContext(ctx, &job, "SELECT * FROM jobs WHERE id = ?", id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("discard job %s: %w", id, domain.ErrNotFound)
				}
				return fmt.Errorf("get job: %w", err)
			}
			job.State, job.LastError = string(domain.JobDiscarded), reason
			return r.archive(ctx, tx, &archivedJobSQL{jobSQL: job, FinishedAt: at.UTC()})
		})
	})
}

// CancelPending discards the pending job of the feed, a dispatched job is left alone.
// Returns true if a job was cancelled.
func (r *JobRepository) CancelPending(ctx context.Context, feedID int64, at time.Time) (bool, error) {
	var cancelled bool
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		cancelled = false
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var job jobSQL
			err := tx.GetContext(ctx, &job, "SELECT * FROM jobs WHERE feed_id = ? AND state = 'pending' LIMIT 1", feedID)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get pending job: %w", err)
			}
			job.State, job.LastError = string(domain.JobDiscarded), "cancelled"
			if err := r.archive(ctx, tx, &archivedJobSQL{jobSQL: job, FinishedAt: at.UTC()}); err != nil {
				return err
			}
			cancelled = true
			return nil
		})
	})
	return cancelled, err
}

// Expedite turns the pending job of the feed into a manual job due no later than at.
// Returns true if the feed has a non-terminal job, pending or already dispatched.
func (r *JobRepository) Expedite(ctx context.Context, feedID int64, at time.Time) (bool, error) {
	var active bool
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		active = false
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var job jobSQL
			err := tx.GetContext(ctx, &job, "SELECT * FROM jobs WHERE feed_id = ? AND state IN ('pending', 'dispatched') LIMIT 1", feedID)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get active job: %w", err)
			}
			active = true
			if job.State != string(domain.JobPending) {
				return nil
			}
			due := job.ScheduledFor
			if at.Before(due) {
				due = at.UTC()
			}
			if _, err := tx.ExecContext(ctx, "UPDATE jobs SET kind = ?, scheduled_for = ? WHERE id = ?",
				string(domain.JobManual), due, job.ID); err != nil {
				return fmt.Errorf("expedite job: %w", err)
			}
			return nil
		})
	})
	return active, err
}

// ActiveJob returns the non-terminal job of the feed
func (r *JobRepository) ActiveJob(ctx context.Context, feedID int64) (*domain.Job, error) {
	var job jobSQL
	err := r.db.GetContext(ctx, &job,
		"SELECT * FROM jobs WHERE feed_id = ? AND state IN ('pending', 'dispatched') ORDER BY created_at LIMIT 1", feedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active job of feed %d: %w", feedID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job.toDomain(), nil
}

// ActiveFeeds returns ids of feeds having a non-terminal job
func (r *JobRepository) ActiveFeeds(ctx context.Context) (map[int64]bool, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids,
		"SELECT DISTINCT feed_id FROM jobs WHERE state IN ('pending', 'dispatched')"); err != nil {
		return nil, fmt.Errorf("get active feeds: %w", err)
	}
	res := make(map[int64]bool, len(ids))
	for _, id := range ids {
		res[id] = true
	}
	return res, nil
}

// EarliestPending returns the scheduled time of the earliest pending job, nil if there is none
func (r *JobRepository) EarliestPending(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := r.db.GetContext(ctx, &t, "SELECT scheduled_for FROM jobs WHERE state = 'pending' ORDER BY scheduled_for LIMIT 1")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get earliest pending job: %w", err)
	}
	return &t, nil
}

// LastDispatchTime returns the latest dispatch time of any job, active or archived.
// Returns nil if nothing was ever dispatched.
func (r *JobRepository) LastDispatchTime(ctx context.Context) (*time.Time, error) {
	var res *time.Time
	for _, table := range []string{"jobs", "archived_jobs"} {
		var t time.Time
		query := fmt.Sprintf("SELECT dispatched_at FROM %s WHERE dispatched_at IS NOT NULL ORDER BY dispatched_at DESC LIMIT 1", table)
		err := r.db.GetContext(ctx, &t, query)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get last dispatch from %s: %w", table, err)
		}
		if res == nil || t.After(*res) {
			res = &t
		}
	}
	return res, nil
}

// ListJobs returns jobs of the feed, the active one first, then archived ones newest first.
// Limit <= 0 means no limit.
func (r *JobRepository) ListJobs(ctx context.Context, feedID int64, limit int) ([]*domain.Job, error) {
	var active []jobSQL
	if err := r.db.SelectContext(ctx, &active, "SELECT * FROM jobs WHERE feed_id = ? ORDER BY created_at", feedID); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	query := "SELECT * FROM archived_jobs WHERE feed_id = ? ORDER BY finished_at DESC, created_at DESC"
	args := []any{feedID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var archived []archivedJobSQL
	if err := r.db.SelectContext(ctx, &archived, query, args...); err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}

	res := make([]*domain.Job, 0, len(active)+len(archived))
	for i := range active {
		res = append(res, active[i].toDomain())
	}
	for i := range archived {
		res = append(res, archived[i].toDomain())
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// PruneArchive removes archived jobs finished before the given time, returns the number removed
func (r *JobRepository) PruneArchive(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	r.mu.Lock()
	defer r.mu.Unlock()
	err := withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, "DELETE FROM archived_jobs WHERE finished_at < ?", before.UTC())
		if err != nil {
			return fmt.Errorf("prune archive: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *JobRepository) getDispatched(ctx context.Context, tx *sqlx.Tx, id string) (*jobSQL, error) {
	var job jobSQL
	if err := tx.GetContext(ctx, &job, "SELECT * FROM jobs WHERE id = ? AND state = 'dispatched'", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dispatched job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// archive moves a job to the archive table in the given transaction
func (r *JobRepository) archive(ctx context.Context, tx *sqlx.Tx, job *archivedJobSQL) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", job.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", job.ID, err)
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO archived_jobs (id, feed_id, kind, scheduled_for, state, attempts, last_error,
			dispatched_at, finished_at, items, new_items, created_at)
		VALUES (:id, :feed_id, :kind, :scheduled_for, :state, :attempts, :last_error,
			:dispatched_at, :finished_at, :items, :new_items, :created_at)
	`, job)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

func (j *jobSQL) toDomain() *domain.Job {
	return &domain.Job{
		ID:           j.ID,
		FeedID:       j.FeedID,
		Kind:         domain.JobKind(j.Kind),
		ScheduledFor: j.ScheduledFor,
		State:        domain.JobState(j.State),
		Attempts:     j.Attempts,
		LastError:    j.LastError,
		DispatchedAt: j.DispatchedAt,
		CreatedAt:    j.CreatedAt,
	}
}

func (j *archivedJobSQL) toDomain() *domain.Job {
	res := j.jobSQL.toDomain()
	finished := j.FinishedAt
	res.FinishedAt = &finished
	res.Items, res.NewItems = j.Items, j.NewItems
	return res
}
