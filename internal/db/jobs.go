package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobEntity is one durable delayed job. The id is deterministic per logical
// job ("expire:<orderNo>"), so re-enqueueing is a no-op.
type JobEntity struct {
	ID             string
	Type           string
	Payload        string
	ScheduledAt    time.Time
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	DeadLetteredAt *time.Time
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Enqueue inserts the job unless one with the same id already exists. The
// returned bool reports whether a row was actually inserted.
func (r *JobRepository) Enqueue(ctx context.Context, job *JobEntity) (bool, error) {
	query := `INSERT INTO jobs (id, type, payload, scheduled_at, attempts, created_at)
	          VALUES ($1, $2, $3, $4, 0, $5)
	          ON CONFLICT (id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, job.ID, job.Type, job.Payload, job.ScheduledAt, time.Now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FetchDue leases up to limit due jobs: inside one transaction they are
// selected with SKIP LOCKED and pushed forward by the lease interval, so a
// crashed worker's jobs resurface on their own. No handler work happens while
// the row locks are held.
func (r *JobRepository) FetchDue(ctx context.Context, limit int, lease time.Duration) ([]JobEntity, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, type, payload, scheduled_at, attempts, last_error, created_at
		 FROM jobs
		 WHERE scheduled_at <= $1 AND completed_at IS NULL AND dead_lettered_at IS NULL
		 ORDER BY scheduled_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		time.Now(), limit)
	if err != nil {
		return nil, err
	}

	var jobs []JobEntity
	for rows.Next() {
		var j JobEntity
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.ScheduledAt, &j.Attempts, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET scheduled_at = $2 WHERE id = $1`,
			j.ID, time.Now().Add(lease)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET completed_at = $2 WHERE id = $1`, id, time.Now())
	return err
}

func (r *JobRepository) Reschedule(ctx context.Context, id string, at time.Time, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET scheduled_at = $2, attempts = attempts + 1, last_error = $3 WHERE id = $1`,
		id, at, errMsg)
	return err
}

func (r *JobRepository) DeadLetter(ctx context.Context, id string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET dead_lettered_at = $2, attempts = attempts + 1, last_error = $3 WHERE id = $1`,
		id, time.Now(), errMsg)
	return err
}
