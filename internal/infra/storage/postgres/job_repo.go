package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/txfees/internal/core/domain"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
//
// Every lifecycle transition is a conditional UPDATE, never read-then-write:
// the WHERE clause encodes the precondition and RowsAffected decides who won.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID            int64          `db:"id"`
	StartTime     int64          `db:"start_time"`
	EndTime       int64          `db:"end_time"`
	StartBlock    sql.NullInt64  `db:"start_block"`
	EndBlock      sql.NullInt64  `db:"end_block"`
	Cursor        sql.NullInt64  `db:"cursor"`
	Status        string         `db:"status"`
	FailureReason sql.NullString `db:"failure_reason"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (j *jobRow) toDomain() *domain.BatchJob {
	job := &domain.BatchJob{
		ID:        j.ID,
		StartTime: j.StartTime,
		EndTime:   j.EndTime,
		Status:    domain.JobStatus(j.Status),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.StartBlock.Valid {
		v := uint64(j.StartBlock.Int64)
		job.StartBlock = &v
	}
	if j.EndBlock.Valid {
		v := uint64(j.EndBlock.Int64)
		job.EndBlock = &v
	}
	if j.Cursor.Valid {
		v := uint64(j.Cursor.Int64)
		job.Cursor = &v
	}
	if j.FailureReason.Valid {
		job.FailureReason = j.FailureReason.String
	}
	return job
}

const jobColumns = `id, start_time, end_time, start_block, end_block, cursor, status, failure_reason, created_at, updated_at`

// Create inserts a pending job for the given time window.
func (r *JobRepo) Create(ctx context.Context, startTime, endTime int64) (int64, error) {
	query := `
		INSERT INTO batch_jobs (start_time, end_time, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	err := r.db.GetContext(ctx, &id, query, startTime, endTime, string(domain.JobStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to create job: %w", err)
	}
	return id, nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id int64) (*domain.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = $1`

	var row jobRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// ListClaimable returns pending and running jobs, oldest first. Running
// jobs are included because their lease may have lapsed; the coordinator
// decides whether they can actually be taken.
func (r *JobRepo) ListClaimable(ctx context.Context, limit int) ([]*domain.BatchJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3
	`

	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows, query,
		string(domain.JobStatusPending), string(domain.JobStatusRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable jobs: %w", err)
	}

	jobs := make([]*domain.BatchJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs, nil
}

// MarkRunning transitions pending -> running.
func (r *JobRepo) MarkRunning(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE batch_jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	return r.conditional(ctx, query,
		string(domain.JobStatusRunning), id, string(domain.JobStatusPending))
}

// ResolveRange sets the block bounds exactly once.
func (r *JobRepo) ResolveRange(ctx context.Context, id int64, startBlock, endBlock uint64) (bool, error) {
	query := `
		UPDATE batch_jobs SET start_block = $1, end_block = $2, updated_at = NOW()
		WHERE id = $3 AND start_block IS NULL
	`
	return r.conditional(ctx, query, int64(startBlock), int64(endBlock), id)
}

// AdvanceCursor moves the checkpoint forward, monotonically.
func (r *JobRepo) AdvanceCursor(ctx context.Context, id int64, cursor uint64) (bool, error) {
	query := `
		UPDATE batch_jobs SET cursor = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND (cursor IS NULL OR cursor < $1)
	`
	return r.conditional(ctx, query, int64(cursor), id, string(domain.JobStatusRunning))
}

// MarkCompleted transitions running -> completed once the cursor has
// reached the end block.
func (r *JobRepo) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE batch_jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND cursor IS NOT NULL AND cursor >= end_block
	`
	return r.conditional(ctx, query,
		string(domain.JobStatusCompleted), id, string(domain.JobStatusRunning))
}

// MarkFailed transitions running -> failed and records the reason.
func (r *JobRepo) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	query := `
		UPDATE batch_jobs SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return r.conditional(ctx, query,
		string(domain.JobStatusFailed), reason, id, string(domain.JobStatusRunning))
}

func (r *JobRepo) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("job transition failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return affected == 1, nil
}
