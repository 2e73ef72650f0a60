package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

// jobQueue is the durable priority queue of one user, backed by the jobs
// table in the user schema. Dequeue claims with FOR UPDATE SKIP LOCKED so
// concurrent workers never double-claim.
type jobQueue struct {
	db     *sqlx.DB
	schema string
	userID uuid.UUID
}

func (q *jobQueue) table() string { return q.schema + ".jobs" }

const jobColumns = `id, job_type, status, priority, request_params, cleanup_metadata,
	progress, progress_details, results, error, error_kind, retry_count,
	cancel_requested, created_at, started_at, completed_at`

type jobRow struct {
	ID              uuid.UUID    `db:"id"`
	JobType         string       `db:"job_type"`
	Status          string       `db:"status"`
	Priority        int          `db:"priority"`
	RequestParams   []byte       `db:"request_params"`
	CleanupMetadata []byte       `db:"cleanup_metadata"`
	Progress        int          `db:"progress"`
	ProgressDetails []byte       `db:"progress_details"`
	Results         []byte       `db:"results"`
	Error           string       `db:"error"`
	ErrorKind       string       `db:"error_kind"`
	RetryCount      int          `db:"retry_count"`
	CancelRequested bool         `db:"cancel_requested"`
	CreatedAt       time.Time    `db:"created_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
}

func (r *jobRow) toEntity(userID uuid.UUID) (*domain.Job, error) {
	job := &domain.Job{
		ID:              r.ID,
		Type:            domain.JobType(r.JobType),
		UserID:          userID,
		Status:          domain.JobStatus(r.Status),
		Priority:        r.Priority,
		Progress:        r.Progress,
		Error:           r.Error,
		ErrorKind:       r.ErrorKind,
		RetryCount:      r.RetryCount,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
	}
	if len(r.RequestParams) > 0 {
		if err := json.Unmarshal(r.RequestParams, &job.RequestParams); err != nil {
			return nil, apperr.Corrupt("job request params", err)
		}
	}
	if len(r.CleanupMetadata) > 0 {
		job.CleanupMetadata = &domain.CleanupMetadata{}
		if err := json.Unmarshal(r.CleanupMetadata, job.CleanupMetadata); err != nil {
			return nil, apperr.Corrupt("job cleanup metadata", err)
		}
	}
	if len(r.ProgressDetails) > 0 {
		job.ProgressDetails = &domain.ProgressDetails{}
		if err := json.Unmarshal(r.ProgressDetails, job.ProgressDetails); err != nil {
			return nil, apperr.Corrupt("job progress details", err)
		}
	}
	if len(r.Results) > 0 {
		if err := json.Unmarshal(r.Results, &job.Results); err != nil {
			return nil, apperr.Corrupt("job results", err)
		}
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	return job, nil
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (q *jobQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	params, err := marshalOrNil(job.RequestParams)
	if err != nil {
		return apperr.Internal("failed to serialize job params: " + err.Error())
	}
	var meta []byte
	if job.CleanupMetadata != nil {
		meta, err = json.Marshal(job.CleanupMetadata)
		if err != nil {
			return apperr.Internal("failed to serialize cleanup metadata: " + err.Error())
		}
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (id, job_type, status, priority, request_params, cleanup_metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, q.table())
	if _, err := q.db.ExecContext(ctx, query,
		job.ID, string(job.Type), string(domain.JobPending), job.Priority, params, meta, job.CreatedAt); err != nil {
		return apperr.DatabaseError("failed to enqueue job", err)
	}
	return nil
}

// Dequeue claims the best pending job and marks it in_progress. Returns nil
// when the queue is empty.
func (q *jobQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.DatabaseError("failed to begin dequeue", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row jobRow
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE status = 'pending'
		 ORDER BY priority DESC, created_at
		 LIMIT 1 FOR UPDATE SKIP LOCKED`, jobColumns, q.table())
	if err := tx.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.DatabaseError("failed to select pending job", err)
	}

	now := time.Now().UTC()
	update := fmt.Sprintf(`UPDATE %s SET status = 'in_progress', started_at = $2 WHERE id = $1`, q.table())
	if _, err := tx.ExecContext(ctx, update, row.ID, now); err != nil {
		return nil, apperr.DatabaseError("failed to claim job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.DatabaseError("failed to commit dequeue", err)
	}

	row.Status = string(domain.JobInProgress)
	row.StartedAt = sql.NullTime{Time: now, Valid: true}
	return row.toEntity(q.userID)
}

func (q *jobQueue) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var row jobRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, q.table())
	if err := q.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("job")
		}
		return nil, apperr.DatabaseError("failed to get job", err)
	}
	return row.toEntity(q.userID)
}

func (q *jobQueue) ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, jobColumns, q.table())
	var args []any
	var clauses []string
	if filter != nil {
		if filter.Type != nil {
			args = append(args, string(*filter.Type))
			clauses = append(clauses, fmt.Sprintf("job_type = $%d", len(args)))
		}
		if filter.Status != nil {
			args = append(args, string(*filter.Status))
			clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
		}
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter != nil && filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.DatabaseError("failed to list jobs", err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toEntity(q.userID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *jobQueue) UpdateProgress(ctx context.Context, jobID uuid.UUID, progress int, details *domain.ProgressDetails) error {
	data, err := marshalOrNil(details)
	if err != nil {
		return apperr.Internal("failed to serialize progress: " + err.Error())
	}
	query := fmt.Sprintf(`UPDATE %s SET progress = $2, progress_details = $3 WHERE id = $1`, q.table())
	if _, err := q.db.ExecContext(ctx, query, jobID, progress, data); err != nil {
		return apperr.DatabaseError("failed to update progress", err)
	}
	return nil
}

func (q *jobQueue) Complete(ctx context.Context, jobID uuid.UUID, results map[string]any) error {
	data, err := marshalOrNil(results)
	if err != nil {
		return apperr.Internal("failed to serialize results: " + err.Error())
	}
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'completed', progress = 100, results = $2, completed_at = now()
		 WHERE id = $1 AND status = 'in_progress'`, q.table())
	if _, err := q.db.ExecContext(ctx, query, jobID, data); err != nil {
		return apperr.DatabaseError("failed to complete job", err)
	}
	return nil
}

func (q *jobQueue) Fail(ctx context.Context, jobID uuid.UUID, errKind, errMsg string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'failed', error_kind = $2, error = $3, completed_at = now()
		 WHERE id = $1 AND status IN ('pending', 'in_progress')`, q.table())
	if _, err := q.db.ExecContext(ctx, query, jobID, errKind, errMsg); err != nil {
		return apperr.DatabaseError("failed to fail job", err)
	}
	return nil
}

// Cancel flags the job. Pending jobs transition immediately; in_progress
// jobs transition when the worker observes the flag.
func (q *jobQueue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("failed to begin cancel", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, q.table())
	if err := tx.GetContext(ctx, &status, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("job")
		}
		return apperr.DatabaseError("failed to read job status", err)
	}

	switch domain.JobStatus(status) {
	case domain.JobPending:
		update := fmt.Sprintf(`UPDATE %s SET status = 'cancelled', cancel_requested = TRUE, completed_at = now() WHERE id = $1`, q.table())
		if _, err := tx.ExecContext(ctx, update, jobID); err != nil {
			return apperr.DatabaseError("failed to cancel pending job", err)
		}
	case domain.JobInProgress:
		update := fmt.Sprintf(`UPDATE %s SET cancel_requested = TRUE WHERE id = $1`, q.table())
		if _, err := tx.ExecContext(ctx, update, jobID); err != nil {
			return apperr.DatabaseError("failed to flag job cancellation", err)
		}
	default:
		return apperr.Conflict("job is already " + status)
	}
	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("failed to commit cancel", err)
	}
	return nil
}

func (q *jobQueue) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var requested bool
	query := fmt.Sprintf(`SELECT cancel_requested FROM %s WHERE id = $1`, q.table())
	if err := q.db.GetContext(ctx, &requested, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperr.NotFound("job")
		}
		return false, apperr.DatabaseError("failed to read cancel flag", err)
	}
	return requested, nil
}

func (q *jobQueue) MarkCancelled(ctx context.Context, jobID uuid.UUID) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'cancelled', completed_at = now() WHERE id = $1 AND status IN ('pending', 'in_progress')`,
		q.table())
	if _, err := q.db.ExecContext(ctx, query, jobID); err != nil {
		return apperr.DatabaseError("failed to mark job cancelled", err)
	}
	return nil
}

// Requeue returns a crashed in_progress job to pending, bumping its retry
// count. A job past maxRetries fails with kind exhausted.
func (q *jobQueue) Requeue(ctx context.Context, jobID uuid.UUID, maxRetries int) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("failed to begin requeue", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retries int
	query := fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = $1 AND status = 'in_progress' FOR UPDATE`, q.table())
	if err := tx.GetContext(ctx, &retries, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("job")
		}
		return apperr.DatabaseError("failed to read retry count", err)
	}

	if retries+1 > maxRetries {
		update := fmt.Sprintf(
			`UPDATE %s SET status = 'failed', error_kind = 'exhausted', error = 'retry budget exhausted',
			 retry_count = retry_count + 1, completed_at = now() WHERE id = $1`, q.table())
		if _, err := tx.ExecContext(ctx, update, jobID); err != nil {
			return apperr.DatabaseError("failed to exhaust job", err)
		}
	} else {
		update := fmt.Sprintf(
			`UPDATE %s SET status = 'pending', retry_count = retry_count + 1, started_at = NULL WHERE id = $1`,
			q.table())
		if _, err := tx.ExecContext(ctx, update, jobID); err != nil {
			return apperr.DatabaseError("failed to requeue job", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("failed to commit requeue", err)
	}
	return nil
}

func (q *jobQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'pending'`, q.table())
	if err := q.db.GetContext(ctx, &depth, query); err != nil {
		return 0, apperr.DatabaseError("failed to read queue depth", err)
	}
	return depth, nil
}
