package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
)

const jobColumns = `
	id, priority, status,
	to_addresses, COALESCE(cc_addresses, ''), COALESCE(bcc_addresses, ''),
	subject, body, is_html,
	template_id, COALESCE(template_data::text, '{}'), requires_template_processing,
	COALESCE(attachments::text, '[]'),
	retry_count, COALESCE(last_error, ''), COALESCE(processed_by, ''),
	created_at, updated_at, processing_started_at, processed_at, sent_at,
	scheduled_for, is_scheduled,
	COALESCE(created_by, ''), COALESCE(request_source, '')`

type jobScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row jobScanner) (*domain.QueueJob, error) {
	var (
		j            domain.QueueJob
		templateID   sql.NullString
		templateData string
		attachments  string
		startedAt    sql.NullTime
		processedAt  sql.NullTime
		sentAt       sql.NullTime
		scheduledFor sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Priority, &j.Status,
		&j.To, &j.CC, &j.BCC,
		&j.Subject, &j.Body, &j.IsHTML,
		&templateID, &templateData, &j.RequiresTemplateProcessing,
		&attachments,
		&j.RetryCount, &j.LastError, &j.ProcessedBy,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &processedAt, &sentAt,
		&scheduledFor, &j.IsScheduled,
		&j.CreatedBy, &j.RequestSource,
	)
	if err != nil {
		return nil, err
	}

	if templateID.Valid {
		if id, err := uuid.Parse(templateID.String); err == nil {
			j.TemplateID = &id
		}
	}
	if err := json.Unmarshal([]byte(templateData), &j.TemplateData); err != nil {
		j.TemplateData = map[string]string{}
	}
	if err := json.Unmarshal([]byte(attachments), &j.Attachments); err != nil {
		j.Attachments = nil
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.ProcessingStartedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		j.ProcessedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		j.SentAt = &t
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time.UTC()
		j.ScheduledFor = &t
	}
	return &j, nil
}

// InsertJob persists a new queue job. A duplicate id is an idempotent
// no-op: producers may safely resubmit after an ambiguous failure.
func (s *Store) InsertJob(ctx context.Context, job *domain.QueueJob) error {
	return s.insertJobTx(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertJobTx(ctx context.Context, ex execer, job *domain.QueueJob) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	templateData, err := json.Marshal(job.TemplateData)
	if err != nil {
		return fmt.Errorf("marshal template data: %w", err)
	}
	attachments, err := json.Marshal(job.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	var templateID interface{}
	if job.TemplateID != nil {
		templateID = *job.TemplateID
	}
	var scheduledFor interface{}
	if job.ScheduledFor != nil {
		scheduledFor = job.ScheduledFor.UTC()
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO email_queue (
			id, priority, status,
			to_addresses, cc_addresses, bcc_addresses,
			subject, body, is_html,
			template_id, template_data, requires_template_processing,
			attachments, retry_count,
			created_at, updated_at, scheduled_for, is_scheduled,
			created_by, request_source
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, 0, NOW(), NOW(), $14, $15, $16, $17
		)
		ON CONFLICT (id) DO NOTHING
	`,
		job.ID, job.Priority, domain.StatusQueued,
		job.To, job.CC, job.BCC,
		job.Subject, job.Body, job.IsHTML,
		templateID, string(templateData), job.RequiresTemplateProcessing,
		string(attachments),
		scheduledFor, job.IsScheduled,
		job.CreatedBy, job.RequestSource,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.QueueJob, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM email_queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ClaimBatch atomically claims up to limit ready jobs for the given worker
// and transitions them to Processing with the lease fields set. Ready means
// Queued and either not scheduled or due. Selection is ordered by priority
// (desc) then age (asc); SKIP LOCKED lets concurrent dispatchers claim
// disjoint batches without contention.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time, limit int, workerID string) ([]*domain.QueueJob, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_queue
			SET status = $1,
			    processed_by = $2,
			    processing_started_at = $3,
			    updated_at = $3
			WHERE id IN (
				SELECT id FROM email_queue
				WHERE status = $4
				  AND (is_scheduled = false OR scheduled_for <= $3)
				ORDER BY priority DESC, created_at ASC
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, created_at ASC
	`, domain.StatusProcessing, workerID, now.UTC(), domain.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReclaimStale returns Processing jobs whose lease is older than staleAfter
// back to Queued, incrementing their retry count. Covers workers that died
// mid-send.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $1,
		    processed_by = NULL,
		    processing_started_at = NULL,
		    retry_count = retry_count + 1,
		    last_error = 'stale lease reclaimed',
		    updated_at = $2
		WHERE status = $3
		  AND processing_started_at < $4
	`, domain.StatusQueued, now.UTC(), domain.StatusProcessing, now.UTC().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FailExhausted dead-letters Queued jobs whose retry count has passed the
// budget. Reclaimed leases increment retry_count without a send attempt, so
// a job can cross the budget outside the worker pipeline; this sweep keeps
// such jobs from looping forever. The transitioned jobs are returned so the
// caller can write their history rows.
func (s *Store) FailExhausted(ctx context.Context, maxRetries int) ([]*domain.QueueJob, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_queue
		SET status = $1,
		    last_error = COALESCE(NULLIF(last_error, ''), 'retry budget exhausted'),
		    processed_at = NOW(),
		    updated_at = NOW()
		WHERE status = $2
		  AND retry_count > $3
		RETURNING `+jobColumns+`
	`, domain.StatusFailed, domain.StatusQueued, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exhausted job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueWithBackoff schedules a retry: the job goes back to Queued with
// scheduled_for pushed out by the caller-computed backoff.
func (s *Store) RequeueWithBackoff(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $2,
		    scheduled_for = $3,
		    is_scheduled = true,
		    retry_count = $4,
		    last_error = $5,
		    processed_by = NULL,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, domain.StatusQueued, runAt.UTC(), attempt, truncateError(lastError))
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $2,
		    sent_at = $3,
		    processed_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, domain.StatusSent, sentAt.UTC(), domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailedPermanent records a terminal failure. Like MarkSent it only
// transitions from Processing; a job that was reclaimed and finished by
// another worker in the meantime returns ErrConflict instead of clobbering
// a terminal state.
func (s *Store) MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $2,
		    last_error = $3,
		    processed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, domain.StatusFailed, truncateError(errMsg), domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CancelJob transitions a Queued job to Cancelled. Returns ErrConflict if
// the job has already been claimed or finished.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusCancelled, domain.StatusQueued)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   *domain.JobStatus
	Priority *domain.Priority
	To       string
}

// ListJobs returns a page of jobs, newest first, with the total match count.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter, page, pageSize int) ([]*domain.QueueJob, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Priority != nil {
		args = append(args, *filter.Priority)
		where += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	if filter.To != "" {
		args = append(args, "%"+filter.To+"%")
		where += fmt.Sprintf(" AND to_addresses ILIKE $%d", len(args))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM email_queue "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM email_queue `+where+
			fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// QueueHealthStats summarizes queue state for the ops surface and the
// backpressure monitor.
type QueueHealthStats struct {
	Depth            int64   `json:"depth"`
	Queued           int64   `json:"queued"`
	Processing       int64   `json:"processing"`
	Failed           int64   `json:"failed"`
	Scheduled        int64   `json:"scheduled"`
	AvgProcessingMin float64 `json:"avg_processing_min"`
	OldestQueuedMin  float64 `json:"oldest_queued_min"`
}

// QueueHealth computes the live queue statistics in one round trip.
func (s *Store) QueueHealth(ctx context.Context) (*QueueHealthStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var stats QueueHealthStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $1 AND is_scheduled AND scheduled_for > NOW()),
			COALESCE(EXTRACT(EPOCH FROM AVG(processed_at - processing_started_at)) / 60, 0),
			COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at) FILTER (WHERE status = $1))) / 60, 0)
		FROM email_queue
	`, domain.StatusQueued, domain.StatusProcessing, domain.StatusFailed).Scan(
		&stats.Depth, &stats.Queued, &stats.Processing, &stats.Failed,
		&stats.Scheduled, &stats.AvgProcessingMin, &stats.OldestQueuedMin,
	)
	if err != nil {
		return nil, fmt.Errorf("queue health: %w", err)
	}
	return &stats, nil
}

// truncateError keeps stored error strings bounded.
func truncateError(msg string) string {
	const maxLen = 500
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
