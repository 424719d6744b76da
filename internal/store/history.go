package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
)

// AppendHistory writes the audit row for a terminal Sent/Failed transition.
// Append-only: there is no update path.
func (s *Store) AppendHistory(ctx context.Context, h *domain.EmailHistory) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sentAt interface{}
	if h.SentAt != nil {
		sentAt = h.SentAt.UTC()
	}
	var templateID interface{}
	if h.TemplateID != nil {
		templateID = *h.TemplateID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_history (
			id, queue_id, to_addresses, cc_addresses, bcc_addresses,
			subject, final_body, status, sent_at, template_id,
			attachment_count, retry_count, error_details, processed_by,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`, h.ID, h.QueueID, h.To, h.CC, h.BCC,
		h.Subject, h.FinalBody, h.Status, sentAt, templateID,
		h.AttachmentCount, h.RetryCount, truncateError(h.ErrorDetails), h.ProcessedBy)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// HistoryByQueueID returns the audit row for a queue job, if any.
func (s *Store) HistoryByQueueID(ctx context.Context, queueID uuid.UUID) (*domain.EmailHistory, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		h          domain.EmailHistory
		sentAt     sql.NullTime
		templateID sql.NullString
		archivedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, queue_id, to_addresses, COALESCE(cc_addresses, ''),
		       COALESCE(bcc_addresses, ''), subject, final_body, status,
		       sent_at, template_id, attachment_count, retry_count,
		       COALESCE(error_details, ''), COALESCE(processed_by, ''),
		       created_at, archived_at
		FROM email_history
		WHERE queue_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, queueID).Scan(
		&h.ID, &h.QueueID, &h.To, &h.CC, &h.BCC,
		&h.Subject, &h.FinalBody, &h.Status,
		&sentAt, &templateID, &h.AttachmentCount, &h.RetryCount,
		&h.ErrorDetails, &h.ProcessedBy,
		&h.CreatedAt, &archivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", queueID, err)
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		h.SentAt = &t
	}
	if templateID.Valid {
		if id, err := uuid.Parse(templateID.String); err == nil {
			h.TemplateID = &id
		}
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		h.ArchivedAt = &t
	}
	return &h, nil
}

// PurgeTerminalJobs deletes terminal queue rows older than the retention
// cutoff whose history row exists. Deletes run in bounded batches to avoid
// long transactions; returns rows removed in this pass.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM email_queue
		WHERE id IN (
			SELECT q.id FROM email_queue q
			WHERE q.status IN ($1, $2, $3)
			  AND q.updated_at < $4
			  AND (q.status = $3 OR EXISTS (
			      SELECT 1 FROM email_history h WHERE h.queue_id = q.id
			  ))
			LIMIT $5
		)
	`, domain.StatusSent, domain.StatusFailed, domain.StatusCancelled,
		cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ArchiveHistory stamps archived_at on history rows older than the cutoff.
// Archived rows remain queryable through the same interface.
func (s *Store) ArchiveHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_history
		SET archived_at = NOW()
		WHERE archived_at IS NULL AND created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
