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

const scheduleColumns = `
	id, name, template_id,
	to_addresses, COALESCE(cc_addresses, ''), COALESCE(bcc_addresses, ''),
	subject, body, is_html, COALESCE(template_data::text, '{}'), priority,
	start_date, end_date, next_run_time,
	COALESCE(cron_expression, ''), COALESCE(interval_minutes, 0),
	is_recurring, is_active,
	execution_count, max_executions, last_executed_at,
	COALESCE(last_execution_status, ''),
	created_at, updated_at`

func scanSchedule(row jobScanner) (*domain.ScheduledEmail, error) {
	var (
		sch          domain.ScheduledEmail
		templateID   sql.NullString
		templateData string
		endDate      sql.NullTime
		maxExec      sql.NullInt64
		lastExec     sql.NullTime
	)
	err := row.Scan(
		&sch.ID, &sch.Name, &templateID,
		&sch.To, &sch.CC, &sch.BCC,
		&sch.Subject, &sch.Body, &sch.IsHTML, &templateData, &sch.Priority,
		&sch.StartDate, &endDate, &sch.NextRunTime,
		&sch.CronExpression, &sch.IntervalMinutes,
		&sch.IsRecurring, &sch.IsActive,
		&sch.ExecutionCount, &maxExec, &lastExec,
		&sch.LastExecutionStatus,
		&sch.CreatedAt, &sch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if templateID.Valid {
		if id, err := uuid.Parse(templateID.String); err == nil {
			sch.TemplateID = &id
		}
	}
	if err := json.Unmarshal([]byte(templateData), &sch.TemplateData); err != nil {
		sch.TemplateData = map[string]string{}
	}
	if endDate.Valid {
		t := endDate.Time.UTC()
		sch.EndDate = &t
	}
	if maxExec.Valid {
		n := int(maxExec.Int64)
		sch.MaxExecutions = &n
	}
	if lastExec.Valid {
		t := lastExec.Time.UTC()
		sch.LastExecutedAt = &t
	}
	return &sch, nil
}

// CreateSchedule inserts a new scheduled email plan.
func (s *Store) CreateSchedule(ctx context.Context, sch *domain.ScheduledEmail) error {
	if err := sch.Validate(); err != nil {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	templateData, err := json.Marshal(sch.TemplateData)
	if err != nil {
		return fmt.Errorf("marshal template data: %w", err)
	}
	var templateID interface{}
	if sch.TemplateID != nil {
		templateID = *sch.TemplateID
	}
	var endDate interface{}
	if sch.EndDate != nil {
		endDate = sch.EndDate.UTC()
	}
	var maxExec interface{}
	if sch.MaxExecutions != nil {
		maxExec = *sch.MaxExecutions
	}
	var interval interface{}
	if sch.IntervalMinutes > 0 {
		interval = sch.IntervalMinutes
	}
	var cronExpr interface{}
	if sch.CronExpression != "" {
		cronExpr = sch.CronExpression
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_emails (
			id, name, template_id,
			to_addresses, cc_addresses, bcc_addresses,
			subject, body, is_html, template_data, priority,
			start_date, end_date, next_run_time,
			cron_expression, interval_minutes, is_recurring, is_active,
			execution_count, max_executions,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, 0, $19, NOW(), NOW()
		)
	`, sch.ID, sch.Name, templateID,
		sch.To, sch.CC, sch.BCC,
		sch.Subject, sch.Body, sch.IsHTML, string(templateData), sch.Priority,
		sch.StartDate.UTC(), endDate, sch.NextRunTime.UTC(),
		cronExpr, interval, sch.IsRecurring, sch.IsActive, maxExec)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// DueSchedules returns active plans whose next_run_time has arrived.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledEmail, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_emails
		WHERE is_active AND next_run_time <= $1
		ORDER BY next_run_time ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScheduledEmail
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// FireSchedule atomically records one execution of a plan and inserts the
// queue job it produced. A single transaction keeps property "one job per
// tick": either both the bookkeeping and the job land, or neither does.
func (s *Store) FireSchedule(ctx context.Context, sch *domain.ScheduledEmail, job *domain.QueueJob, nextRun time.Time, stillActive bool, execStatus string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fire schedule: %w", err)
	}
	defer tx.Rollback()

	// Guard against a concurrent scheduler having already fired this run.
	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET execution_count = execution_count + 1,
		    last_executed_at = NOW(),
		    last_execution_status = $2,
		    next_run_time = $3,
		    is_active = $4,
		    updated_at = NOW()
		WHERE id = $1 AND next_run_time = $5
	`, sch.ID, execStatus, nextRun.UTC(), stillActive, sch.NextRunTime.UTC())
	if err != nil {
		return fmt.Errorf("advance schedule %s: %w", sch.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if job != nil {
		if err := s.insertJobTx(ctx, tx, job); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fire schedule: %w", err)
	}
	return nil
}
