package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduledEmail is a deferred or recurring send plan. The scheduler
// promotes it into QueueJobs at NextRunTime. When IsRecurring, exactly one
// of CronExpression and IntervalMinutes must be set.
type ScheduledEmail struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	TemplateID *uuid.UUID `json:"template_id,omitempty" db:"template_id"`

	To  string `json:"to" db:"to_addresses"`
	CC  string `json:"cc,omitempty" db:"cc_addresses"`
	BCC string `json:"bcc,omitempty" db:"bcc_addresses"`

	Subject      string            `json:"subject" db:"subject"`
	Body         string            `json:"body" db:"body"`
	IsHTML       bool              `json:"is_html" db:"is_html"`
	TemplateData map[string]string `json:"template_data,omitempty" db:"template_data"`
	Priority     Priority          `json:"priority" db:"priority"`

	StartDate   time.Time  `json:"start_date" db:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty" db:"end_date"`
	NextRunTime time.Time  `json:"next_run_time" db:"next_run_time"`

	CronExpression  string `json:"cron_expression,omitempty" db:"cron_expression"`
	IntervalMinutes int    `json:"interval_minutes,omitempty" db:"interval_minutes"`
	IsRecurring     bool   `json:"is_recurring" db:"is_recurring"`
	IsActive        bool   `json:"is_active" db:"is_active"`

	ExecutionCount      int        `json:"execution_count" db:"execution_count"`
	MaxExecutions       *int       `json:"max_executions,omitempty" db:"max_executions"`
	LastExecutedAt      *time.Time `json:"last_executed_at,omitempty" db:"last_executed_at"`
	LastExecutionStatus string     `json:"last_execution_status,omitempty" db:"last_execution_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate enforces the recurrence invariant.
func (s *ScheduledEmail) Validate() error {
	if s.IsRecurring {
		hasCron := s.CronExpression != ""
		hasInterval := s.IntervalMinutes > 0
		if hasCron == hasInterval {
			return fmt.Errorf("schedule %s: recurring plans need exactly one of cron_expression or interval_minutes", s.ID)
		}
	}
	return nil
}
