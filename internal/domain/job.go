package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within a dispatch claim. Higher values are claimed
// first. The integer values are stable wire values.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// JobStatus is the lifecycle state of a queue job. The integer values are
// stable wire values and must not be renumbered.
type JobStatus int

const (
	StatusQueued     JobStatus = 0
	StatusProcessing JobStatus = 1
	StatusSent       JobStatus = 2
	StatusFailed     JobStatus = 3
	StatusCancelled  JobStatus = 4
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Attachment is one file attached to a job. Exactly one of Base64Content
// and FilePath must be set when the job is submitted; after attachment
// processing only Base64Content survives (the path never leaves the worker).
type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type,omitempty"`
	Base64Content string `json:"base64_content,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	Inline        bool   `json:"inline,omitempty"`
	ContentID     string `json:"content_id,omitempty"`
}

// QueueJob is one enqueued send request with its full lifecycle state.
// All timestamps are UTC.
type QueueJob struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Priority Priority  `json:"priority" db:"priority"`
	Status   JobStatus `json:"status" db:"status"`

	To  string `json:"to" db:"to_addresses"`
	CC  string `json:"cc,omitempty" db:"cc_addresses"`
	BCC string `json:"bcc,omitempty" db:"bcc_addresses"`

	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`
	IsHTML  bool   `json:"is_html" db:"is_html"`

	TemplateID                 *uuid.UUID        `json:"template_id,omitempty" db:"template_id"`
	TemplateData               map[string]string `json:"template_data,omitempty" db:"template_data"`
	RequiresTemplateProcessing bool              `json:"requires_template_processing" db:"requires_template_processing"`

	Attachments []Attachment `json:"attachments,omitempty" db:"attachments"`

	RetryCount  int    `json:"retry_count" db:"retry_count"`
	LastError   string `json:"last_error,omitempty" db:"last_error"`
	ProcessedBy string `json:"processed_by,omitempty" db:"processed_by"`

	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	SentAt              *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	ScheduledFor        *time.Time `json:"scheduled_for,omitempty" db:"scheduled_for"`
	IsScheduled         bool       `json:"is_scheduled" db:"is_scheduled"`

	CreatedBy     string `json:"created_by,omitempty" db:"created_by"`
	RequestSource string `json:"request_source,omitempty" db:"request_source"`
}

// Recipients returns the combined to/cc/bcc address list.
func (j *QueueJob) Recipients() []string {
	var out []string
	for _, field := range []string{j.To, j.CC, j.BCC} {
		for _, addr := range strings.Split(field, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// Validate checks the structural invariants a job must satisfy before it
// may be inserted. The submission API performs full recipient validation;
// this is the engine's last line of defense.
func (j *QueueJob) Validate(now time.Time) error {
	if strings.TrimSpace(j.To) == "" {
		return fmt.Errorf("job %s: empty recipient list", j.ID)
	}
	if !j.Priority.Valid() {
		return fmt.Errorf("job %s: invalid priority %d", j.ID, j.Priority)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("job %s: negative retry count", j.ID)
	}
	if j.IsScheduled {
		if j.ScheduledFor == nil {
			return fmt.Errorf("job %s: scheduled without scheduled_for", j.ID)
		}
		if j.Status == StatusQueued && j.CreatedAt.Equal(j.UpdatedAt) && !j.ScheduledFor.After(now) {
			return fmt.Errorf("job %s: scheduled_for must be in the future at creation", j.ID)
		}
	}
	if j.RequiresTemplateProcessing && j.TemplateID == nil {
		return fmt.Errorf("job %s: template processing requested without template_id", j.ID)
	}
	return nil
}
