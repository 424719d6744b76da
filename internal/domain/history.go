package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailHistory is the append-only audit record written on every terminal
// Sent/Failed transition. History outlives the queue row it describes.
type EmailHistory struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	QueueID         uuid.UUID  `json:"queue_id" db:"queue_id"`
	To              string     `json:"to" db:"to_addresses"`
	CC              string     `json:"cc,omitempty" db:"cc_addresses"`
	BCC             string     `json:"bcc,omitempty" db:"bcc_addresses"`
	Subject         string     `json:"subject" db:"subject"`
	FinalBody       string     `json:"final_body" db:"final_body"`
	Status          JobStatus  `json:"status" db:"status"`
	SentAt          *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	TemplateID      *uuid.UUID `json:"template_id,omitempty" db:"template_id"`
	AttachmentCount int        `json:"attachment_count" db:"attachment_count"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	ErrorDetails    string     `json:"error_details,omitempty" db:"error_details"`
	ProcessedBy     string     `json:"processed_by,omitempty" db:"processed_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty" db:"archived_at"`
}

// LogLevel classifies a processing log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ProcessingLog is one diagnostic entry emitted by a worker or loop while
// handling a job. Entries are written through the store and never read on
// the hot path.
type ProcessingLog struct {
	ID            int64      `json:"id" db:"id"`
	Level         LogLevel   `json:"level" db:"level"`
	Category      string     `json:"category" db:"category"`
	Message       string     `json:"message" db:"message"`
	Exception     string     `json:"exception,omitempty" db:"exception"`
	QueueID       *uuid.UUID `json:"queue_id,omitempty" db:"queue_id"`
	WorkerID      string     `json:"worker_id,omitempty" db:"worker_id"`
	Step          string     `json:"step,omitempty" db:"step"`
	CorrelationID string     `json:"correlation_id,omitempty" db:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	MachineName   string     `json:"machine_name" db:"machine_name"`
}
