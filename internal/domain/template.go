package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailTemplate is a versioned subject+body pair with {{placeholder}}
// tokens. Templates are immutable per version: an edit bumps the version.
// System templates cannot be deleted.
type EmailTemplate struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Category        string    `json:"category,omitempty" db:"category"`
	SubjectTemplate string    `json:"subject_template" db:"subject_template"`
	BodyTemplate    string    `json:"body_template" db:"body_template"`
	Version         int       `json:"version" db:"version"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	IsSystem        bool      `json:"is_system" db:"is_system"`
	CreatedBy       string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RenderResult is the outcome of substituting template data into a
// subject/body pair. Rendering is total: unresolved placeholders remain
// literal and are reported via Unresolved.
type RenderResult struct {
	FinalSubject     string   `json:"final_subject"`
	FinalBody        string   `json:"final_body"`
	PlaceholderCount int      `json:"placeholder_count"`
	Unresolved       []string `json:"unresolved,omitempty"`
}
