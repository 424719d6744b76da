// Package queue is the inbound operations surface: submitting jobs,
// querying status, cancelling, and managing templates and schedules. It
// validates at the edge so the store and workers can trust their inputs.
package queue

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/store"
)

// Store is the persistence surface the service drives.
type Store interface {
	InsertJob(ctx context.Context, job *domain.QueueJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.QueueJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter, page, pageSize int) ([]*domain.QueueJob, int64, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	HistoryByQueueID(ctx context.Context, queueID uuid.UUID) (*domain.EmailHistory, error)
	QueueHealth(ctx context.Context) (*store.QueueHealthStats, error)

	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.EmailTemplate, error)
	CreateTemplate(ctx context.Context, t *domain.EmailTemplate) error
	UpdateTemplate(ctx context.Context, id uuid.UUID, subject, body string) (int, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
	ListTemplates(ctx context.Context) ([]*domain.EmailTemplate, error)

	CreateSchedule(ctx context.Context, sch *domain.ScheduledEmail) error
}

// Invalidator drops cached template compilations after an update. Satisfied
// by the template engine.
type Invalidator interface {
	Invalidate(templateID uuid.UUID)
}

// Waker nudges the dispatcher after a submit. Satisfied by the dispatcher.
type Waker interface {
	Wake()
}

// Service implements the inbound operations.
type Service struct {
	store       Store
	invalidator Invalidator // nil skips cache invalidation
	waker       Waker       // nil skips the dispatcher nudge
}

// NewService creates the operations service.
func NewService(st Store, inv Invalidator, waker Waker) *Service {
	return &Service{store: st, invalidator: inv, waker: waker}
}

// SubmitRequest is a new send request. ID is optional; callers that supply
// one get idempotent resubmission, callers that omit it get a fresh job.
type SubmitRequest struct {
	ID           uuid.UUID           `json:"id,omitempty"`
	Priority     domain.Priority     `json:"priority"`
	To           string              `json:"to"`
	CC           string              `json:"cc,omitempty"`
	BCC          string              `json:"bcc,omitempty"`
	Subject      string              `json:"subject"`
	Body         string              `json:"body"`
	IsHTML       bool                `json:"is_html"`
	TemplateID   *uuid.UUID          `json:"template_id,omitempty"`
	TemplateData map[string]string   `json:"template_data,omitempty"`
	Attachments  []domain.Attachment `json:"attachments,omitempty"`
	ScheduledFor *time.Time          `json:"scheduled_for,omitempty"`
	CreatedBy    string              `json:"created_by,omitempty"`
	Source       string              `json:"request_source,omitempty"`
}

// Submit validates and enqueues a job, returning it in Queued state.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*domain.QueueJob, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.QueueJob{
		ID:       req.ID,
		Priority: req.Priority,
		Status:   domain.StatusQueued,
		To:       req.To,
		CC:       req.CC,
		BCC:      req.BCC,
		Subject:  req.Subject,
		Body:     req.Body,
		IsHTML:   req.IsHTML,

		TemplateID:                 req.TemplateID,
		TemplateData:               req.TemplateData,
		RequiresTemplateProcessing: req.TemplateID != nil,

		Attachments: req.Attachments,

		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     req.CreatedBy,
		RequestSource: req.Source,
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Priority == 0 {
		job.Priority = domain.PriorityNormal
	}
	if req.ScheduledFor != nil {
		t := req.ScheduledFor.UTC()
		if !t.After(now) {
			return nil, fmt.Errorf("scheduled_for must be in the future")
		}
		job.ScheduledFor = &t
		job.IsScheduled = true
	}

	if err := job.Validate(now); err != nil {
		return nil, err
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	logger.Info("job submitted",
		"queue_id", job.ID.String(),
		"to", logger.RedactEmail(job.To),
		"priority", job.Priority.String(),
		"scheduled", fmt.Sprintf("%t", job.IsScheduled))

	// Immediate jobs should not wait out a poll interval.
	if !job.IsScheduled && s.waker != nil {
		s.waker.Wake()
	}
	return job, nil
}

// JobStatus is a job joined with its history row once terminal.
type JobStatus struct {
	Job     *domain.QueueJob     `json:"job"`
	History *domain.EmailHistory `json:"history,omitempty"`
}

// GetStatus returns a job and, when terminal, its history record. History
// survives queue purging, so a purged job still resolves through history.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	history, herr := s.store.HistoryByQueueID(ctx, id)
	if herr != nil && herr != store.ErrNotFound {
		return nil, herr
	}

	if job == nil && history == nil {
		return nil, store.ErrNotFound
	}
	return &JobStatus{Job: job, History: history}, nil
}

// List returns a page of jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter store.JobFilter, page, pageSize int) ([]*domain.QueueJob, int64, error) {
	return s.store.ListJobs(ctx, filter, page, pageSize)
}

// Cancel cancels a Queued job. Jobs already claimed or finished return
// store.ErrConflict; cancellation never interrupts an in-flight send.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.store.CancelJob(ctx, id); err != nil {
		return err
	}
	logger.Info("job cancelled", "queue_id", id.String())
	return nil
}

// Health returns live queue statistics.
func (s *Service) Health(ctx context.Context) (*store.QueueHealthStats, error) {
	return s.store.QueueHealth(ctx)
}

// CreateTemplate stores a new template at version 1.
func (s *Service) CreateTemplate(ctx context.Context, name, subject, body string) (*domain.EmailTemplate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("template name required")
	}
	t := &domain.EmailTemplate{
		ID:              uuid.New(),
		Name:            name,
		SubjectTemplate: subject,
		BodyTemplate:    body,
		IsActive:        true,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTemplate bumps the template to a new version and invalidates the
// render cache. In-flight renders against the old version finish with the
// content they started with.
func (s *Service) UpdateTemplate(ctx context.Context, id uuid.UUID, subject, body string) (int, error) {
	version, err := s.store.UpdateTemplate(ctx, id, subject, body)
	if err != nil {
		return 0, err
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
	return version, nil
}

// DeleteTemplate soft-deletes a template. System templates are protected.
func (s *Service) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
	return nil
}

// ListTemplates returns all active templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*domain.EmailTemplate, error) {
	return s.store.ListTemplates(ctx)
}

// Schedule stores a new scheduled email plan.
func (s *Service) Schedule(ctx context.Context, sch *domain.ScheduledEmail) error {
	if sch.ID == uuid.Nil {
		sch.ID = uuid.New()
	}
	if sch.Priority == 0 {
		sch.Priority = domain.PriorityNormal
	}
	if err := validateAddresses(sch.To); err != nil {
		return err
	}
	if sch.NextRunTime.IsZero() {
		sch.NextRunTime = sch.StartDate
	}
	if err := sch.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return err
	}
	logger.Info("schedule created",
		"schedule_id", sch.ID.String(),
		"name", sch.Name,
		"recurring", fmt.Sprintf("%t", sch.IsRecurring))
	return nil
}

func validateRequest(req *SubmitRequest) error {
	if err := validateAddresses(req.To); err != nil {
		return err
	}
	if req.CC != "" {
		if err := validateAddresses(req.CC); err != nil {
			return err
		}
	}
	if req.BCC != "" {
		if err := validateAddresses(req.BCC); err != nil {
			return err
		}
	}
	if req.TemplateID == nil && strings.TrimSpace(req.Subject) == "" {
		return fmt.Errorf("subject required without a template")
	}
	if req.Priority != 0 && !req.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", req.Priority)
	}
	return nil
}

func validateAddresses(list string) error {
	addrs := strings.Split(list, ",")
	nonEmpty := 0
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		nonEmpty++
		if _, err := mail.ParseAddress(a); err != nil {
			return fmt.Errorf("invalid address %q", a)
		}
	}
	if nonEmpty == 0 {
		return fmt.Errorf("at least one recipient required")
	}
	return nil
}
