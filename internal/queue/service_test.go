package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/store"
)

type fakeStore struct {
	jobs      map[uuid.UUID]*domain.QueueJob
	history   map[uuid.UUID]*domain.EmailHistory
	templates map[uuid.UUID]*domain.EmailTemplate
	schedules []*domain.ScheduledEmail
	cancelErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      map[uuid.UUID]*domain.QueueJob{},
		history:   map[uuid.UUID]*domain.EmailHistory{},
		templates: map[uuid.UUID]*domain.EmailTemplate{},
	}
}

func (f *fakeStore) InsertJob(_ context.Context, job *domain.QueueJob) error {
	if _, ok := f.jobs[job.ID]; ok {
		return nil // duplicate ids are an idempotent no-op
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*domain.QueueJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListJobs(_ context.Context, _ store.JobFilter, _, _ int) ([]*domain.QueueJob, int64, error) {
	var out []*domain.QueueJob
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) CancelJob(_ context.Context, id uuid.UUID) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrConflict
	}
	job.Status = domain.StatusCancelled
	return nil
}

func (f *fakeStore) HistoryByQueueID(_ context.Context, id uuid.UUID) (*domain.EmailHistory, error) {
	h, ok := f.history[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) QueueHealth(context.Context) (*store.QueueHealthStats, error) {
	return &store.QueueHealthStats{Depth: int64(len(f.jobs))}, nil
}

func (f *fakeStore) GetTemplate(_ context.Context, id uuid.UUID) (*domain.EmailTemplate, error) {
	t, ok := f.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) CreateTemplate(_ context.Context, t *domain.EmailTemplate) error {
	f.templates[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTemplate(_ context.Context, id uuid.UUID, subject, body string) (int, error) {
	t, ok := f.templates[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	t.SubjectTemplate, t.BodyTemplate = subject, body
	t.Version++
	return t.Version, nil
}

func (f *fakeStore) DeleteTemplate(_ context.Context, id uuid.UUID) error {
	t, ok := f.templates[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.IsSystem {
		return store.ErrProtected
	}
	t.IsActive = false
	return nil
}

func (f *fakeStore) ListTemplates(context.Context) ([]*domain.EmailTemplate, error) {
	var out []*domain.EmailTemplate
	for _, t := range f.templates {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSchedule(_ context.Context, sch *domain.ScheduledEmail) error {
	f.schedules = append(f.schedules, sch)
	return nil
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

type recordingInvalidator struct{ ids []uuid.UUID }

func (r *recordingInvalidator) Invalidate(id uuid.UUID) { r.ids = append(r.ids, id) }

func TestSubmitDefaultsAndWakes(t *testing.T) {
	st := newFakeStore()
	waker := &countingWaker{}
	s := NewService(st, nil, waker)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		To:      "alice@example.com",
		Subject: "hello",
		Body:    "body",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, 1, waker.n)
	assert.Contains(t, st.jobs, job.ID)
}

func TestSubmitScheduledDoesNotWake(t *testing.T) {
	st := newFakeStore()
	waker := &countingWaker{}
	s := NewService(st, nil, waker)

	future := time.Now().UTC().Add(time.Hour)
	job, err := s.Submit(context.Background(), &SubmitRequest{
		To:           "alice@example.com",
		Subject:      "later",
		ScheduledFor: &future,
	})
	require.NoError(t, err)
	assert.True(t, job.IsScheduled)
	assert.Zero(t, waker.n, "deferred jobs must not wake the dispatcher")
}

func TestSubmitRejectsBadInput(t *testing.T) {
	s := NewService(newFakeStore(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *SubmitRequest
	}{
		{"no recipients", &SubmitRequest{Subject: "s"}},
		{"bad address", &SubmitRequest{To: "not-an-email", Subject: "s"}},
		{"bad cc", &SubmitRequest{To: "a@example.com", CC: "nope", Subject: "s"}},
		{"no subject without template", &SubmitRequest{To: "a@example.com"}},
		{"bad priority", &SubmitRequest{To: "a@example.com", Subject: "s", Priority: 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(ctx, tc.req)
			assert.Error(t, err)
		})
	}

	past := time.Now().UTC().Add(-time.Minute)
	_, err := s.Submit(ctx, &SubmitRequest{To: "a@example.com", Subject: "s", ScheduledFor: &past})
	assert.Error(t, err)
}

func TestSubmitAllowsTemplateWithoutSubject(t *testing.T) {
	s := NewService(newFakeStore(), nil, nil)
	tmplID := uuid.New()

	job, err := s.Submit(context.Background(), &SubmitRequest{
		To:           "a@example.com",
		TemplateID:   &tmplID,
		TemplateData: map[string]string{"name": "Alice"},
	})
	require.NoError(t, err)
	assert.True(t, job.RequiresTemplateProcessing)
}

func TestGetStatusFallsBackToHistory(t *testing.T) {
	st := newFakeStore()
	s := NewService(st, nil, nil)

	// A purged job resolves through its history row.
	id := uuid.New()
	st.history[id] = &domain.EmailHistory{QueueID: id, Status: domain.StatusSent}

	status, err := s.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, status.Job)
	require.NotNil(t, status.History)
	assert.Equal(t, domain.StatusSent, status.History.Status)

	_, err = s.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelPassesThroughConflict(t *testing.T) {
	st := newFakeStore()
	st.cancelErr = store.ErrConflict
	s := NewService(st, nil, nil)

	assert.ErrorIs(t, s.Cancel(context.Background(), uuid.New()), store.ErrConflict)
}

func TestUpdateTemplateInvalidatesCache(t *testing.T) {
	st := newFakeStore()
	inv := &recordingInvalidator{}
	s := NewService(st, inv, nil)

	tmpl, err := s.CreateTemplate(context.Background(), "welcome", "Hi {{name}}", "body")
	require.NoError(t, err)

	version, err := s.UpdateTemplate(context.Background(), tmpl.ID, "Hello {{name}}", "body2")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Version+1, version)
	assert.Equal(t, []uuid.UUID{tmpl.ID}, inv.ids)
}

func TestScheduleValidation(t *testing.T) {
	st := newFakeStore()
	s := NewService(st, nil, nil)
	now := time.Now().UTC()

	// Recurring with both rules set is rejected.
	err := s.Schedule(context.Background(), &domain.ScheduledEmail{
		Name: "bad", To: "a@example.com", Subject: "s",
		StartDate: now, NextRunTime: now,
		IsRecurring: true, CronExpression: "0 9 * * *", IntervalMinutes: 5,
	})
	assert.Error(t, err)

	// A valid recurring plan lands and defaults next run to the start date.
	err = s.Schedule(context.Background(), &domain.ScheduledEmail{
		Name: "daily", To: "a@example.com", Subject: "s",
		StartDate:   now.Add(time.Hour),
		IsRecurring: true, CronExpression: "0 9 * * *",
	})
	require.NoError(t, err)
	require.Len(t, st.schedules, 1)
	assert.Equal(t, now.Add(time.Hour), st.schedules[0].NextRunTime)
	assert.Equal(t, domain.PriorityNormal, st.schedules[0].Priority)
}
