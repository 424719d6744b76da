package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailqueue/internal/attachment"
	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/sender"
	"github.com/ignite/mailqueue/internal/store"
	"github.com/ignite/mailqueue/internal/template"
)

type requeueCall struct {
	id      uuid.UUID
	attempt int
	runAt   time.Time
	lastErr string
}

type mockJobStore struct {
	mu            sync.Mutex
	sent          []uuid.UUID
	failed        map[uuid.UUID]string
	requeued      []requeueCall
	history       []*domain.EmailHistory
	logs          []*domain.ProcessingLog
	markSentErr   error
	markFailedErr error
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{failed: map[uuid.UUID]string{}}
}

func (m *mockJobStore) RequeueWithBackoff(_ context.Context, id uuid.UUID, attempt int, runAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, requeueCall{id, attempt, runAt, lastErr})
	return nil
}

func (m *mockJobStore) MarkSent(_ context.Context, id uuid.UUID, _ time.Time) error {
	if m.markSentErr != nil {
		return m.markSentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, id)
	return nil
}

func (m *mockJobStore) MarkFailedPermanent(_ context.Context, id uuid.UUID, msg string) error {
	if m.markFailedErr != nil {
		return m.markFailedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = msg
	return nil
}

func (m *mockJobStore) AppendHistory(_ context.Context, h *domain.EmailHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *mockJobStore) InsertProcessingLog(_ context.Context, entry *domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

type fakeSender struct {
	mu       sync.Mutex
	outcome  sender.Outcome
	messages []*sender.Message
}

func (f *fakeSender) Send(msg *sender.Message) sender.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.outcome
}

func (f *fakeSender) TestConnection() error { return nil }

type fakeRenderer struct {
	result *domain.RenderResult
	inline *domain.RenderResult
	err    error
}

func (f *fakeRenderer) Render(context.Context, uuid.UUID, map[string]string) (*domain.RenderResult, error) {
	return f.result, f.err
}

func (f *fakeRenderer) RenderInline(subject, body string, _ map[string]string) *domain.RenderResult {
	if f.inline != nil {
		return f.inline
	}
	return &domain.RenderResult{FinalSubject: subject, FinalBody: body}
}

func testPool(st *mockJobStore, snd sender.Sender, r Renderer) *Pool {
	return NewPool(PoolOptions{
		Store:       st,
		Renderer:    r,
		Attachments: attachment.NewProcessor(0),
		Sender:      snd,
		Metrics:     metrics.NewCollector(),
		Policy:      RetryPolicy{MaxRetries: 3, Base: 30 * time.Second, Max: time.Hour},
		WorkerCount: 2,
		JobTimeout:  5 * time.Second,
		WorkerID:    "test-worker",
	})
}

func testJob() *domain.QueueJob {
	return &domain.QueueJob{
		ID:       uuid.New(),
		Priority: domain.PriorityNormal,
		Status:   domain.StatusProcessing,
		To:       "alice@example.com",
		Subject:  "hello",
		Body:     "body",
	}
}

func TestExecuteSendsAndRecordsHistory(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{})

	job := testJob()
	p.execute(job)

	require.Len(t, st.sent, 1)
	assert.Equal(t, job.ID, st.sent[0])
	require.Len(t, st.history, 1)
	assert.Equal(t, domain.StatusSent, st.history[0].Status)
	assert.NotNil(t, st.history[0].SentAt)
	assert.Equal(t, "test-worker", st.history[0].ProcessedBy)
	assert.Equal(t, int64(1), p.opts.Metrics.Count(string(metrics.EventEmailSent)))
	require.Len(t, snd.messages, 1)
	assert.Equal(t, []string{"alice@example.com"}, snd.messages[0].To)
}

func TestExecuteRetryableRequeuesWithBackoff(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{
		Disposition: sender.DispositionRetryable, Code: 451, Reason: "451 try later"}}
	p := testPool(st, snd, &fakeRenderer{})

	job := testJob()
	p.execute(job)

	require.Len(t, st.requeued, 1)
	call := st.requeued[0]
	assert.Equal(t, job.ID, call.id)
	assert.Equal(t, 1, call.attempt)
	assert.Equal(t, "451 try later", call.lastErr)

	// The retry lands inside the jittered backoff window for attempt 1.
	delay := time.Until(call.runAt)
	assert.Greater(t, delay, 20*time.Second)
	assert.Less(t, delay, 40*time.Second)
	assert.Empty(t, st.sent)
	assert.Empty(t, st.history)
}

func TestExecuteExhaustedBudgetFailsPermanently(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{
		Disposition: sender.DispositionRetryable, Reason: "timeout"}}
	p := testPool(st, snd, &fakeRenderer{})

	job := testJob()
	job.RetryCount = 3 // budget is 3
	p.execute(job)

	assert.Empty(t, st.requeued)
	require.Contains(t, st.failed, job.ID)
	assert.Contains(t, st.failed[job.ID], "retry budget exhausted")
	require.Len(t, st.history, 1)
	assert.Equal(t, domain.StatusFailed, st.history[0].Status)
}

func TestExecutePermanentFailureRecordsHistory(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{
		Disposition: sender.DispositionPermanent, Code: 550, Reason: "550 no such user"}}
	p := testPool(st, snd, &fakeRenderer{})

	job := testJob()
	p.execute(job)

	require.Contains(t, st.failed, job.ID)
	require.Len(t, st.history, 1)
	assert.Equal(t, domain.StatusFailed, st.history[0].Status)
	assert.Equal(t, "550 no such user", st.history[0].ErrorDetails)
	assert.Equal(t, int64(1), p.opts.Metrics.Count(string(metrics.EventEmailFailed)))
}

func TestExecuteRendersTemplate(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{result: &domain.RenderResult{
		FinalSubject: "Hello Alice",
		FinalBody:    "rendered body",
	}})

	job := testJob()
	tmplID := uuid.New()
	job.TemplateID = &tmplID
	job.RequiresTemplateProcessing = true
	p.execute(job)

	require.Len(t, snd.messages, 1)
	assert.Equal(t, "Hello Alice", snd.messages[0].Subject)
	assert.Equal(t, "rendered body", snd.messages[0].Body)
	require.Len(t, st.history, 1)
	assert.Equal(t, "Hello Alice", st.history[0].Subject)
	assert.Equal(t, int64(1), p.opts.Metrics.Count(string(metrics.EventTemplateProcessed)))
}

func TestExecuteRendersInlineContent(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	// The real engine: inline rendering needs no stored template.
	p := testPool(st, snd, template.NewEngine(nil))

	job := testJob()
	job.Subject = "Hello {{name}}"
	job.Body = "Your report for {{month}} is ready"
	job.TemplateData = map[string]string{"name": "Alice", "month": "June"}
	p.execute(job)

	require.Len(t, snd.messages, 1)
	assert.Equal(t, "Hello Alice", snd.messages[0].Subject)
	assert.Equal(t, "Your report for June is ready", snd.messages[0].Body)
	require.Len(t, st.history, 1)
	assert.Equal(t, "Hello Alice", st.history[0].Subject)
}

func TestExecuteMarkFailedConflictYieldsToOtherWorker(t *testing.T) {
	st := newMockJobStore()
	st.markFailedErr = store.ErrConflict
	snd := &fakeSender{outcome: sender.Outcome{
		Disposition: sender.DispositionPermanent, Reason: "550 no such user"}}
	p := testPool(st, snd, &fakeRenderer{})

	// The job was reclaimed and finished elsewhere mid-send; this worker
	// must not record a failure over the other worker's outcome.
	p.execute(testJob())

	assert.Empty(t, st.failed)
	assert.Empty(t, st.history)
	assert.Zero(t, p.opts.Metrics.Count(string(metrics.EventEmailFailed)))
}

func TestExecuteInactiveTemplateFailsPermanently(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{err: template.ErrTemplateInactive})

	job := testJob()
	tmplID := uuid.New()
	job.TemplateID = &tmplID
	job.RequiresTemplateProcessing = true
	p.execute(job)

	assert.Empty(t, snd.messages, "must not send without rendering")
	require.Contains(t, st.failed, job.ID)
	assert.Contains(t, st.failed[job.ID], "template")
}

func TestExecuteTransientRenderErrorLeavesLease(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{err: errors.New("connection refused")})

	job := testJob()
	tmplID := uuid.New()
	job.TemplateID = &tmplID
	job.RequiresTemplateProcessing = true
	p.execute(job)

	// No transition at all: the reclaimer owns this job now.
	assert.Empty(t, snd.messages)
	assert.Empty(t, st.sent)
	assert.Empty(t, st.failed)
	assert.Empty(t, st.requeued)
}

func TestExecuteBadAttachmentFailsWithoutSending(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{})

	job := testJob()
	job.Attachments = []domain.Attachment{{Filename: "../evil", Base64Content: "aGk="}}
	p.execute(job)

	assert.Empty(t, snd.messages)
	require.Contains(t, st.failed, job.ID)
	assert.Contains(t, st.failed[job.ID], "attachment")
}

func TestExecuteMarkSentStoreErrorLeavesLease(t *testing.T) {
	st := newMockJobStore()
	st.markSentErr = errors.New("connection reset")
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{})

	p.execute(testJob())

	assert.Empty(t, st.sent)
	assert.Empty(t, st.history)
	assert.Empty(t, st.failed)
}

func TestPoolSubmitAndDrain(t *testing.T) {
	st := newMockJobStore()
	snd := &fakeSender{outcome: sender.Outcome{Disposition: sender.DispositionSent}}
	p := testPool(st, snd, &fakeRenderer{})

	p.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.True(t, p.Submit(context.Background(), testJob()))
	}
	assert.True(t, p.Stop(5*time.Second))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.sent, 5)
}

func TestFreeSlotsNeverNegative(t *testing.T) {
	p := testPool(newMockJobStore(), &fakeSender{}, &fakeRenderer{})
	assert.Equal(t, 2, p.FreeSlots())
	p.active = 5
	assert.Equal(t, 0, p.FreeSlots())
}
