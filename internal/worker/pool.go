// Package worker contains the dispatch engine's processing side: the
// claim dispatcher, the bounded worker pool running the per-job pipeline,
// the stale-lease reclaimer, the per-server rate limiter, and the
// queue-depth backpressure monitor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/attachment"
	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/sender"
	"github.com/ignite/mailqueue/internal/store"
	"github.com/ignite/mailqueue/internal/template"
)

// JobStore is the store surface the pool drives job transitions through.
type JobStore interface {
	RequeueWithBackoff(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastError string) error
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string) error
	AppendHistory(ctx context.Context, h *domain.EmailHistory) error
	InsertProcessingLog(ctx context.Context, entry *domain.ProcessingLog) error
}

// Renderer resolves template placeholders for jobs that need it. Jobs that
// carry their own subject and body with substitution data render inline,
// without a stored template.
type Renderer interface {
	Render(ctx context.Context, templateID uuid.UUID, data map[string]string) (*domain.RenderResult, error)
	RenderInline(subject, body string, data map[string]string) *domain.RenderResult
}

// Limiter gates send attempts. Wait blocks until a slot is available or the
// context ends.
type Limiter interface {
	Wait(ctx context.Context) error
}

// PoolOptions wires the pool's collaborators and tuning knobs.
type PoolOptions struct {
	Store       JobStore
	Renderer    Renderer
	Attachments *attachment.Processor
	Sender      sender.Sender
	Metrics     *metrics.Collector
	Limiter     Limiter // nil disables rate limiting
	Policy      RetryPolicy
	WorkerCount int
	JobTimeout  time.Duration
	WorkerID    string
}

// Pool runs claimed jobs through the processing pipeline on a fixed number
// of workers. Jobs arrive via Submit; the dispatcher must be stopped before
// the pool so no submits race shutdown.
type Pool struct {
	opts  PoolOptions
	tasks chan *domain.QueueJob

	active int64 // workers currently executing a job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a stopped pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Pool{
		opts:  opts,
		tasks: make(chan *domain.QueueJob, opts.WorkerCount),
	}
}

// WorkerID identifies this pool instance in leases and history rows.
func (p *Pool) WorkerID() string {
	return p.opts.WorkerID
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.WorkerCount; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	logger.Info("worker pool started",
		"workers", fmt.Sprintf("%d", p.opts.WorkerCount),
		"worker_id", p.opts.WorkerID)
}

// Submit hands a claimed job to the pool, blocking until a worker can take
// it or the context ends. A false return means the job was not accepted;
// its lease will be reclaimed after it goes stale.
func (p *Pool) Submit(ctx context.Context, job *domain.QueueJob) bool {
	select {
	case p.tasks <- job:
		return true
	case <-ctx.Done():
		return false
	case <-p.ctx.Done():
		return false
	}
}

// FreeSlots reports how many more jobs the pool can absorb right now. The
// dispatcher sizes its claim batches from this so claims never pile up
// behind a busy pool holding leases they cannot service.
func (p *Pool) FreeSlots() int {
	free := p.opts.WorkerCount - int(atomic.LoadInt64(&p.active)) - len(p.tasks)
	if free < 0 {
		return 0
	}
	return free
}

// Stop drains in-flight jobs, waiting up to grace. Jobs still running after
// the grace window keep their Processing lease and are reclaimed later.
// Returns true if the pool drained cleanly.
func (p *Pool) Stop(grace time.Duration) bool {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker pool drained")
		return true
	case <-time.After(grace):
		logger.Warn("worker pool drain timed out, abandoning leases",
			"grace", grace.String())
		return false
	}
}

func (p *Pool) run(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			// Drain whatever is already buffered before exiting.
			select {
			case job := <-p.tasks:
				p.execute(job)
			default:
				return
			}
		case job := <-p.tasks:
			p.execute(job)
		}
	}
}

// execute runs one job through the pipeline: render, attachments, rate
// limit, send, record. Every exit path leaves the job in a consistent
// state; store write failures leave the Processing lease for the reclaimer.
func (p *Pool) execute(job *domain.QueueJob) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	// The job timeout runs on Background so an in-flight send can finish
	// during graceful shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
	defer cancel()

	started := time.Now()
	subject, body := job.Subject, job.Body

	if job.RequiresTemplateProcessing && job.TemplateID != nil {
		result, err := p.opts.Renderer.Render(ctx, *job.TemplateID, job.TemplateData)
		switch {
		case err == nil:
			subject, body = result.FinalSubject, result.FinalBody
			p.opts.Metrics.Record(metrics.Event{
				Type:       metrics.EventTemplateProcessed,
				TemplateID: job.TemplateID.String(),
			})
		case errors.Is(err, template.ErrTemplateInactive), errors.Is(err, store.ErrNotFound):
			p.failPermanent(ctx, job, subject, body, started, "template: "+err.Error())
			return
		default:
			// Transient store failure: keep the lease, the reclaimer will
			// return the job to the queue.
			p.logStep(ctx, job, domain.LogError, "render", err.Error())
			logger.Error("template render failed, leaving lease",
				"queue_id", job.ID.String(), "error", err.Error())
			return
		}
	} else if len(job.TemplateData) > 0 {
		// No stored template, but the job carries substitution data for its
		// own content. Promoted scheduled emails arrive this way.
		result := p.opts.Renderer.RenderInline(subject, body, job.TemplateData)
		subject, body = result.FinalSubject, result.FinalBody
	}

	attachments := job.Attachments
	if len(attachments) > 0 {
		result := p.opts.Attachments.Process(attachments)
		if !result.OK() {
			reasons := make([]string, 0, len(result.ValidationErrors))
			for _, ve := range result.ValidationErrors {
				reasons = append(reasons, ve.Error())
			}
			p.failPermanent(ctx, job, subject, body, started, strings.Join(reasons, "; "))
			return
		}
		attachments = result.Processed
	}

	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			p.logStep(ctx, job, domain.LogWarn, "ratelimit", err.Error())
			return
		}
	}

	msg := &sender.Message{
		To:          splitAddresses(job.To),
		CC:          splitAddresses(job.CC),
		BCC:         splitAddresses(job.BCC),
		Subject:     subject,
		Body:        body,
		IsHTML:      job.IsHTML,
		Attachments: attachments,
		MessageID:   job.ID.String() + "@mailqueue",
	}

	outcome := p.opts.Sender.Send(msg)
	elapsed := time.Since(started)

	switch outcome.Disposition {
	case sender.DispositionSent:
		p.recordSent(ctx, job, subject, body, elapsed)
	case sender.DispositionRetryable:
		p.retry(ctx, job, subject, body, started, outcome.Reason)
	case sender.DispositionPermanent:
		p.failPermanent(ctx, job, subject, body, started, outcome.Reason)
	}
}

func (p *Pool) recordSent(ctx context.Context, job *domain.QueueJob, subject, body string, elapsed time.Duration) {
	sentAt := time.Now().UTC()
	if err := p.opts.Store.MarkSent(ctx, job.ID, sentAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another actor moved the job while we were sending. The send
			// went out; record history so the delivery is not invisible.
			logger.Warn("sent job no longer in processing",
				"queue_id", job.ID.String())
		} else {
			logger.Error("mark sent failed, leaving lease",
				"queue_id", job.ID.String(), "error", err.Error())
			return
		}
	}

	p.opts.Metrics.Record(metrics.Event{
		Type:       metrics.EventEmailSent,
		DurationMS: float64(elapsed.Milliseconds()),
		Priority:   job.Priority,
	})

	h := p.historyFor(job, subject, body, domain.StatusSent, "")
	h.SentAt = &sentAt
	if err := p.opts.Store.AppendHistory(ctx, h); err != nil {
		logger.Error("append sent history failed",
			"queue_id", job.ID.String(), "error", err.Error())
	}
	logger.Info("email sent",
		"queue_id", job.ID.String(),
		"to", logger.RedactEmail(job.To),
		"priority", job.Priority.String(),
		"elapsed_ms", fmt.Sprintf("%d", elapsed.Milliseconds()))
}

// retry requeues the job with backoff, or dead-letters it when the retry
// budget is spent.
func (p *Pool) retry(ctx context.Context, job *domain.QueueJob, subject, body string, started time.Time, reason string) {
	attempt := job.RetryCount + 1
	if attempt > p.opts.Policy.MaxRetries {
		p.failPermanent(ctx, job, subject, body, started,
			fmt.Sprintf("retry budget exhausted after %d attempts: %s", job.RetryCount, reason))
		return
	}

	runAt := time.Now().UTC().Add(p.opts.Policy.NextDelay(attempt))
	if err := p.opts.Store.RequeueWithBackoff(ctx, job.ID, attempt, runAt, reason); err != nil {
		logger.Error("requeue failed, leaving lease",
			"queue_id", job.ID.String(), "error", err.Error())
		return
	}
	p.logStep(ctx, job, domain.LogWarn, "send",
		fmt.Sprintf("attempt %d failed, retry at %s: %s", attempt, runAt.Format(time.RFC3339), reason))
	logger.Warn("send failed, requeued",
		"queue_id", job.ID.String(),
		"attempt", fmt.Sprintf("%d", attempt),
		"run_at", runAt.Format(time.RFC3339),
		"reason", reason)
}

func (p *Pool) failPermanent(ctx context.Context, job *domain.QueueJob, subject, body string, started time.Time, reason string) {
	if err := p.opts.Store.MarkFailedPermanent(ctx, job.ID, reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The job was reclaimed and finished by another worker; that
			// worker owns the outcome.
			logger.Warn("failed job no longer in processing",
				"queue_id", job.ID.String())
			return
		}
		logger.Error("mark failed failed, leaving lease",
			"queue_id", job.ID.String(), "error", err.Error())
		return
	}

	p.opts.Metrics.Record(metrics.Event{
		Type:       metrics.EventEmailFailed,
		DurationMS: float64(time.Since(started).Milliseconds()),
		Priority:   job.Priority,
		Detail:     reason,
	})

	if err := p.opts.Store.AppendHistory(ctx, p.historyFor(job, subject, body, domain.StatusFailed, reason)); err != nil {
		logger.Error("append failed history failed",
			"queue_id", job.ID.String(), "error", err.Error())
	}
	p.logStep(ctx, job, domain.LogError, "send", reason)
	logger.Error("email failed permanently",
		"queue_id", job.ID.String(),
		"to", logger.RedactEmail(job.To),
		"reason", reason)
}

func (p *Pool) historyFor(job *domain.QueueJob, subject, body string, status domain.JobStatus, errDetails string) *domain.EmailHistory {
	return &domain.EmailHistory{
		ID:              uuid.New(),
		QueueID:         job.ID,
		To:              job.To,
		CC:              job.CC,
		BCC:             job.BCC,
		Subject:         subject,
		FinalBody:       body,
		Status:          status,
		TemplateID:      job.TemplateID,
		AttachmentCount: len(job.Attachments),
		RetryCount:      job.RetryCount,
		ErrorDetails:    errDetails,
		ProcessedBy:     p.opts.WorkerID,
		CreatedAt:       time.Now().UTC(),
	}
}

// logStep writes a diagnostic processing log row. Failures here are
// swallowed: diagnostics never block the pipeline.
func (p *Pool) logStep(ctx context.Context, job *domain.QueueJob, level domain.LogLevel, step, msg string) {
	id := job.ID
	host, _ := os.Hostname()
	_ = p.opts.Store.InsertProcessingLog(ctx, &domain.ProcessingLog{
		Level:       level,
		Category:    "worker",
		Message:     msg,
		QueueID:     &id,
		WorkerID:    p.opts.WorkerID,
		Step:        step,
		CreatedAt:   time.Now().UTC(),
		MachineName: host,
	})
}

func splitAddresses(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
