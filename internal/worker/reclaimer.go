package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/pkg/logger"
)

// ReclaimStore is the store surface the reclaimer sweeps through.
type ReclaimStore interface {
	ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
	FailExhausted(ctx context.Context, maxRetries int) ([]*domain.QueueJob, error)
	AppendHistory(ctx context.Context, h *domain.EmailHistory) error
}

// Reclaimer is the lease janitor. It returns jobs whose worker died
// mid-send back to the queue and dead-letters jobs whose reclaims spent
// the retry budget. Without it a crashed worker strands jobs in
// Processing forever.
type Reclaimer struct {
	store      ReclaimStore
	staleAfter time.Duration
	maxRetries int
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReclaimer creates a stopped reclaimer. The sweep runs at half the
// stale-lease window, clamped to [30s, 2m].
func NewReclaimer(st ReclaimStore, staleAfter time.Duration, maxRetries int) *Reclaimer {
	interval := staleAfter / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	if interval > 2*time.Minute {
		interval = 2 * time.Minute
	}
	return &Reclaimer{
		store:      st,
		staleAfter: staleAfter,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

// Start launches the sweep loop.
func (r *Reclaimer) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()
	logger.Info("lease reclaimer started",
		"stale_after", r.staleAfter.String(),
		"interval", r.interval.String())
}

// Stop halts the sweep loop.
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reclaimer) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep runs both passes: reclaim stale leases, then dead-letter anything
// the reclaims pushed past the retry budget.
func (r *Reclaimer) sweep() {
	reclaimed, err := r.store.ReclaimStale(r.ctx, time.Now().UTC(), r.staleAfter)
	if err != nil {
		logger.Error("stale lease sweep failed", "error", err.Error())
		return
	}
	if reclaimed > 0 {
		logger.Warn("reclaimed stale leases", "count", fmt.Sprintf("%d", reclaimed))
	}

	exhausted, err := r.store.FailExhausted(r.ctx, r.maxRetries)
	if err != nil {
		logger.Error("exhausted sweep failed", "error", err.Error())
		return
	}
	host, _ := os.Hostname()
	for _, job := range exhausted {
		h := &domain.EmailHistory{
			ID:              uuid.New(),
			QueueID:         job.ID,
			To:              job.To,
			CC:              job.CC,
			BCC:             job.BCC,
			Subject:         job.Subject,
			FinalBody:       job.Body,
			Status:          domain.StatusFailed,
			TemplateID:      job.TemplateID,
			AttachmentCount: len(job.Attachments),
			RetryCount:      job.RetryCount,
			ErrorDetails:    job.LastError,
			ProcessedBy:     host,
			CreatedAt:       time.Now().UTC(),
		}
		if err := r.store.AppendHistory(r.ctx, h); err != nil {
			logger.Error("append exhausted history failed",
				"queue_id", job.ID.String(), "error", err.Error())
		}
		logger.Error("job dead-lettered after exhausted retries",
			"queue_id", job.ID.String(),
			"retry_count", fmt.Sprintf("%d", job.RetryCount))
	}
}
