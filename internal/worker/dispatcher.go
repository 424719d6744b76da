package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/pkg/logger"
)

// ClaimStore is the store surface the dispatcher claims batches through.
type ClaimStore interface {
	ClaimBatch(ctx context.Context, now time.Time, limit int, workerID string) ([]*domain.QueueJob, error)
}

// Dispatcher polls the queue and feeds claimed jobs to the pool. Claims are
// sized to the pool's free capacity so leases are only taken for jobs that
// can start immediately. Producers can cut the poll latency with Wake.
type Dispatcher struct {
	store    ClaimStore
	pool     *Pool
	interval time.Duration
	batch    int

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(st ClaimStore, pool *Pool, interval time.Duration, batch int) *Dispatcher {
	return &Dispatcher{
		store:    st,
		pool:     pool,
		interval: interval,
		batch:    batch,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the poll loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop()
	logger.Info("dispatcher started",
		"poll_interval", d.interval.String(),
		"batch_size", fmt.Sprintf("%d", d.batch))
}

// Stop halts claiming. Must be called before Pool.Stop.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	logger.Info("dispatcher stopped")
}

// Wake nudges the dispatcher to claim immediately instead of waiting out
// the poll interval. Non-blocking; coalesces with a pending wake.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drain()
		case <-d.wake:
			d.drain()
		}
	}
}

// drain claims and dispatches until the queue stops yielding full batches.
// A short batch means the ready set is exhausted; go back to sleep.
func (d *Dispatcher) drain() {
	for {
		n := d.batch
		if free := d.pool.FreeSlots(); free < n {
			n = free
		}
		if n <= 0 {
			return
		}

		jobs, err := d.store.ClaimBatch(d.ctx, time.Now().UTC(), n, d.pool.WorkerID())
		if err != nil {
			if d.ctx.Err() == nil {
				logger.Error("claim batch failed", "error", err.Error())
			}
			return
		}
		for _, job := range jobs {
			if !d.pool.Submit(d.ctx, job) {
				return
			}
		}
		if len(jobs) < n {
			return
		}
	}
}
