package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/store"
)

// DepthStore is the store surface the backpressure monitor samples.
type DepthStore interface {
	QueueHealth(ctx context.Context) (*store.QueueHealthStats, error)
}

// Backpressure watches queue depth and trips when the queue grows past the
// configured maximum. The scheduler consults it to pause promoting
// recurring sends; the ops surface and alert rules read it too. Resume uses
// an 80% hysteresis threshold so the state does not flap around the limit.
type Backpressure struct {
	store    DepthStore
	maxDepth int64
	interval time.Duration

	engaged atomic.Bool
	depth   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackpressure creates a stopped monitor sampling every interval.
func NewBackpressure(st DepthStore, maxDepth int, interval time.Duration) *Backpressure {
	return &Backpressure{
		store:    st,
		maxDepth: int64(maxDepth),
		interval: interval,
	}
}

// Engaged reports whether the queue is over its depth limit.
func (b *Backpressure) Engaged() bool {
	return b.engaged.Load()
}

// Depth returns the last sampled queue depth.
func (b *Backpressure) Depth() int64 {
	return b.depth.Load()
}

// Start launches the sampling loop.
func (b *Backpressure) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop()
}

// Stop halts the sampling loop.
func (b *Backpressure) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Backpressure) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.sample()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sample()
		}
	}
}

func (b *Backpressure) sample() {
	stats, err := b.store.QueueHealth(b.ctx)
	if err != nil {
		if b.ctx.Err() == nil {
			logger.Error("backpressure sample failed", "error", err.Error())
		}
		return
	}
	b.depth.Store(stats.Depth)

	switch {
	case !b.engaged.Load() && stats.Depth > b.maxDepth:
		b.engaged.Store(true)
		logger.Warn("backpressure engaged",
			"depth", fmt.Sprintf("%d", stats.Depth),
			"max_depth", fmt.Sprintf("%d", b.maxDepth))
	case b.engaged.Load() && stats.Depth < b.maxDepth*8/10:
		b.engaged.Store(false)
		logger.Info("backpressure released",
			"depth", fmt.Sprintf("%d", stats.Depth))
	}
}
