// Package archive owns retention: purging terminal queue rows whose
// retention window has passed and stamping old history rows as archived.
// Both passes run on a daily cadence and delete in bounded batches so
// retention never takes long locks on the hot tables.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mailqueue/internal/pkg/logger"
)

// purgeBatchSize bounds one delete round trip.
const purgeBatchSize = 1000

// RetentionStore is the store surface the archiver sweeps through.
type RetentionStore interface {
	PurgeTerminalJobs(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	ArchiveHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver runs the retention loop.
type Archiver struct {
	store        RetentionStore
	retainFor    time.Duration
	archiveAfter time.Duration
	interval     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped archiver. Jobs terminal for longer than retainDays
// are purged; history older than archiveDays is stamped archived.
func New(st RetentionStore, retainDays, archiveDays int) *Archiver {
	return &Archiver{
		store:        st,
		retainFor:    time.Duration(retainDays) * 24 * time.Hour,
		archiveAfter: time.Duration(archiveDays) * 24 * time.Hour,
		interval:     24 * time.Hour,
	}
}

// Start launches the retention loop. The first sweep runs shortly after
// start so a long-stopped engine catches up without waiting a day.
func (a *Archiver) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop()
	logger.Info("archiver started",
		"retain", a.retainFor.String(),
		"archive_after", a.archiveAfter.String())
}

// Stop halts the retention loop.
func (a *Archiver) Stop() {
	a.cancel()
	a.wg.Wait()
}

func (a *Archiver) loop() {
	defer a.wg.Done()

	// Initial sweep after a short settle delay.
	select {
	case <-a.ctx.Done():
		return
	case <-time.After(time.Minute):
		a.sweep()
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep purges expired terminal jobs in batches, then archives old history.
func (a *Archiver) sweep() {
	now := time.Now().UTC()

	var purged int64
	for {
		n, err := a.store.PurgeTerminalJobs(a.ctx, now.Add(-a.retainFor), purgeBatchSize)
		if err != nil {
			logger.Error("purge sweep failed", "error", err.Error())
			break
		}
		purged += n
		if n < purgeBatchSize {
			break
		}
		// Yield between batches.
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}

	archived, err := a.store.ArchiveHistory(a.ctx, now.Add(-a.archiveAfter))
	if err != nil {
		logger.Error("archive sweep failed", "error", err.Error())
	}

	if purged > 0 || archived > 0 {
		logger.Info("retention sweep complete",
			"purged", fmt.Sprintf("%d", purged),
			"archived", fmt.Sprintf("%d", archived))
	}
}
