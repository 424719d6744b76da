// Package scheduler promotes scheduled email plans into queue jobs when
// their next run time arrives. Cron expressions use the standard 5-field
// form and are always evaluated in UTC. Exactly one job is produced per
// plan per tick even with multiple engine instances: a distributed lock
// keeps schedulers from racing, and the store's fire transaction guards
// against the lock expiring mid-run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/pkg/distlock"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/store"
)

// batchLimit caps how many due plans one tick promotes.
const batchLimit = 100

// ScheduleStore is the store surface the scheduler drives.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledEmail, error)
	FireSchedule(ctx context.Context, sch *domain.ScheduledEmail, job *domain.QueueJob, nextRun time.Time, stillActive bool, execStatus string) error
}

// Pauser lets the backpressure monitor hold promotion while the queue is
// over its depth limit.
type Pauser interface {
	Engaged() bool
}

// Waker nudges the dispatcher after promotion so new jobs do not wait out
// a poll interval.
type Waker interface {
	Wake()
}

// Scheduler runs the promotion loop.
type Scheduler struct {
	store ScheduleStore
	lock  distlock.Lock
	pause Pauser // nil disables the backpressure hold
	waker Waker  // nil disables the dispatcher nudge
	tick  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(st ScheduleStore, lock distlock.Lock, pause Pauser, waker Waker, tick time.Duration) *Scheduler {
	return &Scheduler{
		store: st,
		lock:  lock,
		pause: pause,
		waker: waker,
		tick:  tick,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	logger.Info("scheduler started", "tick", s.tick.String())
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runTick()
		}
	}
}

func (s *Scheduler) runTick() {
	if s.pause != nil && s.pause.Engaged() {
		logger.Warn("scheduler tick skipped, backpressure engaged")
		return
	}

	held, err := s.lock.Acquire(s.ctx)
	if err != nil {
		logger.Error("scheduler lock acquire failed", "error", err.Error())
		return
	}
	if !held {
		return
	}
	defer s.lock.Release(s.ctx)

	now := time.Now().UTC()
	due, err := s.store.DueSchedules(s.ctx, now, batchLimit)
	if err != nil {
		logger.Error("due schedules query failed", "error", err.Error())
		return
	}

	promoted := 0
	for _, sch := range due {
		if s.promote(sch, now) {
			promoted++
		}
	}
	if promoted > 0 {
		logger.Info("promoted scheduled emails", "count", fmt.Sprintf("%d", promoted))
		if s.waker != nil {
			s.waker.Wake()
		}
	}
}

// promote fires one plan. Returns true if a job was produced.
func (s *Scheduler) promote(sch *domain.ScheduledEmail, now time.Time) bool {
	nextRun, err := s.nextRun(sch, now)
	if err != nil {
		// The plan cannot advance; deactivate it rather than retrying a
		// broken expression every tick.
		if ferr := s.store.FireSchedule(s.ctx, sch, nil, sch.NextRunTime, false, "error: "+err.Error()); ferr != nil && !errors.Is(ferr, store.ErrConflict) {
			logger.Error("deactivate broken schedule failed",
				"schedule_id", sch.ID.String(), "error", ferr.Error())
		}
		logger.Error("schedule deactivated",
			"schedule_id", sch.ID.String(), "name", sch.Name, "error", err.Error())
		return false
	}

	stillActive := sch.IsRecurring
	if sch.EndDate != nil && nextRun.After(*sch.EndDate) {
		stillActive = false
	}
	if sch.MaxExecutions != nil && sch.ExecutionCount+1 >= *sch.MaxExecutions {
		stillActive = false
	}

	job := s.jobFor(sch, now)
	err = s.store.FireSchedule(s.ctx, sch, job, nextRun, stillActive, "success")
	if errors.Is(err, store.ErrConflict) {
		// Another instance fired this run between our query and the update.
		logger.Debug("schedule already fired", "schedule_id", sch.ID.String())
		return false
	}
	if err != nil {
		logger.Error("fire schedule failed",
			"schedule_id", sch.ID.String(), "error", err.Error())
		return false
	}

	logger.Info("scheduled email promoted",
		"schedule_id", sch.ID.String(),
		"name", sch.Name,
		"queue_id", job.ID.String(),
		"next_run", nextRun.Format(time.RFC3339),
		"still_active", fmt.Sprintf("%t", stillActive))
	return true
}

// nextRun computes when the plan runs again. Missed runs are not backfilled:
// the next occurrence is computed from now, so a plan that was due an hour
// ago fires once and resumes its cadence.
func (s *Scheduler) nextRun(sch *domain.ScheduledEmail, now time.Time) (time.Time, error) {
	if !sch.IsRecurring {
		return sch.NextRunTime, nil
	}
	if sch.CronExpression != "" {
		schedule, err := cron.ParseStandard(sch.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad cron expression %q: %w", sch.CronExpression, err)
		}
		return schedule.Next(now.UTC()), nil
	}
	if sch.IntervalMinutes > 0 {
		return now.Add(time.Duration(sch.IntervalMinutes) * time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("recurring plan has no recurrence rule")
}

func (s *Scheduler) jobFor(sch *domain.ScheduledEmail, now time.Time) *domain.QueueJob {
	return &domain.QueueJob{
		ID:       uuid.New(),
		Priority: sch.Priority,
		Status:   domain.StatusQueued,
		To:       sch.To,
		CC:       sch.CC,
		BCC:      sch.BCC,
		Subject:  sch.Subject,
		Body:     sch.Body,
		IsHTML:   sch.IsHTML,

		TemplateID:                 sch.TemplateID,
		TemplateData:               sch.TemplateData,
		RequiresTemplateProcessing: sch.TemplateID != nil,

		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     "scheduler",
		RequestSource: "schedule:" + sch.ID.String(),
	}
}
