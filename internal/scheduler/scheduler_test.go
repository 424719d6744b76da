package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/store"
)

type firedCall struct {
	scheduleID  uuid.UUID
	job         *domain.QueueJob
	nextRun     time.Time
	stillActive bool
	execStatus  string
}

type fakeScheduleStore struct {
	mu      sync.Mutex
	due     []*domain.ScheduledEmail
	fired   []firedCall
	fireErr error
}

func (f *fakeScheduleStore) DueSchedules(context.Context, time.Time, int) ([]*domain.ScheduledEmail, error) {
	return f.due, nil
}

func (f *fakeScheduleStore) FireSchedule(_ context.Context, sch *domain.ScheduledEmail, job *domain.QueueJob, nextRun time.Time, stillActive bool, execStatus string) error {
	if f.fireErr != nil {
		return f.fireErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, firedCall{sch.ID, job, nextRun, stillActive, execStatus})
	return nil
}

type fakeLock struct {
	held bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) { return f.held, nil }
func (f *fakeLock) Release(context.Context) error         { return nil }

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func testScheduler(st *fakeScheduleStore) *Scheduler {
	s := New(st, &fakeLock{held: true}, nil, nil, 30*time.Second)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func oneShot() *domain.ScheduledEmail {
	now := time.Now().UTC()
	return &domain.ScheduledEmail{
		ID:          uuid.New(),
		Name:        "launch-announcement",
		To:          "all@example.com",
		Subject:     "we launched",
		Body:        "body",
		Priority:    domain.PriorityHigh,
		StartDate:   now.Add(-time.Hour),
		NextRunTime: now.Add(-time.Minute),
		IsRecurring: false,
		IsActive:    true,
	}
}

func TestOneShotFiresAndDeactivates(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)
	sch := oneShot()

	require.True(t, s.promote(sch, time.Now().UTC()))
	require.Len(t, st.fired, 1)

	call := st.fired[0]
	assert.False(t, call.stillActive)
	assert.Equal(t, "success", call.execStatus)
	require.NotNil(t, call.job)
	assert.Equal(t, sch.To, call.job.To)
	assert.Equal(t, domain.PriorityHigh, call.job.Priority)
	assert.Equal(t, "scheduler", call.job.CreatedBy)
	assert.Equal(t, "schedule:"+sch.ID.String(), call.job.RequestSource)
	assert.False(t, call.job.IsScheduled, "promoted jobs run immediately")
}

func TestCronNextRunComputedInUTC(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)

	sch := oneShot()
	sch.IsRecurring = true
	sch.CronExpression = "0 9 * * *"

	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	require.True(t, s.promote(sch, now))

	require.Len(t, st.fired, 1)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), st.fired[0].nextRun)
	assert.True(t, st.fired[0].stillActive)
}

func TestIntervalNextRunFromNow(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)

	sch := oneShot()
	sch.IsRecurring = true
	sch.IntervalMinutes = 15
	// The plan was due an hour ago; missed runs are not backfilled.
	sch.NextRunTime = time.Now().UTC().Add(-time.Hour)

	now := time.Now().UTC()
	require.True(t, s.promote(sch, now))
	require.Len(t, st.fired, 1)
	assert.Equal(t, now.Add(15*time.Minute), st.fired[0].nextRun)
}

func TestMaxExecutionsDeactivates(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)

	sch := oneShot()
	sch.IsRecurring = true
	sch.IntervalMinutes = 5
	max := 10
	sch.MaxExecutions = &max
	sch.ExecutionCount = 9

	require.True(t, s.promote(sch, time.Now().UTC()))
	require.Len(t, st.fired, 1)
	assert.False(t, st.fired[0].stillActive)
	assert.NotNil(t, st.fired[0].job, "the final execution still produces a job")
}

func TestEndDateDeactivates(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)

	sch := oneShot()
	sch.IsRecurring = true
	sch.IntervalMinutes = 60
	end := time.Now().UTC().Add(30 * time.Minute)
	sch.EndDate = &end

	require.True(t, s.promote(sch, time.Now().UTC()))
	assert.False(t, st.fired[0].stillActive)
}

func TestConflictMeansAnotherInstanceFired(t *testing.T) {
	st := &fakeScheduleStore{fireErr: store.ErrConflict}
	s := testScheduler(st)

	assert.False(t, s.promote(oneShot(), time.Now().UTC()))
	assert.Empty(t, st.fired)
}

func TestBadCronDeactivatesWithoutJob(t *testing.T) {
	st := &fakeScheduleStore{}
	s := testScheduler(st)

	sch := oneShot()
	sch.IsRecurring = true
	sch.CronExpression = "not a cron"

	assert.False(t, s.promote(sch, time.Now().UTC()))
	require.Len(t, st.fired, 1)
	assert.Nil(t, st.fired[0].job)
	assert.False(t, st.fired[0].stillActive)
	assert.Contains(t, st.fired[0].execStatus, "error")
}

func TestTickSkipsWhenLockNotHeld(t *testing.T) {
	st := &fakeScheduleStore{due: []*domain.ScheduledEmail{oneShot()}}
	s := New(st, &fakeLock{held: false}, nil, nil, time.Second)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.runTick()
	assert.Empty(t, st.fired)
}

func TestTickWakesDispatcherAfterPromotion(t *testing.T) {
	st := &fakeScheduleStore{due: []*domain.ScheduledEmail{oneShot()}}
	waker := &countingWaker{}
	s := New(st, &fakeLock{held: true}, nil, waker, time.Second)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.runTick()
	require.Len(t, st.fired, 1)
	assert.Equal(t, 1, waker.n)
}

type fixedPause struct{ engaged bool }

func (f fixedPause) Engaged() bool { return f.engaged }

func TestTickHeldByBackpressure(t *testing.T) {
	st := &fakeScheduleStore{due: []*domain.ScheduledEmail{oneShot()}}
	s := New(st, &fakeLock{held: true}, fixedPause{engaged: true}, nil, time.Second)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.runTick()
	assert.Empty(t, st.fired)
}
