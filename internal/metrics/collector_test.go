package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailqueue/internal/domain"
)

func TestRecordBumpsCounters(t *testing.T) {
	c := NewCollector()
	c.Record(Event{Type: EventEmailSent})
	c.Record(Event{Type: EventEmailSent})
	c.Record(Event{Type: EventEmailFailed})

	assert.Equal(t, int64(2), c.Count(string(EventEmailSent)))
	assert.Equal(t, int64(1), c.Count(string(EventEmailFailed)))
	assert.Equal(t, int64(0), c.Count("unknown"))
}

func TestSnapshotAggregatesWindow(t *testing.T) {
	c := NewCollector()
	c.Record(Event{Type: EventEmailSent, DurationMS: 100, Priority: domain.PriorityHigh})
	c.Record(Event{Type: EventEmailSent, DurationMS: 300, Priority: domain.PriorityHigh})
	c.Record(Event{Type: EventEmailFailed, DurationMS: 200, Priority: domain.PriorityLow})

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.WindowSent)
	assert.Equal(t, int64(1), snap.WindowFailed)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 0.001)
	assert.InDelta(t, 200, snap.AvgProcessingMS, 0.001)
	assert.Equal(t, int64(2), snap.PriorityDistribution["high"])
	assert.Equal(t, int64(1), snap.PriorityDistribution["low"])
	assert.Equal(t, int64(2), snap.PeakHourlyRate)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate(), 0.001)
}

func TestLastErrorTracksFailureDetail(t *testing.T) {
	c := NewCollector()
	assert.Empty(t, c.LastError())

	c.Record(Event{Type: EventEmailFailed, Detail: "smtp: connection refused"})
	c.Record(Event{Type: EventEmailFailed, Detail: "smtp: 550 mailbox unavailable"})
	assert.Equal(t, "smtp: 550 mailbox unavailable", c.LastError())

	// Successes and detail-less failures leave the last error in place.
	c.Record(Event{Type: EventEmailSent})
	c.Record(Event{Type: EventEmailFailed})
	assert.Equal(t, "smtp: 550 mailbox unavailable", c.LastError())
}

func TestSnapshotEmptyWindow(t *testing.T) {
	snap := NewCollector().Snapshot()
	assert.Equal(t, float64(1), snap.SuccessRate)
	assert.Zero(t, snap.FailureRate())
	assert.Zero(t, snap.AvgProcessingMS)
}

func TestEventsEvictAfterWindow(t *testing.T) {
	c := NewCollector()
	old := time.Now().UTC().Add(-25 * time.Hour)
	c.Record(Event{Type: EventEmailSent, At: old})
	c.Record(Event{Type: EventEmailSent})

	snap := c.Snapshot()
	// The window only sees the fresh event; the lifetime counter keeps both.
	assert.Equal(t, int64(1), snap.WindowSent)
	assert.Equal(t, int64(2), c.Count(string(EventEmailSent)))
}

func TestTopTemplatesRankedAndBounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 5; i++ {
		c.Record(Event{Type: EventTemplateProcessed, TemplateID: "tmpl-a"})
	}
	for i := 0; i < 3; i++ {
		c.Record(Event{Type: EventTemplateProcessed, TemplateID: "tmpl-b"})
	}
	c.Record(Event{Type: EventTemplateProcessed, TemplateID: "tmpl-c"})

	snap := c.Snapshot()
	require.Len(t, snap.TopTemplates, 3)
	assert.Equal(t, "tmpl-a", snap.TopTemplates[0].TemplateID)
	assert.Equal(t, int64(5), snap.TopTemplates[0].Count)
	assert.Equal(t, "tmpl-b", snap.TopTemplates[1].TemplateID)
}

func TestConcurrentRecord(t *testing.T) {
	c := NewCollector()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			for i := 0; i < 100; i++ {
				c.Record(Event{Type: EventEmailSent, DurationMS: 10})
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	assert.Equal(t, int64(800), c.Count(string(EventEmailSent)))
	assert.Equal(t, int64(800), c.Snapshot().WindowSent)
}
