// Package metrics is the in-process event collector: monotonic counters on
// the ingest path and a 24-hour ring of processing events for windowed
// aggregates. Ingest is designed for the worker hot path; snapshots pay
// the locking cost.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailqueue/internal/domain"
)

// EventType names a processing event.
type EventType string

const (
	EventEmailSent         EventType = "email_sent"
	EventEmailFailed       EventType = "email_failed"
	EventBatchProcessed    EventType = "batch_processed"
	EventTemplateProcessed EventType = "template_processed"
	EventHealthCheck       EventType = "health_check"
)

// window is how long events stay in the ring.
const window = 24 * time.Hour

// Event is one recorded processing occurrence. Detail carries the error
// text on failure events; the most recent one feeds the service heartbeat.
type Event struct {
	Type       EventType
	At         time.Time
	DurationMS float64
	Priority   domain.Priority
	TemplateID string
	Detail     string
}

// Snapshot is a point-in-time aggregate over the 24 h window plus the
// lifetime counters.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	Counters map[string]int64 `json:"counters"`

	WindowSent      int64   `json:"window_sent"`
	WindowFailed    int64   `json:"window_failed"`
	SuccessRate     float64 `json:"success_rate"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	PeakHourlyRate  int64   `json:"peak_hourly_rate"`
	EmailsPerHour   float64 `json:"emails_per_hour"`

	PriorityDistribution map[string]int64 `json:"priority_distribution"`
	TopTemplates         []TemplateUsage  `json:"top_templates"`
}

// TemplateUsage pairs a template with its send count in the window.
type TemplateUsage struct {
	TemplateID string `json:"template_id"`
	Count      int64  `json:"count"`
}

// Collector accumulates counters and windowed events. Counter increments
// are lock-free; the event ring takes a short mutex on append and the full
// mutex on snapshot.
type Collector struct {
	counters sync.Map // string -> *int64

	mu     sync.Mutex
	events []Event // time-ordered; evicted eagerly from the front

	lastError atomic.Value // string: detail of the most recent failure

	topN int
}

// NewCollector creates a collector reporting the top 10 templates.
func NewCollector() *Collector {
	return &Collector{topN: 10}
}

// Record ingests one event. Counters bump lock-free; the ring append holds
// the mutex only long enough to append and evict.
func (c *Collector) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.inc(string(ev.Type), 1)
	if ev.Type == EventEmailFailed && ev.Detail != "" {
		c.lastError.Store(ev.Detail)
	}

	c.mu.Lock()
	c.events = append(c.events, ev)
	c.evictLocked(ev.At)
	c.mu.Unlock()
}

// LastError returns the detail of the most recent failure event, or "".
func (c *Collector) LastError() string {
	if v, ok := c.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// Count returns the lifetime value of a counter.
func (c *Collector) Count(name string) int64 {
	if v, ok := c.counters.Load(name); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

func (c *Collector) inc(name string, delta int64) {
	v, ok := c.counters.Load(name)
	if !ok {
		v, _ = c.counters.LoadOrStore(name, new(int64))
	}
	atomic.AddInt64(v.(*int64), delta)
}

// evictLocked drops events older than the window. Events arrive roughly in
// time order, so eviction walks from the front.
func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.events) && c.events[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
}

// Snapshot aggregates the current window under a single lock.
func (c *Collector) Snapshot() *Snapshot {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)

	snap := &Snapshot{
		TakenAt:              now,
		Counters:             map[string]int64{},
		PriorityDistribution: map[string]int64{},
	}
	c.counters.Range(func(k, v interface{}) bool {
		snap.Counters[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	var durTotal float64
	var durCount int64
	hourly := map[int64]int64{}
	templates := map[string]int64{}

	for _, ev := range c.events {
		switch ev.Type {
		case EventEmailSent:
			snap.WindowSent++
			hourly[ev.At.Unix()/3600]++
		case EventEmailFailed:
			snap.WindowFailed++
		}
		if ev.DurationMS > 0 {
			durTotal += ev.DurationMS
			durCount++
		}
		if ev.Priority.Valid() && (ev.Type == EventEmailSent || ev.Type == EventEmailFailed) {
			snap.PriorityDistribution[ev.Priority.String()]++
		}
		if ev.TemplateID != "" && ev.Type == EventTemplateProcessed {
			templates[ev.TemplateID]++
		}
	}

	attempts := snap.WindowSent + snap.WindowFailed
	if attempts > 0 {
		snap.SuccessRate = float64(snap.WindowSent) / float64(attempts)
	} else {
		snap.SuccessRate = 1
	}
	if durCount > 0 {
		snap.AvgProcessingMS = durTotal / float64(durCount)
	}
	for _, n := range hourly {
		if n > snap.PeakHourlyRate {
			snap.PeakHourlyRate = n
		}
	}
	snap.EmailsPerHour = float64(snap.WindowSent) / window.Hours()

	for id, n := range templates {
		snap.TopTemplates = append(snap.TopTemplates, TemplateUsage{TemplateID: id, Count: n})
	}
	sort.Slice(snap.TopTemplates, func(i, j int) bool {
		if snap.TopTemplates[i].Count != snap.TopTemplates[j].Count {
			return snap.TopTemplates[i].Count > snap.TopTemplates[j].Count
		}
		return snap.TopTemplates[i].TemplateID < snap.TopTemplates[j].TemplateID
	})
	if len(snap.TopTemplates) > c.topN {
		snap.TopTemplates = snap.TopTemplates[:c.topN]
	}

	return snap
}

// FailureRate returns the window failure ratio, used by alert rules.
func (s *Snapshot) FailureRate() float64 {
	attempts := s.WindowSent + s.WindowFailed
	if attempts == 0 {
		return 0
	}
	return float64(s.WindowFailed) / float64(attempts)
}
