// Package alert evaluates operational rules against live engine stats and
// drives each rule through an Inactive/Active lifecycle with cooldown, so
// a persistent condition produces one notification per cooldown window
// instead of one per evaluation tick.
package alert

import (
	"fmt"

	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/store"
)

// Severity ranks an alert for notification subjects and log levels.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Inputs is the stat set rules evaluate against, gathered once per tick.
type Inputs struct {
	Queue        *store.QueueHealthStats
	Metrics      *metrics.Snapshot
	Backpressure bool
}

// Rule is one condition. Check returns whether the rule fires and a
// human-readable detail for the notification.
type Rule struct {
	Name     string
	Severity Severity
	Check    func(in *Inputs) (bool, string)
}

// Thresholds tunes the default rule set.
type Thresholds struct {
	MaxQueueDepth       int64
	FailureRateWarn     float64
	OldestQueuedWarnMin float64
}

// DefaultRules builds the standard rule set.
func DefaultRules(t Thresholds) []Rule {
	return []Rule{
		{
			Name:     "queue_depth",
			Severity: SeverityCritical,
			Check: func(in *Inputs) (bool, string) {
				if in.Queue == nil {
					return false, ""
				}
				if in.Queue.Depth > t.MaxQueueDepth {
					return true, fmt.Sprintf("queue depth %d exceeds limit %d", in.Queue.Depth, t.MaxQueueDepth)
				}
				return false, ""
			},
		},
		{
			Name:     "failure_rate",
			Severity: SeverityWarning,
			Check: func(in *Inputs) (bool, string) {
				if in.Metrics == nil {
					return false, ""
				}
				// A handful of sends is not a trend.
				if in.Metrics.WindowSent+in.Metrics.WindowFailed < 20 {
					return false, ""
				}
				if rate := in.Metrics.FailureRate(); rate > t.FailureRateWarn {
					return true, fmt.Sprintf("failure rate %.1f%% over threshold %.1f%%", rate*100, t.FailureRateWarn*100)
				}
				return false, ""
			},
		},
		{
			Name:     "oldest_queued",
			Severity: SeverityWarning,
			Check: func(in *Inputs) (bool, string) {
				if in.Queue == nil {
					return false, ""
				}
				if in.Queue.OldestQueuedMin > t.OldestQueuedWarnMin {
					return true, fmt.Sprintf("oldest queued job waiting %.0f minutes", in.Queue.OldestQueuedMin)
				}
				return false, ""
			},
		},
		{
			Name:     "backpressure",
			Severity: SeverityCritical,
			Check: func(in *Inputs) (bool, string) {
				if in.Backpressure {
					return true, "backpressure engaged, scheduled promotion paused"
				}
				return false, ""
			},
		},
	}
}
