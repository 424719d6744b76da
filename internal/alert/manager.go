package alert

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/store"
)

// Notification is what the notifier delivers.
type Notification struct {
	Rule     string
	Severity Severity
	Detail   string
	Resolved bool
	At       time.Time
}

// Notifier delivers notifications. Failures are logged, never retried; the
// rule stays active and the next cooldown window re-notifies.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// StatsStore is the store surface the manager samples each tick.
type StatsStore interface {
	QueueHealth(ctx context.Context) (*store.QueueHealthStats, error)
}

// Pressure reports the backpressure state. Satisfied by worker.Backpressure.
type Pressure interface {
	Engaged() bool
}

// ruleState is the per-rule lifecycle: inactive until the condition fires,
// active until it clears. lastNotified gates re-notification.
type ruleState struct {
	active       bool
	activeSince  time.Time
	lastNotified time.Time
}

// Manager runs the evaluation loop.
type Manager struct {
	rules    []Rule
	store    StatsStore
	metrics  *metrics.Collector
	pressure Pressure // nil reads as not engaged
	notifier Notifier
	interval time.Duration
	cooldown time.Duration

	mu     sync.Mutex
	states map[string]*ruleState

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	notifyWG sync.WaitGroup
}

// ManagerOptions wires the manager.
type ManagerOptions struct {
	Rules    []Rule
	Store    StatsStore
	Metrics  *metrics.Collector
	Pressure Pressure
	Notifier Notifier
	Interval time.Duration
	Cooldown time.Duration
}

// NewManager creates a stopped manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		rules:    opts.Rules,
		store:    opts.Store,
		metrics:  opts.Metrics,
		pressure: opts.Pressure,
		notifier: opts.Notifier,
		interval: opts.Interval,
		cooldown: opts.Cooldown,
		states:   make(map[string]*ruleState),
	}
}

// Start launches the evaluation loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
	logger.Info("alert manager started",
		"rules", joinRuleNames(m.rules),
		"interval", m.interval.String())
}

// Stop halts the evaluation loop and waits out in-flight notifications.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.notifyWG.Wait()
}

// Active returns the names of currently active rules.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, st := range m.states {
		if st.active {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(m.ctx)
		}
	}
}

// Evaluate samples the inputs once and runs every rule through its state
// machine. Exported so tests and the ops surface can trigger a pass.
func (m *Manager) Evaluate(ctx context.Context) {
	in := &Inputs{Metrics: m.metrics.Snapshot()}
	if stats, err := m.store.QueueHealth(ctx); err == nil {
		in.Queue = stats
	} else if ctx.Err() == nil {
		logger.Error("alert stats sample failed", "error", err.Error())
	}
	if m.pressure != nil {
		in.Backpressure = m.pressure.Engaged()
	}

	now := time.Now().UTC()
	for _, rule := range m.rules {
		firing, detail := rule.Check(in)
		m.transition(ctx, rule, firing, detail, now)
	}
}

// transition applies one evaluation result to the rule's state machine:
//
//	inactive + firing  -> active, notify
//	active   + firing  -> re-notify only after the cooldown
//	active   + clear   -> inactive, notify resolution
func (m *Manager) transition(ctx context.Context, rule Rule, firing bool, detail string, now time.Time) {
	m.mu.Lock()
	st, ok := m.states[rule.Name]
	if !ok {
		st = &ruleState{}
		m.states[rule.Name] = st
	}

	var notify *Notification
	switch {
	case firing && !st.active:
		st.active = true
		st.activeSince = now
		st.lastNotified = now
		notify = &Notification{Rule: rule.Name, Severity: rule.Severity, Detail: detail, At: now}
	case firing && st.active:
		if now.Sub(st.lastNotified) >= m.cooldown {
			st.lastNotified = now
			notify = &Notification{Rule: rule.Name, Severity: rule.Severity, Detail: detail, At: now}
		}
	case !firing && st.active:
		st.active = false
		notify = &Notification{Rule: rule.Name, Severity: rule.Severity, Resolved: true, At: now,
			Detail: "condition cleared after " + now.Sub(st.activeSince).Round(time.Second).String()}
	}
	m.mu.Unlock()

	if notify == nil {
		return
	}
	if notify.Resolved {
		logger.Info("alert resolved", "rule", rule.Name, "detail", notify.Detail)
	} else {
		logger.Warn("alert active", "rule", rule.Name, "severity", string(rule.Severity), "detail", detail)
	}

	// Delivery is fire-and-forget: a slow or hung notifier must never stall
	// the evaluation loop. Failures are logged, not retried; the rule stays
	// active and the next cooldown window re-notifies.
	n := *notify
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		if err := m.notifier.Notify(ctx, n); err != nil {
			logger.Error("alert notification failed",
				"rule", n.Rule, "error", err.Error())
		}
	}()
}

func joinRuleNames(rules []Rule) string {
	s := ""
	for i, r := range rules {
		if i > 0 {
			s += ","
		}
		s += r.Name
	}
	return s
}
