// Package health runs the engine's self-diagnosis: periodic heartbeat rows
// in service_status plus on-demand probes of the store, the SMTP server,
// and the process itself. The overall level is always the worst probe.
package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/mailqueue/internal/config"
	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/store"
)

// StatusStore is the store surface the monitor probes and reports through.
type StatusStore interface {
	Ping(ctx context.Context) error
	QueueHealth(ctx context.Context) (*store.QueueHealthStats, error)
	UpsertServiceStatus(ctx context.Context, st *domain.ServiceStatus) error
}

// Prober is the SMTP surface the monitor checks. Satisfied by the sender.
type Prober interface {
	TestConnection() error
}

// Probe is one named check result.
type Probe struct {
	Name      string             `json:"name"`
	Level     domain.HealthLevel `json:"level"`
	LevelName string             `json:"level_name"`
	Detail    string             `json:"detail,omitempty"`
	LatencyMS int64              `json:"latency_ms"`
}

// Report is a full health check: every probe plus the worst overall level.
type Report struct {
	Overall     domain.HealthLevel `json:"overall"`
	OverallName string             `json:"overall_name"`
	Probes      []Probe            `json:"probes"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Monitor heartbeats service_status and answers health checks.
type Monitor struct {
	store   StatusStore
	smtp    Prober
	metrics *metrics.Collector
	cfg     config.HealthConfig

	serviceName string
	version     string
	maxWorkers  int
	batchSize   int
	startedAt   time.Time

	activeWorkers func() int // pool callback, nil reports zero

	// CPU usage is a delta of process CPU time over wall time between
	// samples, so readings need at least a second apart to mean anything.
	cpuMu     sync.Mutex
	lastCPU   time.Duration
	lastCPUAt time.Time
	cpuVal    float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorOptions wires the monitor's collaborators.
type MonitorOptions struct {
	Store         StatusStore
	SMTP          Prober
	Metrics       *metrics.Collector
	Config        config.HealthConfig
	Version       string
	MaxWorkers    int
	BatchSize     int
	ActiveWorkers func() int
}

// NewMonitor creates a stopped monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	return &Monitor{
		store:         opts.Store,
		smtp:          opts.SMTP,
		metrics:       opts.Metrics,
		cfg:           opts.Config,
		serviceName:   "mailqueue-engine",
		version:       opts.Version,
		maxWorkers:    opts.MaxWorkers,
		batchSize:     opts.BatchSize,
		startedAt:     time.Now().UTC(),
		activeWorkers: opts.ActiveWorkers,
	}
}

// Start launches the heartbeat loop.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
	logger.Info("health monitor started",
		"heartbeat", m.cfg.Heartbeat().String())
}

// Stop halts the heartbeat loop.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Heartbeat())
	defer ticker.Stop()

	m.heartbeat()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

// heartbeat writes one service_status row from live stats.
func (m *Monitor) heartbeat() {
	report := m.Check(m.ctx)
	snap := m.metrics.Snapshot()

	var depth int64
	if stats, err := m.store.QueueHealth(m.ctx); err == nil {
		depth = stats.Depth
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	active := 0
	if m.activeWorkers != nil {
		active = m.activeWorkers()
	}

	// Prefer a critical probe's detail over the last pipeline error; the
	// probe is what is wrong with the service right now.
	lastErr := m.metrics.LastError()
	for _, p := range report.Probes {
		if p.Level == domain.HealthCritical && p.Detail != "" {
			lastErr = fmt.Sprintf("%s: %s", p.Name, p.Detail)
			break
		}
	}

	host, _ := os.Hostname()
	st := &domain.ServiceStatus{
		ServiceName:     m.serviceName,
		MachineName:     host,
		Status:          report.Overall,
		QueueDepth:      depth,
		EmailsPerHour:   snap.EmailsPerHour,
		ErrorRate:       snap.FailureRate(),
		AvgProcessingMS: snap.AvgProcessingMS,
		CPUPercent:      m.cpuPercent(),
		MemoryMB:        float64(mem.Alloc) / (1 << 20),
		ActiveWorkers:   active,
		MaxWorkers:      m.maxWorkers,
		BatchSize:       m.batchSize,
		Version:         m.version,
		StartedAt:       m.startedAt,
		TotalProcessed:  m.metrics.Count(string(metrics.EventEmailSent)),
		TotalFailed:     m.metrics.Count(string(metrics.EventEmailFailed)),
		UptimeSec:       int64(time.Since(m.startedAt).Seconds()),
		LastError:       lastErr,
	}
	if err := m.store.UpsertServiceStatus(m.ctx, st); err != nil {
		if m.ctx.Err() == nil {
			logger.Error("heartbeat upsert failed", "error", err.Error())
		}
		return
	}
	if report.Overall != domain.HealthHealthy {
		logger.Warn("service degraded", "level", report.Overall.String())
	}
}

// Check runs all probes and returns the report. Also serves the ops
// /healthz endpoint.
func (m *Monitor) Check(ctx context.Context) *Report {
	report := &Report{CheckedAt: time.Now().UTC()}

	report.Probes = append(report.Probes, m.probeStore(ctx))
	report.Probes = append(report.Probes, m.probeSMTP())
	report.Probes = append(report.Probes, m.probeProcess())

	for _, p := range report.Probes {
		report.Overall = report.Overall.Worse(p.Level)
	}
	report.OverallName = report.Overall.String()

	m.metrics.Record(metrics.Event{Type: metrics.EventHealthCheck})
	return report
}

func (m *Monitor) probeStore(ctx context.Context) Probe {
	started := time.Now()
	err := m.store.Ping(ctx)
	latency := time.Since(started)

	p := Probe{Name: "store", LatencyMS: latency.Milliseconds()}
	switch {
	case err != nil:
		p.Level = domain.HealthCritical
		p.Detail = err.Error()
	case latency > time.Duration(m.cfg.StoreProbeWarnSec)*time.Second:
		p.Level = domain.HealthWarning
		p.Detail = fmt.Sprintf("slow ping: %s", latency)
	}
	p.LevelName = p.Level.String()
	return p
}

func (m *Monitor) probeSMTP() Probe {
	started := time.Now()
	err := m.smtp.TestConnection()
	latency := time.Since(started)

	p := Probe{Name: "smtp", LatencyMS: latency.Milliseconds()}
	switch {
	case err != nil:
		p.Level = domain.HealthCritical
		p.Detail = err.Error()
	case latency > time.Duration(m.cfg.SMTPProbeWarnSec)*time.Second:
		p.Level = domain.HealthWarning
		p.Detail = fmt.Sprintf("slow handshake: %s", latency)
	}
	p.LevelName = p.Level.String()
	return p
}

func (m *Monitor) probeProcess() Probe {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	allocMB := float64(mem.Alloc) / (1 << 20)
	goroutines := runtime.NumGoroutine()
	cpu := m.cpuPercent()

	p := Probe{Name: "process"}
	switch {
	case allocMB > m.cfg.MemoryCriticalMB:
		p.Level = domain.HealthCritical
		p.Detail = fmt.Sprintf("memory %.0f MB", allocMB)
	case allocMB > m.cfg.MemoryWarnMB:
		p.Level = domain.HealthWarning
		p.Detail = fmt.Sprintf("memory %.0f MB", allocMB)
	case goroutines > m.cfg.GoroutineWarnCount:
		p.Level = domain.HealthWarning
		p.Detail = fmt.Sprintf("%d goroutines", goroutines)
	case cpu > m.cfg.CPUWarnPercent:
		p.Level = domain.HealthWarning
		p.Detail = fmt.Sprintf("cpu %.0f%%", cpu)
	}
	p.LevelName = p.Level.String()
	return p
}

// cpuPercent returns process CPU usage as a percentage of one core. The
// first call primes the baseline and returns 0; subsequent calls inside a
// one second window return the cached value instead of a noisy delta.
func (m *Monitor) cpuPercent() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	used := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	now := time.Now()

	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()

	if m.lastCPUAt.IsZero() {
		m.lastCPU, m.lastCPUAt = used, now
		return 0
	}
	wall := now.Sub(m.lastCPUAt)
	if wall < time.Second {
		return m.cpuVal
	}
	m.cpuVal = 100 * float64(used-m.lastCPU) / float64(wall)
	m.lastCPU, m.lastCPUAt = used, now
	return m.cpuVal
}
