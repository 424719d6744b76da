package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailqueue/internal/config"
	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/store"
)

type fakeStatusStore struct {
	pingErr  error
	upserted []*domain.ServiceStatus
}

func (f *fakeStatusStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStatusStore) QueueHealth(context.Context) (*store.QueueHealthStats, error) {
	return &store.QueueHealthStats{Depth: 42}, nil
}

func (f *fakeStatusStore) UpsertServiceStatus(_ context.Context, st *domain.ServiceStatus) error {
	f.upserted = append(f.upserted, st)
	return nil
}

type fakeProber struct{ err error }

func (f *fakeProber) TestConnection() error { return f.err }

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		HeartbeatSec:       30,
		StoreProbeWarnSec:  5,
		SMTPProbeWarnSec:   10,
		MemoryWarnMB:       100000,
		MemoryCriticalMB:   200000,
		GoroutineWarnCount: 100000,
		CPUWarnPercent:     85,
	}
}

func testMonitor(st StatusStore, smtp Prober) *Monitor {
	return NewMonitor(MonitorOptions{
		Store:      st,
		SMTP:       smtp,
		Metrics:    metrics.NewCollector(),
		Config:     testConfig(),
		Version:    "test",
		MaxWorkers: 8,
		BatchSize:  50,
	})
}

func TestCheckAllHealthy(t *testing.T) {
	m := testMonitor(&fakeStatusStore{}, &fakeProber{})

	report := m.Check(context.Background())
	assert.Equal(t, domain.HealthHealthy, report.Overall)
	require.Len(t, report.Probes, 3)
	for _, p := range report.Probes {
		assert.Equal(t, domain.HealthHealthy, p.Level, p.Name)
	}
}

func TestCheckStoreDownIsCritical(t *testing.T) {
	m := testMonitor(&fakeStatusStore{pingErr: errors.New("connection refused")}, &fakeProber{})

	report := m.Check(context.Background())
	assert.Equal(t, domain.HealthCritical, report.Overall)
	assert.Equal(t, domain.HealthCritical, report.Probes[0].Level)
	assert.Contains(t, report.Probes[0].Detail, "connection refused")
}

func TestCheckSMTPDownIsCritical(t *testing.T) {
	m := testMonitor(&fakeStatusStore{}, &fakeProber{err: errors.New("dial timeout")})

	report := m.Check(context.Background())
	assert.Equal(t, domain.HealthCritical, report.Overall)
}

func TestOverallIsWorstProbe(t *testing.T) {
	assert.Equal(t, domain.HealthCritical,
		domain.HealthHealthy.Worse(domain.HealthCritical))
	assert.Equal(t, domain.HealthWarning,
		domain.HealthWarning.Worse(domain.HealthHealthy))
}

func TestHeartbeatWritesStatusRow(t *testing.T) {
	st := &fakeStatusStore{}
	m := testMonitor(st, &fakeProber{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	defer m.cancel()

	m.metrics.Record(metrics.Event{Type: metrics.EventEmailSent, DurationMS: 50})
	m.heartbeat()

	require.Len(t, st.upserted, 1)
	row := st.upserted[0]
	assert.Equal(t, "mailqueue-engine", row.ServiceName)
	assert.NotEmpty(t, row.MachineName)
	assert.Equal(t, int64(42), row.QueueDepth)
	assert.Equal(t, int64(1), row.TotalProcessed)
	assert.Equal(t, 8, row.MaxWorkers)
	assert.Equal(t, "test", row.Version)
}

func TestHeartbeatCarriesLastError(t *testing.T) {
	st := &fakeStatusStore{}
	m := testMonitor(st, &fakeProber{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	defer m.cancel()

	m.metrics.Record(metrics.Event{
		Type:   metrics.EventEmailFailed,
		Detail: "smtp: 550 mailbox unavailable",
	})
	m.heartbeat()

	require.Len(t, st.upserted, 1)
	assert.Equal(t, "smtp: 550 mailbox unavailable", st.upserted[0].LastError)
}

func TestHeartbeatPrefersCriticalProbeDetail(t *testing.T) {
	st := &fakeStatusStore{}
	m := testMonitor(st, &fakeProber{err: errors.New("dial timeout")})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	defer m.cancel()

	m.metrics.Record(metrics.Event{
		Type:   metrics.EventEmailFailed,
		Detail: "smtp: 550 mailbox unavailable",
	})
	m.heartbeat()

	require.Len(t, st.upserted, 1)
	assert.Equal(t, "smtp: dial timeout", st.upserted[0].LastError)
}

func TestCPUPercentSamplesOverWallTime(t *testing.T) {
	m := testMonitor(&fakeStatusStore{}, &fakeProber{})

	// First call primes the baseline.
	assert.Zero(t, m.cpuPercent())

	// Inside the sampling window the cached value is returned.
	m.cpuVal = 12.5
	assert.Equal(t, 12.5, m.cpuPercent())

	// Past the window a fresh delta is computed and cached.
	m.cpuMu.Lock()
	m.lastCPUAt = time.Now().Add(-2 * time.Second)
	m.lastCPU = 0
	m.cpuMu.Unlock()
	got := m.cpuPercent()
	assert.GreaterOrEqual(t, got, 0.0)
	assert.NotEqual(t, 12.5, m.cpuVal)
}

func TestProcessProbeWarnsOnHighCPU(t *testing.T) {
	m := testMonitor(&fakeStatusStore{}, &fakeProber{})

	// Pin the cached reading above the threshold inside the window.
	m.cpuMu.Lock()
	m.lastCPUAt = time.Now()
	m.cpuVal = 97
	m.cpuMu.Unlock()

	p := m.probeProcess()
	assert.Equal(t, domain.HealthWarning, p.Level)
	assert.Contains(t, p.Detail, "cpu")
}
