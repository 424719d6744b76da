package domain

import "time"

// HealthLevel classifies a probe result or the overall service health.
// Ordering matters: the overall level is the worst of all probes.
type HealthLevel int

const (
	HealthHealthy  HealthLevel = 0
	HealthWarning  HealthLevel = 1
	HealthCritical HealthLevel = 2
)

func (h HealthLevel) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of the two levels.
func (h HealthLevel) Worse(other HealthLevel) HealthLevel {
	if other > h {
		return other
	}
	return h
}

// ServiceStatus is the per-(service, machine) heartbeat row, upserted every
// heartbeat interval. One row per running instance.
type ServiceStatus struct {
	ServiceName     string      `json:"service_name" db:"service_name"`
	MachineName     string      `json:"machine_name" db:"machine_name"`
	Status          HealthLevel `json:"status" db:"status"`
	LastHeartbeat   time.Time   `json:"last_heartbeat" db:"last_heartbeat"`
	QueueDepth      int64       `json:"queue_depth" db:"queue_depth"`
	EmailsPerHour   float64     `json:"emails_per_hour" db:"emails_per_hour"`
	ErrorRate       float64     `json:"error_rate" db:"error_rate"`
	AvgProcessingMS float64     `json:"avg_processing_ms" db:"avg_processing_ms"`
	CPUPercent      float64     `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB        float64     `json:"memory_mb" db:"memory_mb"`
	ActiveWorkers   int         `json:"active_workers" db:"active_workers"`
	MaxWorkers      int         `json:"max_workers" db:"max_workers"`
	BatchSize       int         `json:"batch_size" db:"batch_size"`
	Version         string      `json:"version" db:"version"`
	StartedAt       time.Time   `json:"started_at" db:"started_at"`
	TotalProcessed  int64       `json:"total_processed" db:"total_processed"`
	TotalFailed     int64       `json:"total_failed" db:"total_failed"`
	UptimeSec       int64       `json:"uptime_sec" db:"uptime_sec"`
	LastError       string      `json:"last_error,omitempty" db:"last_error"`
}
