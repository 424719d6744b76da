package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
)

// UpsertServiceStatus writes the heartbeat row for one service instance.
// One row per (service_name, machine_name), refreshed every heartbeat.
func (s *Store) UpsertServiceStatus(ctx context.Context, st *domain.ServiceStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_status (
			service_name, machine_name, status, last_heartbeat,
			queue_depth, emails_per_hour, error_rate, avg_processing_ms,
			cpu_percent, memory_mb, active_workers, max_workers, batch_size,
			version, started_at, total_processed, total_failed, uptime_sec,
			last_error
		) VALUES ($1, $2, $3, NOW(), $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18)
		ON CONFLICT (service_name, machine_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = NOW(),
			queue_depth = EXCLUDED.queue_depth,
			emails_per_hour = EXCLUDED.emails_per_hour,
			error_rate = EXCLUDED.error_rate,
			avg_processing_ms = EXCLUDED.avg_processing_ms,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_mb = EXCLUDED.memory_mb,
			active_workers = EXCLUDED.active_workers,
			max_workers = EXCLUDED.max_workers,
			batch_size = EXCLUDED.batch_size,
			version = EXCLUDED.version,
			total_processed = EXCLUDED.total_processed,
			total_failed = EXCLUDED.total_failed,
			uptime_sec = EXCLUDED.uptime_sec,
			last_error = EXCLUDED.last_error
	`, st.ServiceName, st.MachineName, st.Status,
		st.QueueDepth, st.EmailsPerHour, st.ErrorRate, st.AvgProcessingMS,
		st.CPUPercent, st.MemoryMB, st.ActiveWorkers, st.MaxWorkers, st.BatchSize,
		st.Version, st.StartedAt.UTC(), st.TotalProcessed, st.TotalFailed,
		st.UptimeSec, st.LastError)
	if err != nil {
		return fmt.Errorf("upsert service status: %w", err)
	}
	return nil
}

// InsertProcessingLog records one worker diagnostic entry. Failures here
// must never fail the job, so callers typically ignore the error after
// logging it.
func (s *Store) InsertProcessingLog(ctx context.Context, entry *domain.ProcessingLog) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var queueID interface{}
	if entry.QueueID != nil && *entry.QueueID != uuid.Nil {
		queueID = *entry.QueueID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_logs (
			level, category, message, exception, queue_id, worker_id,
			step, correlation_id, created_at, machine_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
	`, entry.Level, entry.Category, entry.Message, entry.Exception,
		queueID, entry.WorkerID, entry.Step, entry.CorrelationID,
		entry.MachineName)
	if err != nil {
		return fmt.Errorf("insert processing log: %w", err)
	}
	return nil
}
