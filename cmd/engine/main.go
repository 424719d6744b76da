// Command engine runs the email dispatch engine: the claim dispatcher and
// worker pool, the schedule promoter, the lease reclaimer, retention,
// health heartbeats, alert evaluation, and the ops HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailqueue/internal/alert"
	"github.com/ignite/mailqueue/internal/api"
	"github.com/ignite/mailqueue/internal/archive"
	"github.com/ignite/mailqueue/internal/attachment"
	"github.com/ignite/mailqueue/internal/config"
	"github.com/ignite/mailqueue/internal/health"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/pkg/distlock"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/queue"
	"github.com/ignite/mailqueue/internal/scheduler"
	"github.com/ignite/mailqueue/internal/sender"
	"github.com/ignite/mailqueue/internal/store"
	"github.com/ignite/mailqueue/internal/template"
	"github.com/ignite/mailqueue/internal/worker"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.Store.DatabaseURL,
		cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, cfg.Store.OpTimeout())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	// Redis is optional: without it rate limiting degrades to unlimited and
	// the scheduler lock falls back to a PG advisory lock.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, running degraded", "error", err.Error())
		}
		cancel()
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector()
	engine := template.NewEngine(st)
	processor := attachment.NewProcessor(int64(cfg.Engine.MaxAttachmentMB) << 20)
	smtpSender := sender.NewSMTPSender(cfg.SMTP)

	var limiter worker.Limiter
	if redisClient != nil && cfg.SMTP.MaxPerMinute > 0 {
		limiter = worker.NewRateLimiter(redisClient, cfg.SMTP.Host, cfg.SMTP.MaxPerMinute)
	}

	pool := worker.NewPool(worker.PoolOptions{
		Store:       st,
		Renderer:    engine,
		Attachments: processor,
		Sender:      smtpSender,
		Metrics:     collector,
		Limiter:     limiter,
		Policy: worker.RetryPolicy{
			MaxRetries: cfg.Engine.MaxRetries,
			Base:       time.Duration(cfg.Engine.RetryBaseSec) * time.Second,
			Max:        time.Duration(cfg.Engine.RetryMaxSec) * time.Second,
		},
		WorkerCount: cfg.Engine.WorkerCount,
		JobTimeout:  cfg.Engine.JobTimeout(),
	})

	dispatcher := worker.NewDispatcher(st, pool, cfg.Engine.PollInterval(), cfg.Engine.BatchSize)
	reclaimer := worker.NewReclaimer(st, cfg.Engine.StaleLease(), cfg.Engine.MaxRetries)
	pressure := worker.NewBackpressure(st, cfg.Engine.MaxQueueDepth, 30*time.Second)

	schedLock := distlock.New(redisClient, st.DB(), "scheduler", 2*cfg.Scheduler.Tick())
	sched := scheduler.New(st, schedLock, pressure, dispatcher, cfg.Scheduler.Tick())

	archiver := archive.New(st, cfg.Retention.HistoryRetentionDays, cfg.Retention.ArchiveAfterDays)

	monitor := health.NewMonitor(health.MonitorOptions{
		Store:      st,
		SMTP:       smtpSender,
		Metrics:    collector,
		Config:     cfg.Health,
		Version:    version,
		MaxWorkers: cfg.Engine.WorkerCount,
		BatchSize:  cfg.Engine.BatchSize,
		ActiveWorkers: func() int {
			return cfg.Engine.WorkerCount - pool.FreeSlots()
		},
	})

	var notifier alert.Notifier = alert.LogNotifier{}
	if n := alert.NewSMTPNotifier(cfg.SMTP, cfg.Alerts); n != nil {
		notifier = n
	}
	alerts := alert.NewManager(alert.ManagerOptions{
		Rules: alert.DefaultRules(alert.Thresholds{
			MaxQueueDepth:       int64(cfg.Engine.MaxQueueDepth),
			FailureRateWarn:     0.25,
			OldestQueuedWarnMin: 30,
		}),
		Store:    st,
		Metrics:  collector,
		Pressure: pressure,
		Notifier: notifier,
		Interval: cfg.Alerts.EvalInterval(),
		Cooldown: time.Duration(cfg.Alerts.DefaultCooldownMin) * time.Minute,
	})

	service := queue.NewService(st, engine, dispatcher)
	opsServer := api.NewServer(cfg.Server, monitor, collector, service, alerts)

	pool.Start(ctx)
	dispatcher.Start(ctx)
	reclaimer.Start(ctx)
	pressure.Start(ctx)
	sched.Start(ctx)
	archiver.Start(ctx)
	monitor.Start(ctx)
	alerts.Start(ctx)
	opsServer.Start()

	logger.Info("engine started",
		"version", version,
		"workers", "started",
		"worker_id", pool.WorkerID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received")

	// Stop intake first, then drain. Order matters: no component may hand
	// work to one that has already stopped.
	sched.Stop()
	dispatcher.Stop()
	drained := pool.Stop(cfg.Engine.GraceShutdown())

	alerts.Stop()
	monitor.Stop()
	archiver.Stop()
	pressure.Stop()
	reclaimer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err.Error())
	}

	cancel()
	if drained {
		logger.Info("engine stopped cleanly")
	} else {
		logger.Warn("engine stopped with undrained jobs, leases will be reclaimed")
	}
}
