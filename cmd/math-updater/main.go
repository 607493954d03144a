// Package main runs the math updater service.
//
// The service polls the conversation_update_queue table for conversations
// with new votes, recomputes their opinion clusters through the clustering
// engine, optionally labels and translates the clusters, and publishes the
// result as a new snapshot.
//
// Environment Variables (see core/config.go for the full list):
//
//	CONNECTION_STRING                         - PostgreSQL DSN (required)
//	POLIS_BASE_URL                            - Clustering engine base URL (required)
//	MATH_UPDATER_SCAN_INTERVAL_MS             - Scan interval (default: 2000)
//	MATH_UPDATER_BATCH_SIZE                   - Jobs claimed per poll (default: 10)
//	MATH_UPDATER_JOB_CONCURRENCY              - Jobs run at once (default: 3)
//	MATH_UPDATER_MIN_TIME_BETWEEN_UPDATES_MS  - Per-conversation rate limit (default: 20000)
//	MATHUPDATER_QUEUE_BACKEND                 - postgres or redis (default: postgres)
//	AWS_AI_LABEL_SUMMARY_ENABLE               - Cluster labeling (default: true)
//	GOOGLE_CLOUD_PROJECT_ID                   - Enables label translation
//	MATHUPDATER_CONFIG_FILE                   - Optional JSON or YAML config file
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/engine"
	"github.com/zkorum/mathupdater/orchestration"
	"github.com/zkorum/mathupdater/store"
	"github.com/zkorum/mathupdater/telemetry"
	"github.com/zkorum/mathupdater/translate"
	"github.com/zkorum/mathupdater/update"

	// Register labeling providers
	_ "github.com/zkorum/mathupdater/ai/providers/bedrock"
	_ "github.com/zkorum/mathupdater/ai/providers/mock"
	_ "github.com/zkorum/mathupdater/ai/providers/openai"
)

const serviceName = "math-updater"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "math-updater: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	startupStart := time.Now()

	// 1. Load .env for local development; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "math-updater: ignoring .env: %v\n", err)
	}

	// 2. Configuration
	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Telemetry
	telemetry.ServiceVersion = version
	provider, err := telemetry.Initialize(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	// 4. Database
	db, err := store.New(ctx, cfg.Database, cfg.Worker.BatchSize, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// 5. Job queue
	queue, closeQueue, err := newQueue(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	// 6. Collaborators
	mathEngine, err := engine.NewClient(cfg.Engine, logger)
	if err != nil {
		return err
	}

	opts := []update.Option{}
	if labeler := newLabeler(cfg, logger); labeler != nil {
		opts = append(opts, update.WithLabeler(labeler))
		if translator := newTranslator(ctx, cfg, logger); translator != nil {
			opts = append(opts, update.WithTranslator(translator))
		}
	}
	updater := update.NewUpdater(db, mathEngine, logger, opts...)
	handler := update.NewHandler(db, updater, logger)

	// 7. Scheduler
	poolCfg := orchestration.WorkerPoolConfigFrom(cfg.Worker, logger)
	pool := orchestration.NewJobWorkerPool(queue, handler, &poolCfg)
	scanner := orchestration.NewScanner(db, queue, orchestration.ScannerConfig{
		Interval:              cfg.Scanner.Interval,
		MinTimeBetweenUpdates: cfg.Scanner.MinTimeBetweenUpdates,
		Logger:                logger,
	})
	watchdog := orchestration.NewWatchdog(queue, pool, scanner, db, orchestration.WatchdogConfigFrom(cfg, logger))
	scheduler := orchestration.NewScheduler(queue, pool, scanner, watchdog, logger)

	if err := telemetry.Gauge("mathupdater.worker.active_jobs", "Jobs currently running", func() float64 {
		return float64(pool.ActiveJobs())
	}); err != nil {
		logger.Warn("Failed to register active jobs gauge", map[string]interface{}{"error": err.Error()})
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	logger.Info("Math updater started", map[string]interface{}{
		"version":                  version,
		"git_commit":               gitCommit,
		"build_date":               buildDate,
		"queue_backend":            cfg.Queue.Backend,
		"scan_interval":            cfg.Scanner.Interval.String(),
		"min_time_between_updates": cfg.Scanner.MinTimeBetweenUpdates.String(),
		"batch_size":               cfg.Worker.BatchSize,
		"concurrency":              cfg.Worker.Concurrency,
		"labeling":                 cfg.AI.Enabled,
		"translation":              cfg.Translation.Enabled(),
		"startup_ms":               time.Since(startupStart).Milliseconds(),
	})

	<-ctx.Done()
	logger.Info("Shutdown signal received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func newQueue(ctx context.Context, cfg *core.Config, db *store.Store, logger core.Logger) (core.JobQueue, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		client, err := orchestration.NewRedisClient(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		q := orchestration.NewRedisJobQueue(client, &orchestration.RedisJobQueueConfig{
			QueueName: cfg.Queue.Name,
			Retention: cfg.Queue.Retention,
			Logger:    logger,
		})
		return q, func() { client.Close() }, nil
	default:
		return store.NewJobQueue(db.Pool(), cfg.Queue.Name, logger), func() {}, nil
	}
}

// newLabeler returns nil when labeling is disabled or the provider cannot
// be built; recomputation then runs without labels.
func newLabeler(cfg *core.Config, logger core.Logger) update.Labeler {
	if !cfg.AI.Enabled {
		logger.Info("Cluster labeling disabled", nil)
		return nil
	}
	client, err := ai.NewClient(cfg.AI, logger)
	if err != nil {
		logger.Warn("Labeling provider unavailable, continuing without labels", map[string]interface{}{
			"provider": cfg.AI.Provider,
			"error":    err.Error(),
		})
		return nil
	}
	return ai.NewLabeler(client, cfg.AI, logger)
}

func newTranslator(ctx context.Context, cfg *core.Config, logger core.Logger) update.Translator {
	if !cfg.Translation.Enabled() {
		logger.Info("Label translation disabled, no Google Cloud project configured", nil)
		return nil
	}
	translator, err := translate.NewGoogleTranslator(ctx, cfg.Translation, logger)
	if err != nil {
		logger.Warn("Translation unavailable, continuing without translations", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	if len(translator.Targets()) == 0 {
		return nil
	}
	return translator
}
