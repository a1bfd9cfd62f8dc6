// Command worker drains the batch queue: it claims work records, sends
// through the provider under the rate limiter and circuit breaker, and
// runs the recovery and completion sweeps.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := openDB(cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	redisClient, redisOpts, err := openRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisClient.Close()

	asynqOpt := asynq.RedisClientOpt{
		Addr:      redisOpts.Addr,
		Password:  redisOpts.Password,
		DB:        redisOpts.DB,
		TLSConfig: redisOpts.TLSConfig,
	}
	q := queue.New(asynqOpt, cfg.Queue)
	defer q.Close()

	campaigns := postgres.NewCampaignRepo(db)
	workRecords := postgres.NewWorkRecordRepo(db)
	events := postgres.NewEventRepo(db)
	suppressions := postgres.NewSuppressionRepo(db)

	providerClient := provider.NewClient(cfg.Provider)
	limiter, err := worker.NewRateLimiter(redisClient, cfg.Provider.Plan)
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}

	completion := worker.NewCompletionChecker(campaigns, workRecords, events, q)
	dispatcher := worker.NewDispatcher(
		campaigns, workRecords, suppressions, events,
		providerClient, limiter, completion, cfg.Dispatch.LockTTL(),
	)
	recoverer := worker.NewRecoverer(workRecords, cfg.Dispatch.LockTTL(), cfg.Dispatch.MaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recoverer.Run(ctx, cfg.Dispatch.RecoveryInterval())
	go completion.RunSweeper(ctx, cfg.Dispatch.CompletionSweep())

	srv := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          map[string]int{queue.QueueName: 1},
		RetryDelayFunc:  queue.RetryDelay,
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskBatchSend, dispatcher.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.Fatalf("worker: %v", err)
	}
	logger.Info("worker started",
		"worker_id", dispatcher.WorkerID(),
		"concurrency", cfg.Queue.Concurrency,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	srv.Shutdown()
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, *redis.Options, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	if cfg.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, err
	}
	return client, opts, nil
}
