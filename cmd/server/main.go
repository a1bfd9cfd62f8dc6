// Command server runs the admin HTTP API: it accepts send requests,
// materializes campaigns into the queue, and reports stats and health.
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

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/breaker"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/render"
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

	q := queue.New(asynq.RedisClientOpt{
		Addr:      redisOpts.Addr,
		Password:  redisOpts.Password,
		DB:        redisOpts.DB,
		TLSConfig: redisOpts.TLSConfig,
	}, cfg.Queue)
	defer q.Close()

	campaigns := postgres.NewCampaignRepo(db)
	workRecords := postgres.NewWorkRecordRepo(db)
	events := postgres.NewEventRepo(db)
	suppressions := postgres.NewSuppressionRepo(db)
	recipients := postgres.NewRecipientRepo(db)

	renderer := render.New(cfg.Tracking.AppBaseURL, cfg.Tracking.SigningKey)
	providerClient := provider.NewClient(cfg.Provider)

	limiter, err := worker.NewRateLimiter(redisClient, cfg.Provider.Plan)
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}

	materializer := worker.NewMaterializer(
		campaigns, recipients, suppressions, workRecords, q, renderer,
		func(campaignID string) worker.CampaignLocker {
			return distlock.New(redisClient, db, "campaign:"+campaignID, 10*time.Minute)
		},
	)
	completion := worker.NewCompletionChecker(campaigns, workRecords, events, q)

	handlers := api.NewHandlers(api.Deps{
		Campaigns:    campaigns,
		WorkRecords:  workRecords,
		Events:       events,
		Queue:        q,
		Audience:     recipients,
		Materializer: materializer,
		Completion:   completion,
		Sender:       providerClient,
		Renderer:     renderer,
		Limiter:      limiter,
		BreakerState: func() breaker.State { return providerClient.BreakerState() },
		LockTTL:      cfg.Dispatch.LockTTL(),
	})

	srv := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr())
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
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
