package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/salonflow/queue-service/internal/adapters/mongo"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	redisadapter "github.com/salonflow/queue-service/internal/adapters/redis"
	"github.com/salonflow/queue-service/internal/booking"
	"github.com/salonflow/queue-service/internal/config"
	"github.com/salonflow/queue-service/internal/notify"
	"github.com/salonflow/queue-service/internal/observability"
	"github.com/salonflow/queue-service/internal/queue"
	"github.com/salonflow/queue-service/internal/sweep"
	"github.com/salonflow/queue-service/internal/ws"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// The worker contends on the same redis salon locks as the API server, so an
// overdue sweep never interleaves with a live queue mutation.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("salonqueue")
	feed := mongoadapter.NewFeedStore(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	locks := redisadapter.NewSalonLock(redisClient, cfg.LockTTL, cfg.LockTimeout, logger)
	statsCache := redisadapter.NewStatsCache(redisClient, 2*cfg.StatsInterval)

	hub := ws.NewHub(logger)
	notifier := notify.NewService(repo, repo, feed, logger)
	engine := queue.NewEngine(repo, hub, notifier, logger)
	lifecycle := booking.NewLifecycle(repo, engine, locks, notifier, audit, statsCache, logger,
		cfg.GracePeriodMinutes, cfg.AutoCancelMinutes)

	sweeper := sweep.NewSweeper(lifecycle, logger)
	statsWorker := sweep.NewStatsWorker(lifecycle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(ctx, cfg.SweepInterval)
	go statsWorker.Run(ctx, cfg.StatsInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown overdue worker")
}
