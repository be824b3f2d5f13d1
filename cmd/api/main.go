package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/salonflow/queue-service/internal/adapters/mongo"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	"github.com/salonflow/queue-service/internal/adapters/rabbit"
	redisadapter "github.com/salonflow/queue-service/internal/adapters/redis"
	"github.com/salonflow/queue-service/internal/booking"
	"github.com/salonflow/queue-service/internal/config"
	httphandler "github.com/salonflow/queue-service/internal/http"
	"github.com/salonflow/queue-service/internal/idempotency"
	"github.com/salonflow/queue-service/internal/notify"
	"github.com/salonflow/queue-service/internal/observability"
	"github.com/salonflow/queue-service/internal/queue"
	"github.com/salonflow/queue-service/internal/rateLimit"
	"github.com/salonflow/queue-service/internal/ws"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

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
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient, time.Hour))
	rl := rateLimit.NewRateLimiter(redisClient)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	hub := ws.NewHub(logger)
	notifier := notify.NewService(repo, repo, feed, logger)
	engine := queue.NewEngine(repo, hub, notifier, logger)
	lifecycle := booking.NewLifecycle(repo, engine, locks, notifier, audit, statsCache, logger,
		cfg.GracePeriodMinutes, cfg.AutoCancelMinutes)

	consumer, err := rabbit.NewConsumer(rabbitConn)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	go func() {
		if err := consumer.RunPaymentLoop(consumerCtx, lifecycle, logger); err != nil && consumerCtx.Err() == nil {
			logger.Error("payment consumer stopped", err)
		}
	}()

	handlers := httphandler.NewHandlers(cfg, lifecycle, feed, audit, hub, idemp)
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	stopConsumer()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
