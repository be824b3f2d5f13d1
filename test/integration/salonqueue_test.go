package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/salonflow/queue-service/internal/adapters/mongo"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	redisadapter "github.com/salonflow/queue-service/internal/adapters/redis"
	"github.com/salonflow/queue-service/internal/booking"
	"github.com/salonflow/queue-service/internal/config"
	"github.com/salonflow/queue-service/internal/domain"
	httphandler "github.com/salonflow/queue-service/internal/http"
	"github.com/salonflow/queue-service/internal/idempotency"
	"github.com/salonflow/queue-service/internal/notify"
	"github.com/salonflow/queue-service/internal/observability"
	"github.com/salonflow/queue-service/internal/queue"
	"github.com/salonflow/queue-service/internal/rateLimit"
	"github.com/salonflow/queue-service/internal/ws"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id UUID PRIMARY KEY,
	phone TEXT UNIQUE NOT NULL,
	full_name TEXT NOT NULL,
	no_show_count INT NOT NULL DEFAULT 0,
	total_bookings INT NOT NULL DEFAULT 0,
	is_active BOOL NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS salons (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	accepts_online_booking BOOL NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS services (
	id UUID PRIMARY KEY,
	salon_id UUID NOT NULL,
	name TEXT NOT NULL,
	duration_minutes INT NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	is_active BOOL NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS barbers (
	id UUID PRIMARY KEY,
	salon_id UUID NOT NULL,
	name TEXT NOT NULL,
	is_available BOOL NOT NULL DEFAULT TRUE,
	total_services INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	customer_id UUID NOT NULL,
	salon_id UUID NOT NULL,
	barber_id UUID,
	service_id UUID NOT NULL,
	booking_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_status TEXT NOT NULL,
	payment_id TEXT NOT NULL DEFAULT '',
	estimated_start_time TIMESTAMPTZ NOT NULL,
	actual_start_time TIMESTAMPTZ,
	actual_end_time TIMESTAMPTZ,
	estimated_duration_minutes INT NOT NULL,
	queue_position INT,
	amount DOUBLE PRECISION NOT NULL,
	special_requests TEXT NOT NULL DEFAULT '',
	cancellation_reason TEXT NOT NULL DEFAULT '',
	cancelled_at TIMESTAMPTZ,
	cancelled_by UUID,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_entries (
	id UUID PRIMARY KEY,
	salon_id UUID NOT NULL,
	barber_id UUID,
	booking_id UUID NOT NULL,
	customer_name TEXT NOT NULL,
	service_name TEXT NOT NULL,
	position INT NOT NULL,
	estimated_wait_minutes INT NOT NULL,
	status TEXT NOT NULL,
	added_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL,
	salon_id UUID NOT NULL,
	customer_id UUID NOT NULL,
	kind TEXT NOT NULL,
	payload_json BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL
);
`

func TestIntegration_BookingQueueFlow(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16",
			Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_DB": "salonqueue"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	mongoHost, err := mongoContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mongoPort, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		HTTPAddr:           ":8091",
		PostgresDSN:        "postgresql://postgres:postgres@" + pgHost + ":" + pgPort.Port() + "/salonqueue?sslmode=disable",
		MongoURI:           "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:          redisHost + ":" + redisPort.Port(),
		GracePeriodMinutes: 15,
		AutoCancelMinutes:  30,
		LockTimeout:        3 * time.Second,
		LockTTL:            10 * time.Second,
		StatsInterval:      time.Minute,
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := postgres.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("salonqueue")
	logger := observability.NewLogger()
	feed := mongoadapter.NewFeedStore(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	locks := redisadapter.NewSalonLock(redisClient, cfg.LockTTL, cfg.LockTimeout, logger)
	statsCache := redisadapter.NewStatsCache(redisClient, 2*cfg.StatsInterval)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient, time.Hour))
	rl := rateLimit.NewRateLimiter(redisClient)

	hub := ws.NewHub(logger)
	notifier := notify.NewService(repo, repo, feed, logger)
	engine := queue.NewEngine(repo, hub, notifier, logger)
	lifecycle := booking.NewLifecycle(repo, engine, locks, notifier, audit, statsCache, logger,
		cfg.GracePeriodMinutes, cfg.AutoCancelMinutes)

	handlers := httphandler.NewHandlers(cfg, lifecycle, feed, audit, hub, idemp)
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go srv.ListenAndServe()
	defer srv.Shutdown(ctx)
	time.Sleep(200 * time.Millisecond)

	base := "http://localhost:8091"

	// seed catalog
	salon := domain.Salon{ID: uuid.New(), Name: "Fade Factory", AcceptsOnlineBooking: true}
	svc := domain.Service{ID: uuid.New(), SalonID: salon.ID, Name: "Haircut", DurationMinutes: 30, Price: 25, IsActive: true}
	barber := domain.Barber{ID: uuid.New(), SalonID: salon.ID, Name: "Jo", IsAvailable: true}
	customer := domain.Customer{ID: uuid.New(), Phone: "+15550100", FullName: "Taylor", IsActive: true}
	if _, err := pool.Exec(ctx, `INSERT INTO salons (id, name, accepts_online_booking) VALUES ($1,$2,$3)`,
		salon.ID, salon.Name, salon.AcceptsOnlineBooking); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO services (id, salon_id, name, duration_minutes, price, is_active) VALUES ($1,$2,$3,$4,$5,$6)`,
		svc.ID, svc.SalonID, svc.Name, svc.DurationMinutes, svc.Price, svc.IsActive); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveBarber(ctx, &barber); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveCustomer(ctx, &customer); err != nil {
		t.Fatal(err)
	}

	// create the booking
	createBody, _ := json.Marshal(map[string]interface{}{
		"customer_id": customer.ID,
		"salon_id":    salon.ID,
		"service_id":  svc.ID,
	})
	req, _ := http.NewRequest("POST", base+"/v1/bookings", bytes.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("create booking failed: %v, status: %d", err, resp.StatusCode)
	}
	var created struct {
		BookingID uuid.UUID `json:"booking_id"`
		Status    string    `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	if created.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", created.Status)
	}

	// payment succeeds, booking is confirmed and queued
	payBody, _ := json.Marshal(map[string]interface{}{
		"booking_id":     created.BookingID,
		"status":         "SUCCEEDED",
		"transaction_id": "tx_1",
	})
	req, _ = http.NewRequest("POST", base+"/v1/payments/callback", bytes.NewReader(payBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("payment callback failed: %v, status: %d", err, resp.StatusCode)
	}

	// the customer is first in line
	resp, err = http.Get(base + "/v1/bookings/" + created.BookingID.String() + "/queue-status")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("queue status failed: %v, status: %d", err, resp.StatusCode)
	}
	var status struct {
		Entry struct {
			Position int `json:"Position"`
		} `json:"entry"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	if status.Entry.Position != 1 {
		t.Fatalf("expected position 1, got %d", status.Entry.Position)
	}

	// start and complete the service
	for _, action := range []string{"start", "complete"} {
		req, _ = http.NewRequest("POST", base+"/v1/bookings/"+created.BookingID.String()+"/"+action, bytes.NewReader([]byte("{}")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.New().String())
		resp, err = http.DefaultClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			t.Fatalf("%s failed: %v, status: %d", action, err, resp.StatusCode)
		}
	}

	b, err := repo.BookingByID(ctx, created.BookingID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BookingCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}

	// queue is empty again and stats reflect it
	resp, err = http.Get(base + "/v1/salons/" + salon.ID.String() + "/queue")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("salon queue failed: %v, status: %d", err, resp.StatusCode)
	}
	var queueResp struct {
		Entries []json.RawMessage `json:"entries"`
	}
	json.NewDecoder(resp.Body).Decode(&queueResp)
	if len(queueResp.Entries) != 0 {
		t.Fatalf("expected empty queue, got %d entries", len(queueResp.Entries))
	}

	// notification feed received the confirmation
	items, err := feed.ListRecent(ctx, customer.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) == 0 {
		t.Fatal("expected notifications in the feed")
	}

	// outbox holds staged events for the publisher
	records, err := repo.GetUnpublishedOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("expected staged outbox records")
	}
}
