// Command platformd wires the platform packages into a runnable demo
// service: the HTTP middleware chain in front of an order endpoint, the
// transactional outbox draining into an in-process bus, and a consumer
// running the dedupe fences and DLQ error handling.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veggieshop/platform/pkg/abac"
	"github.com/veggieshop/platform/pkg/authn"
	"github.com/veggieshop/platform/pkg/config"
	"github.com/veggieshop/platform/pkg/consistency"
	"github.com/veggieshop/platform/pkg/dedupe"
	"github.com/veggieshop/platform/pkg/eventbus"
	"github.com/veggieshop/platform/pkg/header"
	"github.com/veggieshop/platform/pkg/httpserver"
	"github.com/veggieshop/platform/pkg/idempotency"
	"github.com/veggieshop/platform/pkg/observability"
	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/ratelimit"
	"github.com/veggieshop/platform/pkg/schema"
	"github.com/veggieshop/platform/pkg/store"
	"github.com/veggieshop/platform/pkg/tenant"
)

const orderSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sku", "quantity"],
	"properties": {
		"sku": {"type": "string", "minLength": 1},
		"quantity": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("platformd exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "platformd",
		ServiceVersion: "1.0.0",
		Environment:    getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	stores := openStores(ctx, cfg, logger)

	signer, err := consistency.NewHkdfSigner(
		[]byte(getenv("CONSISTENCY_SIGNING_SECRET", "dev-only-master-secret-change-me")), "k1")
	if err != nil {
		return err
	}
	engine := consistency.NewEngine(stores.watermarks, signer, consistency.Config{
		TokenTTL:       cfg.TokenTTL,
		ClockSkew:      cfg.ClockSkew,
		RywInitialPoll: 20 * time.Millisecond,
		RywMaxPoll:     150 * time.Millisecond,
		RywMaxWait:     cfg.RywMaxWait,
	})

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		DefaultPolicy: ratelimit.Policy{Capacity: 100, RefillTokens: 100, RefillPeriod: time.Minute},
		Routes: []ratelimit.RoutePolicy{
			{Pattern: "/v1/orders*", Policy: ratelimit.Policy{Capacity: 20, RefillTokens: 20, RefillPeriod: time.Minute}},
		},
	})
	if err != nil {
		return err
	}

	schemas := schema.NewRegistry()
	fingerprint, err := schemas.Register("orders.created", []byte(orderSchema))
	if err != nil {
		return err
	}

	bus := eventbus.NewMemoryBus()
	retry := eventbus.RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
		JitterRatio:       0.2,
	}
	drainer := eventbus.NewDrainer(stores.outbox, bus, eventbus.DrainerConfig{
		BatchSize:           cfg.OutboxBatchSize,
		QuarantineThreshold: cfg.OutboxQuarantineThreshold,
		Retry:               retry,
		PublishedRetention:  cfg.PublishedRetention,
	}).WithLogger(logger)

	deduper := dedupe.NewService(stores.dedupe, stores.cache,
		dedupe.NewStaticPolicyProvider(dedupe.DefaultPolicy()), cfg.DedupeTTL).
		WithLogger(logger)

	srv := httpserver.New(httpserver.Config{
		Resolver:       tenant.NewResolver(tenant.DefaultResolverConfig()),
		Limiter:        limiter,
		JWTVerifier:    authn.StaticKeyVerifier([]byte(getenv("JWT_SECRET", "dev-only-jwt-secret")), authn.Config{}),
		Authz:          abac.NewEngine(abac.DefaultConfig()),
		Consistency:    engine,
		Idempotency:    stores.idempotency,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
	})
	registerRoutes(srv, stores, schemas, fingerprint)

	root := http.NewServeMux()
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("/", srv.Handler())

	go runConsumer(ctx, bus, deduper, retry, logger)
	go func() {
		if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("outbox drainer stopped", "error", err)
		}
	}()
	go idempotency.NewSweeper(stores.idempotency, 500, 5*time.Minute).Run(ctx)
	go sweepDedupe(ctx, stores.dedupe, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("platformd listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// platformStores bundles the persistence SPIs behind whichever backend the
// environment provides.
type platformStores struct {
	watermarks  consistency.WatermarkStore
	idempotency idempotency.Store
	dedupe      dedupe.Store
	outbox      eventbus.OutboxStore
	cache       dedupe.HotPathCache
}

// openStores prefers Postgres and Redis when configured and reachable, and
// falls back to the in-memory reference stores so the demo runs anywhere.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) platformStores {
	stores := platformStores{
		watermarks:  consistency.NewMemoryWatermarkStore(),
		idempotency: idempotency.NewMemoryStore(),
		dedupe:      dedupe.NewMemoryStore(),
		outbox:      eventbus.NewMemoryOutboxStore(),
		cache:       dedupe.NewMemoryCache(),
	}

	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		db, err := store.OpenPostgres(connectCtx, cfg.DatabaseURL)
		if err == nil {
			err = store.MigratePostgres(connectCtx, db)
		}
		if err != nil {
			logger.Warn("postgres unavailable, using in-memory stores", "error", err)
		} else {
			stores.watermarks = store.NewPgWatermarkStore(db)
			stores.idempotency = store.NewPgIdempotencyStore(db)
			stores.dedupe = store.NewPgDedupeStore(db)
			stores.outbox = store.NewPgOutboxStore(db)
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis url invalid, using in-memory dedupe cache", "error", err)
		} else {
			stores.cache = dedupe.NewRedisCache(redis.NewClient(opts))
		}
	}
	return stores
}

type orderRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func registerRoutes(srv *httpserver.Server, stores platformStores, schemas *schema.Registry, fingerprint string) {
	srv.HandleFunc("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		id, err := tenant.Require(r.Context())
		if err != nil {
			problem.Write(w, r, problem.From(err))
			return
		}

		var req orderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			problem.Write(w, r, problem.New(problem.ValidationFailed, "request body is not valid JSON").Wrap(err))
			return
		}
		payload, _ := json.Marshal(req)
		if err := schemas.Validate("orders.created", payload); err != nil {
			problem.Write(w, r, problem.From(err))
			return
		}

		headers := header.Headers{}
		headers.Set(header.KeySchemaFingerprint, []byte(fingerprint))
		rec := eventbus.OutboxRecord{
			ID:            uuid.New(),
			Tenant:        id,
			Topic:         "orders",
			Key:           strings.ToLower(req.SKU),
			AggregateType: "order",
			AggregateID:   uuid.NewString(),
			EventType:     "orders.created",
			EntityVersion: 1,
			Payload:       payload,
			Headers:       headers,
		}
		if err := stores.outbox.Enqueue(r.Context(), rec); err != nil {
			problem.Write(w, r, problem.New(problem.DependencyUnavailable, "outbox unavailable").Wrap(err))
			return
		}

		w.Header().Set(httpserver.HeaderEntityVersion, "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"order_id": rec.AggregateID})
	}, httpserver.RouteOptions{Action: abac.ActionCreate})

	srv.HandleFunc("GET /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"orders": []any{}})
	}, httpserver.RouteOptions{Action: abac.ActionRead})
}

func sweepDedupe(ctx context.Context, store dedupe.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.Sweep(ctx, 1000); err != nil {
				logger.Warn("dedupe sweep failed", "error", err)
			} else if n > 0 {
				logger.Debug("dedupe rows swept", "count", n)
			}
		}
	}
}

// busCommitter satisfies the consumer's commit contract for the in-process
// bus, where delivery is already at-most-once per subscriber.
type busCommitter struct{}

func (busCommitter) Commit(context.Context, eventbus.Record) error { return nil }

func runConsumer(ctx context.Context, bus *eventbus.MemoryBus, deduper *dedupe.Service, retry eventbus.RetryPolicy, logger *slog.Logger) {
	records := bus.Subscribe("orders", 256)
	handler := eventbus.NewErrorHandler(bus, retry).WithLogger(logger)

	process := func(ctx context.Context, rec eventbus.Record) error {
		id, ok := rec.Headers.GetString(header.KeyTenantID)
		if !ok {
			return &eventbus.DeserializationError{Err: errMissingTenant}
		}
		tenantID, err := tenant.Parse(id)
		if err != nil {
			return &eventbus.DeserializationError{Err: err}
		}
		eventID, _ := rec.Headers.GetString(header.KeyEventID)
		version, _ := rec.Headers.GetInt64(header.KeyEntityVersion)

		outcome := deduper.CheckAndMark(ctx, dedupe.Check{
			Tenant:  tenantID,
			EventID: eventID,
			Version: version,
		})
		if outcome != dedupe.AcceptFirstSeen {
			logger.InfoContext(ctx, "order event skipped", "outcome", string(outcome), "event_id", eventID)
			return nil
		}
		logger.InfoContext(ctx, "order event processed", "event_id", eventID)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-records:
			if _, err := handler.Handle(ctx, rec, process, busCommitter{}); err != nil && ctx.Err() == nil {
				logger.Error("order consumer failed", "error", err)
			}
		}
	}
}

var errMissingTenant = &missingTenantError{}

type missingTenantError struct{}

func (*missingTenantError) Error() string { return "record carries no tenant header" }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
