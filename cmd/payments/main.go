package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"coursepay/internal/common/api"
	"coursepay/internal/common/database"
	"coursepay/internal/common/events"
	"coursepay/internal/common/middleware"
	"coursepay/internal/common/money"
	"coursepay/internal/common/nats"
	"coursepay/internal/installment"
	installmentapi "coursepay/internal/installment/api"
	"coursepay/internal/payment"
	paymentapi "coursepay/internal/payment/api"
	"coursepay/internal/providers/midtrans"
	"coursepay/internal/providers/paystack"
	"coursepay/internal/reconcile"
)

// Config holds service configuration
type Config struct {
	Port           int           `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	StoreDriver    string        `envconfig:"STORE_DRIVER" default:"postgres"`
	Provider       string        `envconfig:"GATEWAY_PROVIDER" default:"paystack"`
	NATSEnabled    bool          `envconfig:"NATS_ENABLED" default:"false"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	AllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database   database.Config
	NATS       nats.Config
	Payment    payment.Config
	Reconciler reconcile.Config
	Paystack   paystack.Config
	Midtrans   midtrans.Config
}

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat).With("service", "coursepay", "env", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("payments service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	paymentService := payment.NewService(st.payments, gw, cfg.Payment, logger)
	scheduler := installment.NewScheduler(st.plans, logger)
	coordinator := reconcile.NewCoordinator(st.plans, logger)
	paymentService.SetConfirmer(coordinator)
	paymentService.SetReconciliationQueue(reconcile.NewQueue(st.tasks))
	worker := reconcile.NewWorker(paymentService, coordinator, st.tasks, cfg.Reconciler, logger)

	checks := map[string]func(context.Context) error{"store": st.health}
	if cfg.NATSEnabled {
		natsClient, err := setupEvents(ctx, cfg, logger, worker)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		checks["events"] = func(context.Context) error { return natsClient.HealthCheck() }

		publisher := nats.NewPublisher(natsClient, logger)
		paymentService.SetPublisher(publisher)
		scheduler.SetPublisher(publisher)
		coordinator.SetPublisher(publisher)
	}

	if cfg.Reconciler.Enabled {
		go worker.Start(ctx)
	}

	defaultCurrency := money.Currency(strings.ToUpper(cfg.Payment.DefaultCurrency))
	r := newRouter(cfg, logger, checks)
	r.Route("/api/v1", func(r chi.Router) {
		payments := paymentapi.NewHandler(paymentService, gw, defaultCurrency, logger)
		r.Mount("/payments", payments.Routes(middleware.Idempotency(st.idempotency, cfg.IdempotencyTTL, logger)))
		r.Mount("/installments", installmentapi.NewHandler(scheduler, defaultCurrency).Routes())
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payments service listening",
			"addr", server.Addr,
			"store", cfg.StoreDriver,
			"gateway", cfg.Provider,
			"events", cfg.NATSEnabled,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("draining HTTP connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("payments service stopped")
	return nil
}

// newRouter builds the middleware chain and the probe endpoints. /health
// runs every dependency check; /ready only proves the process is serving.
func newRouter(cfg Config, logger *slog.Logger, checks map[string]func(context.Context) error) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "component", name, "error", err)
				components[name] = "down"
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			components[name] = "up"
		}
		api.WriteJSON(w, code, map[string]any{"status": status, "components": components})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return r
}

// gateway is a provider that both serves checkouts and signs its webhooks.
type gateway interface {
	payment.Gateway
	payment.WebhookParser
}

func newGateway(cfg Config, logger *slog.Logger) (gateway, error) {
	switch strings.ToLower(cfg.Provider) {
	case "paystack":
		if cfg.Paystack.SecretKey == "" {
			return nil, errors.New("PAYSTACK_SECRET_KEY is required")
		}
		return paystack.NewAdapter(cfg.Paystack, logger), nil
	case "midtrans":
		if cfg.Midtrans.ServerKey == "" {
			return nil, errors.New("MIDTRANS_SERVER_KEY is required")
		}
		return midtrans.NewAdapter(cfg.Midtrans, logger), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

type stores struct {
	payments    payment.Store
	plans       installment.Store
	tasks       reconcile.TaskStore
	idempotency middleware.IdempotencyStore
	health      func(context.Context) error
	close       func()
}

func openStores(ctx context.Context, cfg Config, logger *slog.Logger) (*stores, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		logger.Warn("using in-memory stores; data is lost on restart")
		return &stores{
			payments:    payment.NewMemoryStore(),
			plans:       installment.NewMemoryStore(),
			tasks:       reconcile.NewMemoryTaskStore(),
			idempotency: middleware.NewMemoryIdempotencyStore(),
			health:      func(context.Context) error { return nil },
			close:       func() {},
		}, nil
	case "postgres":
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := db.Migrate(); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		return &stores{
			payments:    payment.NewPostgresStore(db),
			plans:       installment.NewPostgresStore(db),
			tasks:       reconcile.NewPostgresTaskStore(db),
			idempotency: database.NewIdempotencyStore(db),
			health:      db.HealthCheck,
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// setupEvents connects to NATS and starts the consumer that re-drives
// parked reconciliations as soon as they are announced.
func setupEvents(ctx context.Context, cfg Config, logger *slog.Logger, worker *reconcile.Worker) (*nats.Client, error) {
	client, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	if err := client.EnsureStream(ctx); err != nil {
		client.Close()
		return nil, err
	}

	consumer, err := client.Consumer(ctx, "payments-reconciler", events.EventPaymentReconciliationPending)
	if err != nil {
		client.Close()
		return nil, err
	}

	subscriber := nats.NewSubscriber(client, consumer, logger)
	go func() {
		if err := subscriber.Start(ctx, worker.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciliation consumer stopped", "error", err)
		}
	}()

	return client, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
