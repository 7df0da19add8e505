// Command openlot runs the auction lifecycle and deposit settlement service:
// the HTTP API plus the background settlement and reconciliation loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lotline-io/openlot/bidding"
	"github.com/lotline-io/openlot/deposits"
	"github.com/lotline-io/openlot/httpapi"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/metrics"
	"github.com/lotline-io/openlot/notify"
	"github.com/lotline-io/openlot/payments"
	"github.com/lotline-io/openlot/reconcile"
	"github.com/lotline-io/openlot/settings"
	"github.com/lotline-io/openlot/settlement"
)

type config struct {
	HTTPAddr    string `env:"OPENLOT_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"OPENLOT_DATABASE_URL"`
	RedisAddr   string `env:"OPENLOT_REDIS_ADDR"`

	JWTSecret     string `env:"OPENLOT_JWT_SECRET,required"`
	WebhookSecret string `env:"OPENLOT_WEBHOOK_SECRET,required"`

	ProcessorBaseURL string        `env:"OPENLOT_PROCESSOR_URL"`
	ProcessorAPIKey  string        `env:"OPENLOT_PROCESSOR_API_KEY"`
	ProcessorTimeout time.Duration `env:"OPENLOT_PROCESSOR_TIMEOUT" envDefault:"10s"`

	RateLimitBids   int           `env:"OPENLOT_RATE_LIMIT_BIDS" envDefault:"30"`
	RateLimitOther  int           `env:"OPENLOT_RATE_LIMIT_OTHER" envDefault:"10"`
	RateLimitWindow time.Duration `env:"OPENLOT_RATE_LIMIT_WINDOW" envDefault:"1m"`

	SettlementInterval time.Duration `env:"OPENLOT_SETTLEMENT_INTERVAL" envDefault:"30s"`
	SweepInterval      time.Duration `env:"OPENLOT_SWEEP_INTERVAL" envDefault:"5m"`
	SettingsTTL        time.Duration `env:"OPENLOT_SETTINGS_TTL" envDefault:"30s"`
	TokenTTL           time.Duration `env:"OPENLOT_TOKEN_TTL" envDefault:"24h"`

	LogLevel string `env:"OPENLOT_LOG_LEVEL" envDefault:"info"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	metrics.Register()

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := ledger.NewPostgres(pool, logger)
		if err := pg.InitSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres ledger")
	} else {
		store = ledger.NewMemory()
		logger.Warn("no OPENLOT_DATABASE_URL set, using in-memory ledger")
	}

	var processor payments.Processor
	if cfg.ProcessorBaseURL != "" {
		processor = payments.NewHTTPProcessor(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout)
		logger.Info("using http payment processor", "url", cfg.ProcessorBaseURL)
	} else {
		processor = payments.NewFake()
		logger.Warn("no OPENLOT_PROCESSOR_URL set, using fake processor")
	}

	var limiter httpapi.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = &httpapi.RedisLimiter{Client: client}
		logger.Info("using redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = httpapi.NewMemoryLimiter()
	}

	provider := settings.NewProvider(settings.NewCache(ledger.SettingsKV{Store: store}, cfg.SettingsTTL))

	notifier := notify.LogNotifier{Logger: logger}
	authorizer := deposits.NewAuthorizer(store, provider, processor, logger)
	authorizer.SetNotifier(notifier)
	acceptor := bidding.NewAcceptor(store, provider, authorizer, logger)
	acceptor.SetNotifier(notifier)
	engine := settlement.NewEngine(store, processor, notifier, logger)
	sweeper := reconcile.NewSweeper(store, processor, provider, logger)
	webhook := reconcile.NewWebhook(store, provider, cfg.WebhookSecret, logger)

	auth := httpapi.Auth{Secret: []byte(cfg.JWTSecret), Issuer: "openlot", TokenTTL: cfg.TokenTTL}
	limits := httpapi.Limits{
		BidsPerWindow:  cfg.RateLimitBids,
		OtherPerWindow: cfg.RateLimitOther,
		Window:         cfg.RateLimitWindow,
	}
	server := httpapi.NewServer(acceptor, authorizer, engine, sweeper, webhook, provider, auth, limiter, limits, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("openlot listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go settlementLoop(ctx, engine, cfg.SettlementInterval, logger)
	go sweepLoop(ctx, sweeper, cfg.SweepInterval, logger)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func settlementLoop(ctx context.Context, engine *settlement.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.Run(ctx, nil); err != nil {
				logger.Error("settlement run failed", "error", err)
			}
		}
	}
}

func sweepLoop(ctx context.Context, sweeper *reconcile.Sweeper, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Run(ctx); err != nil {
				logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}
