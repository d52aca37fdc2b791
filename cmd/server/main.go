// Package main is the entry point for the cardz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply goose migrations.
//  3. Create the repository and service (eagerly loading the settings cache).
//  4. Start the configured Home Assistant entity sources.
//  5. Serve the HTTP API behind bearer auth until SIGINT/SIGTERM.
//
// The create-api-key, list-api-keys and revoke-api-key subcommands manage
// API keys against the same database and exit. hash-api-key prints a bcrypt
// hash for API_KEY_HASH without touching the database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/cardz/internal/config"
	"github.com/matt-riley/cardz/internal/hass"
	"github.com/matt-riley/cardz/internal/logging"
	"github.com/matt-riley/cardz/internal/metrics"
	"github.com/matt-riley/cardz/internal/middleware"
	"github.com/matt-riley/cardz/internal/repository"
	"github.com/matt-riley/cardz/internal/server"
	"github.com/matt-riley/cardz/internal/service"
	"github.com/matt-riley/cardz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "hash-api-key" {
		return hashAPIKeyCommand(os.Stdout, args[1:])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))

	if len(args) > 0 {
		return runCommand(ctx, repo, os.Stdout, args)
	}

	return serve(ctx, cfg, log, pool, repo)
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger, pool *pgxpool.Pool, repo *repository.PostgresRepository) error {
	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithVerdictMetrics(m.RecordVerdict),
		service.WithEntityRefreshMetrics(m.RecordEntityRefresh),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if err := startEntitySources(ctx, cfg, log, svc); err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &apiKeyTokenValidator{lookup: repo, staticHash: cfg.APIKeyHash}
	apiHandler := m.HTTPMiddleware(server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithStreamTracker(func() func() { return m.StreamStarted("sse") }),
	))
	httpHandler := newHTTPHandler(apiHandler, m.Handler(), tokenValidator,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(httpHandler), "cardz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// startEntitySources layers the configured sources into one refresh loop.
// MQTT entities override REST ones with the same id.
func startEntitySources(ctx context.Context, cfg config.Config, log *slog.Logger, svc *service.Service) error {
	var sources []service.EntitySource

	if cfg.HomeAssistant.Enabled() {
		source, err := hass.NewRESTSource(cfg.HomeAssistant.BaseURL, cfg.HomeAssistant.Token,
			hass.WithFilter(hass.Filter{Include: cfg.HomeAssistant.Include, Exclude: cfg.HomeAssistant.Exclude}),
		)
		if err != nil {
			return fmt.Errorf("init home assistant source: %w", err)
		}
		sources = append(sources, source)
		log.Info("polling home assistant states", "base_url", cfg.HomeAssistant.BaseURL, "interval", cfg.HomeAssistant.RefreshInterval)
	}

	if cfg.MQTT.Enabled() {
		stream, err := hass.NewStateStream(hass.StateStreamConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			Filter:   hass.Filter{Include: cfg.HomeAssistant.Include, Exclude: cfg.HomeAssistant.Exclude},
			Logger:   log.With("component", "statestream"),
		})
		if err != nil {
			return fmt.Errorf("init statestream source: %w", err)
		}
		if err := stream.Start(ctx); err != nil {
			return fmt.Errorf("start statestream source: %w", err)
		}
		sources = append(sources, stream)
		log.Info("following mqtt statestream", "broker", cfg.MQTT.Broker, "topic", stream.Topic())
	}

	switch len(sources) {
	case 0:
	case 1:
		go svc.RunEntityRefresh(ctx, sources[0], cfg.HomeAssistant.RefreshInterval)
	default:
		go svc.RunEntityRefresh(ctx, service.NewLayeredSource(sources...), cfg.HomeAssistant.RefreshInterval)
	}

	return nil
}

func newHTTPHandler(apiHandler, metricsHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", metricsHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// apiKeyTokenValidator accepts database API keys ("<id>.<secret>") and, when
// configured, the single token matching API_KEY_HASH.
type apiKeyTokenValidator struct {
	lookup     apiKeyHashLookup
	staticHash string
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || (v.lookup == nil && v.staticHash == "") {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, wellFormed := middleware.SplitAPIKey(token)

	if wellFormed && v.lookup != nil {
		keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
		switch {
		case err == nil:
			if !middleware.SecretMatchesHash(keyHash, rawSecret) {
				return "", errors.New("invalid token")
			}
			return "key:" + keyID, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return "", fmt.Errorf("lookup key hash: %w", err)
		}
	}

	if v.staticHash != "" {
		if middleware.SecretMatchesHash(v.staticHash, token) {
			return "static", nil
		}
		return "", errors.New("invalid token")
	}
	if !wellFormed {
		return "", errors.New("invalid token format")
	}

	return "", errors.New("invalid token")
}
