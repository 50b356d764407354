package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	"scriptgate/internal/delivery"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/license"
	"scriptgate/internal/middleware"
	"scriptgate/internal/nodes"
	"scriptgate/internal/security"
	"scriptgate/internal/services"
	"scriptgate/internal/store"
	"scriptgate/internal/store/postgres"
	"scriptgate/internal/token"
	handlers "scriptgate/internal/transport/http"
	"scriptgate/internal/websocket"
)

// pruneSchedule drives removal of expired tokens and challenges.
const pruneSchedule = "@every 1m"

// Application is the main application container
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Clock   clock.Clock
	OTel    *infrastructure.OTelProviders
	Metrics *infrastructure.ProtocolMetrics

	Store      store.Store
	AbuseState abuse.StateStore
	Guard      *abuse.Guard
	Tokens     *token.Manager
	Challenges *security.Engine
	Keys       *license.Resolver
	Nodes      *nodes.Router

	Protocol *services.ProtocolService
	Payments *services.PaymentService
	Admin    *services.AdminService
	Health   *services.HealthService

	Router chi.Router
	Server *http.Server

	sweeper     *abuse.Sweeper
	maintenance *cron.Cron
	closers     []func()
}

// NewApplication wires every component from cfg. Backends named in cfg are
// connected here, so a returned application is ready to serve.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{
		Config: cfg,
		Logger: logger,
		Clock:  clock.System{},
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("region", cfg.Server.Region))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTel = otelProviders

	a.Metrics, err = infrastructure.CreateProtocolMetrics(otelProviders.Meter)
	if err != nil {
		a.cleanup()
		return nil, fmt.Errorf("failed to create protocol metrics: %w", err)
	}

	if err := a.initializeBackends(ctx); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	if err := a.initializeServices(); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.initializeMaintenance(); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeBackends opens the record store and the abuse state store.
func (a *Application) initializeBackends(ctx context.Context) error {
	cfg := a.Config

	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Store, a.Logger)
		if err != nil {
			return err
		}
		a.Store = pg
	default:
		a.Store = store.NewMemory()
		a.Logger.WarnContext(ctx, "Using in-memory record store; keys and scripts are lost on restart")
	}
	a.closers = append(a.closers, a.Store.Close)

	switch strings.ToLower(cfg.Abuse.Backend) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })

		state := abuse.NewRedisStore(client, cfg.Redis.KeyPrefix, a.Clock)
		if err := state.Ping(ctx); err != nil {
			return err
		}
		a.AbuseState = state
		a.Logger.InfoContext(ctx, "Abuse state backed by redis", slog.String("addr", cfg.Redis.Addr))
	default:
		a.AbuseState = abuse.NewMemoryStore(cfg.Abuse.Shards, a.Clock)
	}
	return nil
}

// initializeServices builds the protocol components over the backends.
func (a *Application) initializeServices() error {
	cfg := a.Config

	a.Guard = abuse.NewGuard(a.AbuseState, cfg.Abuse, a.Clock, a.Logger)
	a.Tokens = token.NewManager(a.Store, cfg.Tokens.TTL, a.Clock, a.Logger)
	a.Challenges = security.NewEngine(a.Store, cfg.Tokens.ChallengeTTL, a.Clock, a.Logger)
	a.Keys = license.NewResolver(a.Store, a.Clock, a.Logger)
	a.Nodes = nodes.NewRouter(nodes.FromConfig(cfg.Nodes.Nodes), cfg.Nodes.DefaultRegion, a.Logger)

	cache := delivery.NewPayloadCache(a.Store, cfg.Delivery.PayloadCacheSize, cfg.Delivery.PayloadCacheTTL)
	encoder, err := delivery.NewEncoder(cache, delivery.OptionsFromConfig(cfg.Delivery, cfg.Security), a.Clock, a.Logger)
	if err != nil {
		return err
	}

	tickets, err := services.NewTicketIssuer(cfg.Security.ChannelTicketSecret, a.Clock)
	if err != nil {
		return err
	}
	if cfg.Security.ChannelTicketSecret == "" {
		a.Logger.Warn("No channel ticket secret configured; tickets will not survive a restart")
	}

	a.Protocol = services.NewProtocolService(services.Deps{
		Store:      a.Store,
		Guard:      a.Guard,
		Challenges: a.Challenges,
		Tokens:     a.Tokens,
		Keys:       a.Keys,
		Encoder:    encoder,
		Nodes:      a.Nodes,
		Tickets:    tickets,
		Metrics:    a.Metrics,
		Clock:      a.Clock,
		Region:     cfg.Server.Region,
		Logger:     a.Logger,
	})
	a.Payments = services.NewPaymentService(a.Store, cfg.Security.PaymentWebhookSecret, a.Metrics, a.Clock, a.Logger)
	a.Admin = services.NewAdminService(a.Keys, a.Nodes, a.Logger)

	deps := map[string]services.Pinger{"store": a.Store}
	if p, ok := a.AbuseState.(services.Pinger); ok {
		deps["abuse_state"] = p
	}
	a.Health = services.NewHealthService(deps, a.Logger)
	return nil
}

// initializeMaintenance schedules the background jobs. Nothing runs until
// Serve starts them.
func (a *Application) initializeMaintenance() error {
	sweeper, err := abuse.NewSweeper(a.Guard, a.Logger)
	if err != nil {
		return err
	}
	a.sweeper = sweeper

	a.maintenance = cron.New()
	if _, err := a.maintenance.AddFunc(pruneSchedule, a.Prune); err != nil {
		return fmt.Errorf("schedule prune %q: %w", pruneSchedule, err)
	}
	return nil
}

// Prune removes expired tokens and challenges from the record store.
func (a *Application) Prune() {
	ctx, cancel := context.WithTimeout(infrastructure.EnsureTraceID(context.Background()), 30*time.Second)
	defer cancel()

	tokens, err := a.Tokens.Prune(ctx)
	if err != nil {
		a.Logger.WarnContext(ctx, "Token prune failed", slog.String("error", err.Error()))
	}
	challenges, err := a.Challenges.Prune(ctx)
	if err != nil {
		a.Logger.WarnContext(ctx, "Challenge prune failed", slog.String("error", err.Error()))
	}
	if tokens+challenges > 0 {
		a.Logger.DebugContext(ctx, "Pruned expired records",
			slog.Int64("tokens", tokens),
			slog.Int64("challenges", challenges))
	}
}

// setupRouter mounts the HTTP transport.
func (a *Application) setupRouter() {
	cfg := a.Config
	errs := apperrors.NewErrorHandler(a.Logger, cfg.Server.Development)
	cors := middleware.CORSConfig{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		AllowLocalhost: cfg.Server.Development,
	}
	if cfg.Security.InternalAPIKey == "" {
		a.Logger.Warn("No internal API key configured; /internal endpoints are disabled")
	}

	a.Router = handlers.NewRouter(handlers.RouterDeps{
		Protocol: a.Protocol,
		Payments: a.Payments,
		Admin:    a.Admin,
		Health:   a.Health,
		Streamer: websocket.NewStreamer(cfg.WebSocket, cors.CheckOrigin, a.Logger),

		Guard:        middleware.NewGuard(a.Guard, a.Store, a.Metrics, a.Clock, a.Logger),
		InternalAuth: middleware.NewInternalAuth(cfg.Security.InternalAPIKey, cfg.Security.InternalRPS, cfg.Security.InternalBurst, a.Logger),
		Executors: middleware.ExecutorConfig{
			Agents: cfg.Security.ExecutorAgents,
			Header: cfg.Security.ExecutorHeader,
			Events: a.Store,
			Clock:  a.Clock,
			Logger: a.Logger,
		},
		CORS: cors,

		Metrics:        a.Metrics,
		MetricsHandler: a.OTel.PrometheusHTTP,
		Errors:         errs,
		Logger:         a.Logger,
		RequestTimeout: cfg.Server.WriteTimeout,
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           middleware.Tracing(config.AppName)(a.Router),
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
		MaxHeaderBytes:    a.Config.Server.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run listens on the configured port and serves until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and background jobs on ln until ctx is
// cancelled, then shuts everything down within the shutdown timeout.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.sweeper.Start()
	a.maintenance.Start()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", ln.Addr().String()),
		slog.String("store", a.Config.Store.Driver),
		slog.String("abuse_backend", a.Config.Abuse.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	a.sweeper.Stop(shutdownCtx)
	select {
	case <-a.maintenance.Stop().Done():
	case <-shutdownCtx.Done():
	}

	if err := a.OTel.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}
	a.cleanup()

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// cleanup closes backends in reverse order of opening.
func (a *Application) cleanup() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
