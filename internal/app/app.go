package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"licensecore/internal/advisor"
	"licensecore/internal/cache"
	"licensecore/internal/config"
	"licensecore/internal/infrastructure"
	"licensecore/internal/license"
	"licensecore/internal/middleware"
	"licensecore/internal/risk"
	"licensecore/internal/services"
	"licensecore/internal/store/memory"
	"licensecore/internal/store/postgres"
	transport "licensecore/internal/transport/http"
	ws "licensecore/internal/websocket"
	"licensecore/pkg/contracts"
)

const limiterIdle = 10 * time.Minute

// Application is the assembled service.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Router   http.Handler
	Server   *http.Server
	Hub      *ws.Hub
	Licenses *services.LicenseService
	Health   *services.HealthService

	limiter  *middleware.RateLimiter
	system   *infrastructure.SystemMetrics
	memCache *cache.Memory
	closers  []namedCloser

	listener net.Listener
	addr     atomic.Value
	serveErr chan error
	hubStop  context.CancelFunc
	done     chan struct{}
}

type namedCloser struct {
	name string
	io.Closer
}

// Options adjusts construction for tests and tools.
type Options struct {
	// Stdout receives console logs; nil means os.Stdout.
	Stdout io.Writer
}

// New builds the application from cfg without binding any port.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Application, err error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	logger, logCloser, err := infrastructure.NewLogger(cfg.Logging, opts.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &Application{Config: cfg, Logger: logger, done: make(chan struct{})}
	a.closers = append(a.closers, namedCloser{"logger", logCloser})
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("store", cfg.Database.Driver),
	)

	a.OTel, err = infrastructure.InitializeOTel(infrastructure.OTelConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: contracts.Version,
		TraceExporter:  cfg.Telemetry.TracesExporter,
		EnableMetrics:  cfg.Telemetry.MetricsEnabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	if a.system, err = infrastructure.NewSystemMetrics(a.OTel.MeterFor("licensecore/system"), time.Now()); err != nil {
		return nil, fmt.Errorf("failed to register system metrics: %w", err)
	}

	keys, err := loadKeys(cfg.Keys)
	if err != nil {
		return nil, err
	}
	if keys.signer == nil {
		logger.Warn("no signing key loaded, issuance disabled")
	}

	store, checks, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.openCache(ctx, checks)
	if err != nil {
		return nil, err
	}

	if err := a.buildCore(keys, store, c); err != nil {
		return nil, err
	}
	a.Health = services.NewHealthService(contracts.Version, checks, logger)
	a.Router, err = a.buildRouter(keys)
	if err != nil {
		return nil, err
	}

	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return a, nil
}

// fullStore is what both store implementations provide.
type fullStore interface {
	license.Store
	services.Pinger
}

func (a *Application) openStore(ctx context.Context) (fullStore, map[string]services.Pinger, error) {
	cfg := a.Config.Database
	checks := map[string]services.Pinger{}

	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.Open(cfg.DSN, postgres.Options{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"postgres", pg})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pg.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
			a.Logger.Info("database schema applied")
		}
		checks["postgres"] = pg
		return pg, checks, nil
	default:
		a.Logger.Warn("using in-memory license store, data is lost on restart")
		m := memory.New()
		checks["store"] = m
		return m, checks, nil
	}
}

func (a *Application) openCache(ctx context.Context, checks map[string]services.Pinger) (cache.Cache, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		a.memCache = cache.NewMemory(10000, time.Minute)
		return a.memCache, nil
	}
	rc, err := cache.NewRedis(ctx, cache.RedisOptions{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		Prefix:      cfg.Prefix,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, namedCloser{"redis", rc})
	checks["redis"] = rc
	return rc, nil
}

func (a *Application) buildCore(keys *keyMaterial, store fullStore, c cache.Cache) error {
	cfg, logger := a.Config, a.Logger

	licenseMetrics, err := license.NewMetrics(a.OTel.MeterFor("licensecore/license"))
	if err != nil {
		return fmt.Errorf("failed to register license metrics: %w", err)
	}
	riskMetrics, err := risk.NewMetrics(a.OTel.MeterFor("licensecore/risk"))
	if err != nil {
		return fmt.Errorf("failed to register risk metrics: %w", err)
	}
	feedMetrics, err := ws.NewMetrics(a.OTel.MeterFor("licensecore/websocket"))
	if err != nil {
		return fmt.Errorf("failed to register feed metrics: %w", err)
	}
	a.Hub = ws.NewHub(logger, feedMetrics)

	ledger := license.NewLedger(store, keys.hasher, logger)
	lcOpts := []license.LifecycleOption{
		license.WithAuditSink(a.Hub),
		license.WithLifecycleMetrics(licenseMetrics),
	}
	engineOpts := []license.EngineOption{license.WithMetrics(licenseMetrics)}
	if keys.signer != nil {
		lcOpts = append(lcOpts, license.WithSigner(keys.signer))
		engineOpts = append(engineOpts, license.WithTokenIssuer(license.NewTokenIssuer(keys.signer)))
	}
	lifecycle := license.NewLifecycle(store, ledger, logger, lcOpts...)
	engineOpts = append(engineOpts, license.WithStore(store, ledger, lifecycle))
	engine := license.NewEngine(license.EngineConfig{
		OfflineGrace: cfg.OfflineGrace(),
		CacheTTL:     cfg.ValidationCacheTTL(),
	}, keys.verifier, logger, engineOpts...)

	var issuer *license.Issuer
	if keys.signer != nil {
		if issuer, err = license.NewIssuer(keys.signer, store, logger); err != nil {
			return err
		}
	}

	locator, err := risk.NewTableLocator(cfg.Risk.Sites, risk.DefaultLocator())
	if err != nil {
		return fmt.Errorf("risk sites: %w", err)
	}
	scorer, err := risk.NewScorer(cfg.RiskSettings(), store, lifecycle, logger,
		risk.WithLocator(locator),
		risk.WithAlertSink(a.Hub),
		risk.WithMetrics(riskMetrics),
	)
	if err != nil {
		return fmt.Errorf("risk scorer: %w", err)
	}

	advice := advisor.New(advisor.Config{
		URL:      cfg.Advisor.URL,
		APIKey:   cfg.Advisor.APIKey,
		Timeout:  cfg.Advisor.Timeout,
		Attempts: cfg.Advisor.Attempts,
	}, logger)

	a.Licenses, err = services.NewLicenseService(services.SettingsFromConfig(cfg), services.Deps{
		Engine:    engine,
		Lifecycle: lifecycle,
		Ledger:    ledger,
		Events:    store,
		Issuer:    issuer,
		Scorer:    scorer,
		Advisor:   advice,
		Cache:     c,
	}, logger)
	return err
}

func (a *Application) buildRouter(keys *keyMaterial) (http.Handler, error) {
	cfg := a.Config
	httpMetrics, err := infrastructure.NewHTTPMetrics(a.OTel.MeterFor("licensecore/http"))
	if err != nil {
		return nil, fmt.Errorf("failed to register http metrics: %w", err)
	}
	if len(cfg.Security.AdminAPIKeys) == 0 {
		a.Logger.Warn("no admin API keys configured, admin API and feed are unreachable")
	}

	rc := transport.RouterConfig{
		Licenses:       a.Licenses,
		Health:         a.Health,
		Tokens:         license.NewTokenVerifier(keys.verifier),
		Metrics:        a.OTel.MetricsHandler,
		Feed:           ws.NewHandler(a.Hub, cfg.WebSocket, cfg.Security.AllowedOrigins, a.Logger),
		HTTPMetrics:    httpMetrics,
		APIKeys:        cfg.Security.AdminAPIKeys,
		SecureHeaders:  middleware.DefaultSecureHeaders(),
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         a.Logger,
	}
	if cfg.Security.EnableCORS {
		rc.CORS = &middleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", middleware.APIKeyHeader, middleware.RequestIDHeader},
			MaxAge:         300,
		}
	}
	if rl := cfg.Security.RateLimit; rl.Enabled {
		a.limiter = middleware.NewRateLimiter(rl.RPS, rl.Burst, limiterIdle, a.Logger)
		rc.RateLimiter = a.limiter
	}
	return transport.NewRouter(rc), nil
}

// Start binds the listener and serves in the background.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln
	a.serveErr = make(chan error, 1)
	a.addr.Store(ln.Addr().String())

	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubStop = cancel
	go a.Hub.Run(hubCtx)
	if a.limiter != nil {
		go a.sweepLimiter(hubCtx)
	}

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.Logger.InfoContext(ctx, "server listening",
		slog.String("address", ln.Addr().String()),
		slog.Bool("issuance_enabled", a.Licenses.CanIssue()),
	)
	return nil
}

// Addr returns the bound address once started.
func (a *Application) Addr() string {
	addr, _ := a.addr.Load().(string)
	return addr
}

func (a *Application) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(); n > 0 {
				a.Logger.Debug("rate limiter swept", slog.Int("tracked_clients", n))
			}
		}
	}
}

// Stop drains the server and releases every resource. It is safe to call
// more than once.
func (a *Application) Stop(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	default:
	}
	defer close(a.done)

	a.Logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.listener != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.hubStop != nil {
		a.hubStop()
	}
	if err := a.system.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.OTel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	a.Logger.InfoContext(ctx, "shutdown complete")
	a.closeAll()
	return errors.Join(errs...)
}

func (a *Application) closeAll() {
	if a.memCache != nil {
		a.memCache.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("close failed", slog.String("resource", c.name), slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// server fails.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.closeAll()
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("received shutdown signal")
	case serveErr = <-a.serveErr:
		a.Logger.Error("server failed", slog.String("error", serveErr.Error()))
	}
	return errors.Join(serveErr, a.Stop(context.Background()))
}
