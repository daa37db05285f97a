package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/audit"
	"github.com/magickw/linkdao-riskmod/riskmod/cachestore"
	"github.com/magickw/linkdao-riskmod/riskmod/countstore"
	"github.com/magickw/linkdao-riskmod/riskmod/engine"
	"github.com/magickw/linkdao-riskmod/riskmod/flagstore"
	"github.com/magickw/linkdao-riskmod/riskmod/policy"
	"github.com/magickw/linkdao-riskmod/riskmod/trust"
	"github.com/magickw/linkdao-riskmod/riskmod/vendor"
	"github.com/magickw/linkdao-riskmod/util/cliutil"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/plugin/opentelemetry/tracing"
)

type Server struct {
	logger     *slog.Logger
	engine     *engine.Engine
	policy     *policy.Accessor
	trust      *trust.Aggregator
	flags      flagstore.FlagStore
	dispatcher *audit.Dispatcher
	mapper     *vendor.Mapper
	adminToken string

	echo    *echo.Echo
	httpd   *http.Server
	closers []func() error
}

type Config struct {
	Logger *slog.Logger
	Bind   string

	// if empty, policy is held in process
	DatabaseURL      string
	MaxDBConnections int
	// optional template bundle, loaded in addition to the built-in templates
	TemplatesFile string

	// if empty, caches, counters and flags are held in process
	RedisURL string

	// reputation service; if empty every context is degraded
	TrustHost      string
	TrustToken     string
	TrustRateLimit float64

	// append-only audit log file; optional
	AuditFile       string
	SlackWebhookURL string
	// bearer token required on admin routes; admin routes are disabled if empty
	AdminToken string

	RequestTimeout time.Duration
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	srv := &Server{
		logger:     logger,
		adminToken: config.AdminToken,
		mapper:     vendor.NewMapper(),
	}

	var store policy.Store
	var gormSink *audit.GormSink
	if config.DatabaseURL != "" {
		db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
		if sqldb, err := db.DB(); err == nil {
			srv.closers = append(srv.closers, sqldb.Close)
		}
		gs, err := policy.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		if err := seedPolicy(context.TODO(), gs, config.TemplatesFile, logger); err != nil {
			return nil, err
		}
		store = gs

		gormSink, err = audit.NewGormSink(db)
		if err != nil {
			return nil, err
		}
	} else {
		ms := policy.NewDefaultMemStore()
		if config.TemplatesFile != "" {
			if err := ms.LoadFromFileJSON(config.TemplatesFile); err != nil {
				return nil, fmt.Errorf("initializing in-process policy store: %v", err)
			}
			logger.Info("loaded policy templates from JSON", "path", config.TemplatesFile)
		}
		store = ms
	}

	accCfg := policy.DefaultAccessorConfig()
	accCfg.Logger = logger
	acc, err := policy.NewAccessor(store, accCfg)
	if err != nil {
		return nil, err
	}
	srv.policy = acc

	var counters countstore.CountStore
	var cache cachestore.CacheStore
	var flags flagstore.FlagStore
	var publisher audit.ReputationPublisher = audit.LogPublisher{Logger: logger}
	if config.RedisURL != "" {
		// generic client, for the connection check
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}

		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		counters = cnt

		cache = cachestore.NewRedisCacheStoreFromClient(rdb, 10*time.Minute, cachestore.DefaultRedisPrefix)

		flg, err := flagstore.NewRedisFlagStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis flagstore: %v", err)
		}
		flags = flg

		pub, err := audit.NewRedisPublisher(config.RedisURL, audit.DefaultReputationStream)
		if err != nil {
			return nil, fmt.Errorf("initializing reputation publisher: %v", err)
		}
		publisher = pub
		srv.closers = append(srv.closers, rdb.Close)
	} else {
		counters = countstore.NewMemCountStore()
		// no shared cache in process; the aggregator's own cache covers it
		flags = flagstore.NewMemFlagStore()
	}
	srv.flags = flags

	var provider trust.Provider
	if config.TrustHost != "" {
		hcfg := trust.DefaultHTTPProviderConfig()
		hcfg.Host = config.TrustHost
		hcfg.Token = config.TrustToken
		if config.TrustRateLimit > 0 {
			hcfg.RateLimit = config.TrustRateLimit
		}
		hcfg.Logger = logger
		hp, err := trust.NewHTTPProvider(hcfg)
		if err != nil {
			return nil, err
		}
		provider = hp
	} else {
		logger.Warn("no trust provider configured; all user contexts will be degraded")
		provider = trust.NewStaticProvider()
	}

	aggCfg := trust.DefaultAggregatorConfig()
	aggCfg.SharedCache = cache
	aggCfg.Flags = flags
	aggCfg.Counts = counters
	aggCfg.Logger = logger
	agg, err := trust.NewAggregator(provider, aggCfg)
	if err != nil {
		return nil, err
	}
	srv.trust = agg

	sinks := audit.MultiSink{}
	if gormSink != nil {
		sinks = append(sinks, gormSink)
	}
	if config.AuditFile != "" {
		js, err := audit.NewJSONLSink(config.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		sinks = append(sinks, js)
		srv.closers = append(srv.closers, js.Close)
	}
	if config.SlackWebhookURL != "" {
		sinks = append(sinks, audit.NewSlackNotifier(config.SlackWebhookURL))
	}
	if len(sinks) == 0 {
		logger.Warn("no durable audit sink configured; audit records will only be logged")
		sinks = append(sinks, audit.LogSink{Logger: logger})
	}
	dcfg := audit.DefaultDispatcherConfig()
	dcfg.Logger = logger
	srv.dispatcher = audit.NewDispatcher(sinks, publisher, counters, dcfg)

	ecfg := engine.DefaultConfig()
	if config.RequestTimeout > 0 {
		ecfg.RequestTimeout = config.RequestTimeout
	}
	eng, err := engine.NewEngine(acc, agg, srv.dispatcher, ecfg, logger)
	if err != nil {
		return nil, err
	}
	srv.engine = eng

	srv.setupEcho(config.Bind)
	return srv, nil
}

// collectors register globally, so the middleware is built once per process
var httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("arbiter")
})

// Seeds the built-in templates, and those from the optional templates file,
// on first start only. Later starts keep whatever the admin API changed.
func seedPolicy(ctx context.Context, gs *policy.GormStore, templatesFile string, logger *slog.Logger) error {
	_, err := gs.ActiveVersion(ctx)
	firstStart := errors.Is(err, policy.ErrUnknownTemplate)
	if err != nil && !firstStart {
		return err
	}
	for _, t := range policy.DefaultTemplates() {
		seeded, err := gs.SeedTemplate(ctx, t)
		if err != nil {
			return fmt.Errorf("seeding built-in template %s: %w", t.Version, err)
		}
		if seeded {
			logger.Info("seeded policy template", "version", t.Version)
		}
	}
	if firstStart {
		// same default as the in-process store
		if err := gs.ActivateTemplate(ctx, policy.BalancedVersion); err != nil {
			return err
		}
	}
	if templatesFile == "" {
		return nil
	}
	tf, err := policy.ReadTemplateFileJSON(templatesFile)
	if err != nil {
		return fmt.Errorf("reading policy templates: %w", err)
	}
	activeSeeded := false
	for _, t := range tf.Templates {
		seeded, err := gs.SeedTemplate(ctx, t)
		if err != nil {
			return fmt.Errorf("seeding template %s: %w", t.Version, err)
		}
		if seeded && t.Version == tf.Active {
			activeSeeded = true
		}
	}
	// the file's active version only applies when that template is new
	if activeSeeded {
		if err := gs.ActivateTemplate(ctx, tf.Active); err != nil {
			return err
		}
	}
	logger.Info("loaded policy templates from JSON", "path", templatesFile)
	return nil
}

func (srv *Server) setupEcho(bind string) {
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)
	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(srv.logger))
	e.Use(httpMetrics())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/v1/decide", srv.HandleDecide)
	e.GET("/v1/policy/version", srv.HandlePolicyVersion)

	admin := e.Group("/v1/admin", srv.requireAdmin)
	admin.PUT("/rules", srv.HandlePutRule)
	admin.DELETE("/rules/:contentType/:category", srv.HandleDeleteRule)
	admin.PUT("/weights/:category", srv.HandlePutWeights)
	admin.POST("/template", srv.HandleSwitchTemplate)
	admin.POST("/wallets/:address/flags", srv.HandleAddWalletFlags)
	admin.DELETE("/wallets/:address/flags", srv.HandleRemoveWalletFlags)
	admin.POST("/contexts/:submitter/purge", srv.HandlePurgeContext)
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	srv.logger.Info("registering OS exit signal handler")
	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)

		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("shutdown error", "err", err)
		}

		// Trigger the return that causes an exit.
		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// Shutdown stops accepting requests, then drains outstanding audit records
// before releasing connections.
func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := srv.httpd.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := srv.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining audit queue: %w", err))
	}
	for _, c := range srv.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
