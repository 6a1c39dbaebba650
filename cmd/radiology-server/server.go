package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/config"
	"github.com/ehr/radiology/internal/domain/accession"
	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/domain/critical"
	"github.com/ehr/radiology/internal/domain/report"
	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/internal/platform/blobstore"
	"github.com/ehr/radiology/internal/platform/confirm"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/events"
	"github.com/ehr/radiology/internal/platform/metrics"
	"github.com/ehr/radiology/internal/platform/middleware"
	"github.com/ehr/radiology/internal/platform/notification"
	"github.com/ehr/radiology/internal/platform/webhook"
	"github.com/ehr/radiology/internal/platform/websocket"
)

const version = "0.1.0"

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New("radiology", nil)

	// Object storage
	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Confirmation tokens for destructive actions
	secret, generated, err := resolveConfirmSecret(cfg.ConfirmSecret)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn().Msg("CONFIRM_SECRET not set; using a random secret, pending confirmations will not survive a restart")
	}
	confirmer, err := confirm.New(secret, cfg.ConfirmTTL)
	if err != nil {
		return err
	}

	// Audit recorder; its retry loop lives as long as the server.
	recorder := audit.NewRecorder(audit.NewStorePG(pool), logger, cfg.AuditRetryQueue, cfg.AuditMaxAttempts, audit.WithMetrics(m))
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		recorder.Run(auditCtx)
	}()

	// Event bus and its subscribers
	bus := events.NewBus(logger, cfg.EventWorkers, cfg.EventBuffer)
	bus.OnDrop = func(evt events.Event) { m.EventDropped(evt.Type) }

	archiver := report.NewArchiver(blobs, m, logger)
	bus.Subscribe(events.TypeReportFinalized, "archive", archiver.HandleReportFinalized)

	distributor, err := newDistributor(cfg, logger, m)
	if err != nil {
		return err
	}
	bus.Subscribe(events.TypeReportFinalized, "distribution", distributor.HandleReportFinalized)

	hub := websocket.NewHub(logger)
	for _, t := range []string{events.TypeReportFinalized, events.TypeCriticalRaised, events.TypeCriticalAcknowledged} {
		bus.Subscribe(t, "livefeed", hub.HandleEvent)
	}
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	bus.Start(busCtx)

	// Critical result pager
	sender := notification.LogSender{Logger: logger.With().Str("component", "pager").Logger()}
	pager := notification.NewPager(sender, sender, nil, logger)

	// Domain services
	accessionSvc := accession.NewService(accession.NewRepoPG(pool), recorder, cfg.AccessionPrefix, loc, cfg.AccessionTimeout,
		accession.WithMetrics(m))
	reportSvc := report.NewService(report.NewRepoPG(pool), blobs, confirmer, bus, recorder,
		report.WithMetrics(m), report.WithLogger(logger), report.WithFinalizeTimeout(cfg.FinalizeTimeout))
	criticalSvc := critical.NewService(critical.NewRepoPG(pool), pager, bus, recorder,
		critical.WithMetrics(m), critical.WithLogger(logger))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Confirmation-Token"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Ops
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	// Live feed. Connections are long-lived, so they hold no tenant
	// connection and no request timeout.
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("", db.TenantContext(cfg.DefaultTenant)))

	// API
	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit("1M", "30M"),
		middleware.RequestTimeout(cfg.RequestTimeout),
		db.TenantMiddleware(pool, cfg.DefaultTenant),
	)
	accession.NewHandler(accessionSvc).RegisterRoutes(apiV1)
	report.NewHandler(reportSvc).RegisterRoutes(apiV1)
	critical.NewHandler(criticalSvc, pager).RegisterRoutes(apiV1)
	audit.NewHandler(audit.NewStorePG(pool)).RegisterRoutes(apiV1)
	webhook.NewHandler(distributor).RegisterRoutes(apiV1)

	// Start
	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting radiology governance server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		stop()
	}

	// Shutdown: stop taking requests, let pages and queued events finish,
	// then stop the audit retry loop.
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	criticalSvc.Wait()
	bus.Close()
	stopAudit()
	<-auditDone
	logger.Info().Msg("server stopped")
	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.Store, error) {
	if cfg.S3Bucket == "" {
		if cfg.IsProduction() {
			return nil, errors.New("S3_BUCKET is required in production")
		}
		logger.Warn().Msg("S3_BUCKET not set; key images and archives are kept in memory")
		return blobstore.NewMemoryStore(), nil
	}
	store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// newDistributor builds the webhook distributor. With no endpoints configured
// it accepts events and delivers nothing.
func newDistributor(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*webhook.Distributor, error) {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.DistributionWebhookURLs))
	for _, u := range cfg.DistributionWebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.DistributionWebhookSecret})
	}
	return webhook.NewDistributor(endpoints, logger,
		webhook.WithObserver(func(err error) { m.Delivery("webhook", err) }))
}
