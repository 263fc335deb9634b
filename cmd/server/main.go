package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/fuel-dispatch/internal/assigncache"
	"github.com/example/fuel-dispatch/internal/audit"
	"github.com/example/fuel-dispatch/internal/config"
	wsdispatch "github.com/example/fuel-dispatch/internal/dispatch"
	"github.com/example/fuel-dispatch/internal/dispatcher"
	"github.com/example/fuel-dispatch/internal/eta"
	"github.com/example/fuel-dispatch/internal/geo"
	httpapi "github.com/example/fuel-dispatch/internal/http"
	"github.com/example/fuel-dispatch/internal/ingest"
	"github.com/example/fuel-dispatch/internal/ledger"
	"github.com/example/fuel-dispatch/internal/logging"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/payments"
	"github.com/example/fuel-dispatch/internal/resolver"
	"github.com/example/fuel-dispatch/internal/settlement"
	"github.com/example/fuel-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid server config", "error", err)
		os.Exit(1)
	}
	settings, err := config.LoadPlatformSettings()
	if err != nil {
		logger.Error("invalid platform settings", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no PG_DSN; using in-memory store")
	}

	var geoIdx geo.Geo
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIdx = geo.NewIndex()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	cache := assigncache.New(store, settings.CacheStalenessMeters)
	auditLog := &audit.Log{Store: store, Logger: logger}
	led := &ledger.Ledger{Store: store, Entries: store, Tolerance: settings.CODDebitTolerance}

	stl := &settlement.Service{
		Settlements: store,
		Stations:    store,
		Workers:     store,
		Ledger:      led,
		Audit:       auditLog,
	}
	if cfg.StripeEnabled {
		stl.Gateway = payments.NewStripeClient()
	}

	wsreg := wsdispatch.NewWSRegistry()
	var offers wsdispatch.Offerer = wsreg
	switch {
	case cfg.PushEndpoint != "":
		offers = wsdispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	case cfg.FCMEndpoint != "":
		offers = wsdispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMServerKey)
	case cfg.OfferWebhook != "":
		offers = &wsdispatch.HTTPDispatcher{Endpoint: cfg.OfferWebhook}
	}

	disp := &dispatcher.Service{
		Resolver:    &resolver.Service{Geo: geoIdx, Stations: store, TopK: settings.ResolverTopK},
		Cache:       cache,
		Requests:    store,
		Assignments: store,
		Stations:    store,
		Settlement:  stl,
		Audit:       auditLog,
		Offers:      offers,
		ETA:         etaClient,
		ETACache:    eta.NewCache(5 * time.Minute),
		Logger:      logger,
	}

	srv := httpapi.NewServer(logger)
	srv.Geo = geoIdx
	srv.Dispatcher = disp
	srv.Cache = cache
	srv.Ledger = led
	srv.Audit = auditLog
	srv.Store = store
	srv.Kafka = producer
	srv.WSReg = wsreg
	srv.Settlement = stl
	srv.Settings = func() models.PlatformSettings { return settings }

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("fuel-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

func runMigrations(dsn string, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		logger.Error("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_core.sql")
}
