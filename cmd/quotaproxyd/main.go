package main

import (
	"context"
	"database/sql"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/audit"
	"github.com/quotaproxy/quota-proxy/internal/config"
	"github.com/quotaproxy/quota-proxy/internal/health"
	"github.com/quotaproxy/quota-proxy/internal/httpserver"
	"github.com/quotaproxy/quota-proxy/internal/logging"
	"github.com/quotaproxy/quota-proxy/internal/quota"
	quotamemory "github.com/quotaproxy/quota-proxy/internal/quota/memory"
	quotapostgres "github.com/quotaproxy/quota-proxy/internal/quota/postgres"
	quotasqlite "github.com/quotaproxy/quota-proxy/internal/quota/sqlite"
	"github.com/quotaproxy/quota-proxy/internal/registry"
	registrymemory "github.com/quotaproxy/quota-proxy/internal/registry/memory"
	registrypostgres "github.com/quotaproxy/quota-proxy/internal/registry/postgres"
	registrysqlite "github.com/quotaproxy/quota-proxy/internal/registry/sqlite"
	"github.com/quotaproxy/quota-proxy/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if cfg.LogFile != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[quotaproxyd] ")

	reg, counters, db, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer reg.Close()
	defer counters.Close()

	logger := log.New(log.Writer(), "[quotaproxyd/http] ", log.LstdFlags|log.Lmicroseconds)
	srv := httpserver.New(reg, counters, cfg, logger)
	defer srv.Close()
	srv.SetHealthChecker(health.New(health.Config{
		DB:          db,
		UpstreamURL: cfg.UpstreamBaseURL,
	}))

	if cfg.AuditLogFile != "" {
		sink, err := logging.NewRotatingWriter(cfg.AuditLogFile, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init audit log: %v", err)
		}
		auditLog := audit.New(sink, logger)
		defer auditLog.Close()
		srv.SetAuditLogger(auditLog)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streamed completions stay open well past any
		// sensible fixed deadline. The upstream client timeout bounds them.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("%s listening on %s upstream=%s driver=%s", version.FullInfo(), cfg.ListenAddr, cfg.UpstreamBaseURL, cfg.DBDriver)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openStores builds the registry and quota backends selected by DB_DRIVER.
// SQLite backends share the same database file over separate connections.
// The returned *sql.DB, when non-nil, feeds the health checker.
func openStores(cfg config.Config) (registry.Store, quota.Store, *sql.DB, error) {
	switch cfg.DBDriver {
	case "postgres":
		reg, err := registrypostgres.New(cfg.DBDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		counters, err := quotapostgres.New(cfg.DBDSN, 10, 5)
		if err != nil {
			reg.Close()
			return nil, nil, nil, err
		}
		return reg, counters, reg.DB(), nil
	case "memory":
		return registrymemory.New(), quotamemory.New(), nil, nil
	default:
		reg, err := registrysqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		counters, err := quotasqlite.New(cfg.DBPath)
		if err != nil {
			reg.Close()
			return nil, nil, nil, err
		}
		return reg, counters, reg.DB(), nil
	}
}
