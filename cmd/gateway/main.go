// Command gateway runs the LLM API gateway: it loads configuration, opens
// the SQLite store, hydrates the key pool, and serves the proxy and
// administrative HTTP surface.
//
// Startup order: load config, configure logging, build dependencies,
// construct the engine, listen, wait for a shutdown signal, drain.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/auth"
	"llmgate/internal/config"
	"llmgate/internal/gate"
	"llmgate/internal/httpapi"
	"llmgate/internal/keypool"
	"llmgate/internal/logging"
	"llmgate/internal/orchestrator"
	"llmgate/internal/store/sqlite"
	"llmgate/internal/upstreamclient"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	cfgManager := config.NewManager(cfg)
	stopWatch, err := config.Watch(*configPath, cfgManager)
	if err != nil {
		log.WithError(err).Warn("config: file watch unavailable, hot reload disabled")
		stopWatch = func() {}
	}
	defer stopWatch()
	cfgManager.OnReload(func(next *config.Config) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("config: failed to reapply logging settings after reload")
		}
	})

	log.WithField("config", *configPath).Info("starting llmgate")

	store, err := sqlite.Open(cfg.Server.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := keypool.New(ctx, store, keypool.Options{
		BaseCooldown:         cfg.Pool.BaseCooldown,
		MaxCooldown:          cfg.Pool.MaxCooldown,
		FailureThreshold:     cfg.Pool.FailureThreshold,
		RateLimitDefaultWait: cfg.Pool.RateLimitDefaultWait,
		StuckTimeout:         cfg.Pool.StuckTimeout,
		SweepInterval:        cfg.Pool.SweepInterval,
		AcquireTimeout:       cfg.Gate.AcquireTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to hydrate key pool")
	}
	pool.StartSweep(ctx)
	defer pool.StopSweep()

	sessionIssuer, err := auth.NewSessionIssuer(cfg.Security.SecretKey, 24*time.Hour)
	if err != nil {
		log.WithError(err).Fatal("failed to build admin session issuer")
	}

	deps := httpapi.Dependencies{
		CfgManager: cfgManager,
		Store:      store,
		Pool:       pool,
		Resolver:   auth.NewResolver(store),
		Session:    sessionIssuer,
		Orchestrator: &orchestrator.Orchestrator{
			Gate:              gate.New(cfg.Gate.MaxConcurrentUpstream),
			Pool:              pool,
			Client:            upstreamclient.New(&cfg.Upstream),
			Store:             store,
			RequestTO:         cfg.Upstream.RequestTimeout,
			StreamIdleTimeout: cfg.Upstream.StreamIdleTimeout,
		},
	}
	engine := httpapi.NewEngine(cfg, deps)

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: engine}
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server exited")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete in time")
	}
}
