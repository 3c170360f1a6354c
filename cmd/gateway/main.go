package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/api"
	"rotaproxy/internal/config"
	"rotaproxy/internal/gateway"
	"rotaproxy/internal/maintainer"
	"rotaproxy/internal/metrics"
	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/rotation"
	"rotaproxy/internal/store"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.WithFields(log.Fields{"component": "main"}).Infof("starting rotaproxy gateway v%s", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.WithFields(log.Fields{"component": "main"}).Infof("GOMAXPROCS set to %d", numCPU)

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	st, err := store.NewRedisStore(cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer st.Close()

	pl := pool.New(st)
	engine := rotation.NewEngine(st, pl)
	maint := maintainer.New(cfg.Maintainer, pl)

	if rc, err := st.GetRotationConfig(context.Background()); err != nil || rc.Strategy == "" {
		_ = st.SetRotationConfig(context.Background(), pooltypes.RotationConfig{
			Strategy:                pooltypes.Strategy(cfg.Rotation.Strategy),
			SessionTTLSeconds:       cfg.Rotation.SessionTTLSeconds,
			RotationIntervalSeconds: cfg.Rotation.RotationIntervalSeconds,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	maint.Run(ctx)

	dialTimeout := time.Duration(cfg.Gateway.DialTimeoutSeconds) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	drainTimeout := time.Duration(cfg.Gateway.DrainSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}

	gw := gateway.NewServer(cfg.Gateway.Addr, cfg.Gateway.MaxConcurrentConnections, drainTimeout, dialTimeout, engine, pl, st, metricsCollector)
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		if err := gw.Run(ctx); err != nil {
			log.Fatalf("gateway listener failed: %v", err)
		}
	}()

	apiServer := api.NewServer(cfg, st, pl, maint, metricsCollector)
	go func() {
		if err := apiServer.Run(); err != nil {
			log.Errorf("control API server failed: %v", err)
		}
	}()

	log.WithFields(log.Fields{"component": "main"}).Infof(
		"rotaproxy running: gateway=%s api=%s", cfg.Gateway.Addr, cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.WithFields(log.Fields{"component": "main"}).Info("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("control API shutdown error: %v", err)
	}
	select {
	case <-gwDone:
	case <-shutdownCtx.Done():
	}

	log.WithFields(log.Fields{"component": "main"}).Info("shutdown complete")
}
