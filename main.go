package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbharbor/dbharbor/internal/binding"
	"github.com/dbharbor/dbharbor/internal/clusterseed"
	"github.com/dbharbor/dbharbor/internal/config"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/handlers"
	"github.com/dbharbor/dbharbor/internal/logging"
	"github.com/dbharbor/dbharbor/internal/tunnel"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := clusterseed.Load(config.Cfg.ClusterSeedFile); err != nil {
		log.Fatalf("Cluster seed: %v", err)
	}

	tunnelMgr := tunnel.NewManager(tunnel.Config{
		PortRangeFrom: config.Cfg.PortRangeFrom,
		PortRangeTo:   config.Cfg.PortRangeTo,
		ReadyTimeout:  config.Cfg.ForwardReadyTimeout,
	})
	handlers.TunnelMgr = tunnelMgr
	handlers.Binding = binding.NewResolver(tunnelMgr)
	log.Printf("Tunnel manager initialized (ports %d-%d)", config.Cfg.PortRangeFrom, config.Cfg.PortRangeTo)

	// Status changes and evictions are mirrored onto the connection records
	// so the UI sees tunnel state without hitting the registry.
	monitor := tunnel.NewMonitor(tunnelMgr, tunnel.MonitorConfig{
		HealthInterval: config.Cfg.HealthSweepInterval,
		IdleMarkAfter:  config.Cfg.IdleMarkAfter,
		IdleTimeout:    config.Cfg.IdleTimeout,
		OnChange: func(info tunnel.Info) {
			var err error
			if info.Status == tunnel.StatusRemoved {
				err = database.ClearForwardingByTunnelID(info.ID)
			} else {
				err = database.UpdateForwardingStatusByTunnelID(info.ID, info.Status)
			}
			if err != nil {
				log.Printf("WARNING: propagate tunnel %s status: %v", info.ID, err)
			}
		},
	})

	ctx := context.Background()
	monitor.Start(ctx)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.IdleSweepSpec, monitor.IdleSweep); err != nil {
		log.Fatalf("Idle sweep schedule %q: %v", config.Cfg.IdleSweepSpec, err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/clusters", handlers.ListClusters)
		r.Post("/clusters", handlers.CreateCluster)
		r.Post("/clusters/contexts", handlers.ListKubeconfigContexts)
		r.Get("/clusters/{id}", handlers.GetCluster)
		r.Put("/clusters/{id}", handlers.UpdateCluster)
		r.Delete("/clusters/{id}", handlers.DeleteCluster)

		r.Get("/connections", handlers.ListConnections)
		r.Post("/connections", handlers.CreateConnection)
		r.Get("/connections/{id}", handlers.GetConnection)
		r.Put("/connections/{id}", handlers.UpdateConnection)
		r.Delete("/connections/{id}", handlers.DeleteConnection)
		r.Post("/connections/{id}/ping", handlers.PingConnection)
		r.Get("/connections/{id}/forward", handlers.GetConnectionForward)

		r.Get("/forwards", handlers.ListForwards)
		r.Post("/forwards", handlers.CreateForward)
		r.Post("/forwards/test", handlers.TestForward)
		r.Get("/forwards/watch", handlers.WatchForwards)
		r.Get("/forwards/{id}", handlers.GetForward)
		r.Delete("/forwards/{id}", handlers.StopForward)
		r.Post("/forwards/{id}/reconnect", handlers.ReconnectForward)
		r.Put("/forwards/{id}/touch", handlers.TouchForward)

		r.Get("/server/logs", handlers.GetServerLogs)
		r.Delete("/server/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	monitor.Stop()
	<-scheduler.Stop().Done()
	tunnelMgr.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
