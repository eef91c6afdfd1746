package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/config"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/credentials"
	"github.com/spyre-sh/spyre/internal/db"
	"github.com/spyre-sh/spyre/internal/dispatcher"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/orchestrator"
	"github.com/spyre-sh/spyre/internal/pipeline"
	"github.com/spyre-sh/spyre/internal/provisioner"
	"github.com/spyre-sh/spyre/internal/proxmox"
	"github.com/spyre-sh/spyre/internal/recovery"
	"github.com/spyre-sh/spyre/internal/server"
	"github.com/spyre-sh/spyre/internal/sshpool"
	"github.com/spyre-sh/spyre/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting spyre controller")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: one writer connection, one read-only connection.
	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open database reader", zap.Error(err))
	}
	st, err := store.New(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// Event bus: in-memory unless a NATS url is configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	pool := sshpool.New(sshpool.Options{
		PrivateKeyPath:    cfg.SSH.PrivateKeyPath,
		ReadyTimeout:      cfg.SSH.ReadyTimeoutDuration(),
		KeepaliveInterval: cfg.SSH.KeepaliveDuration(),
	}, log)
	defer pool.Close()

	creds := credentials.NewManager("", log)
	defer creds.Close()

	disp := dispatcher.New(st, eventBus, pool, creds, dispatcher.Options{
		Binary:             cfg.Claude.Binary,
		TaskTimeout:        cfg.Claude.TaskTimeoutDuration(),
		NoOutputWatchdog:   cfg.Claude.WatchdogDuration(),
		MaxConcurrentTasks: cfg.Claude.MaxConcurrentTasks,
	}, log)

	prov := provisioner.New(st, eventBus, log)

	engine := pipeline.New(st, eventBus, disp, disp, pipeline.Options{}, log)
	orch := orchestrator.NewManager(st, eventBus, disp, orchestrator.Options{
		AskUserTTL: 24 * time.Hour,
	}, log)
	defer orch.Close()

	// Hypervisor integration is optional: without it the controller manages
	// pre-existing environments only.
	var lifecycle *proxmox.Lifecycle
	if cfg.Proxmox.APIURL != "" {
		client, err := proxmox.NewClient(cfg.Proxmox, log)
		if err != nil {
			log.Fatal("failed to initialize hypervisor client", zap.Error(err))
		}
		lifecycle = proxmox.NewLifecycle(st, client, eventBus, proxmox.Options{}, log)
		syncer := proxmox.NewSyncer(st, client, eventBus, cfg.Proxmox.SyncIntervalDuration(), log)
		go syncer.Run(ctx)
		log.Info("hypervisor status sync started",
			zap.String("node", cfg.Proxmox.Node),
			zap.Duration("interval", cfg.Proxmox.SyncIntervalDuration()))
	} else {
		log.Info("no hypervisor configured, environment provisioning disabled")
	}

	// Reconcile rows that were in flight when the previous process died.
	if err := recovery.New(st, engine, orch, log).Run(ctx); err != nil {
		log.Error("startup recovery failed", zap.Error(err))
	}

	srv := server.New(cfg, server.Deps{
		Store:        st,
		Bus:          eventBus,
		Dispatcher:   disp,
		Engine:       engine,
		Orchestrator: orch,
		Lifecycle:    lifecycle,
		Provisioner:  prov,
	}, log)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("spyre controller stopped")
}
