package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/l1x/crabitat/internal/api"
	"github.com/l1x/crabitat/internal/burrow"
	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/config"
	"github.com/l1x/crabitat/internal/engine"
	"github.com/l1x/crabitat/internal/logging"
	crabitatmcp "github.com/l1x/crabitat/internal/mcp"
	"github.com/l1x/crabitat/internal/notify"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	registry, err := workflow.Load(cfg.Engine.WorkflowsDir, logger)
	if err != nil {
		logger.Error("load workflows", "dir", cfg.Engine.WorkflowsDir, "err", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Webhook.Enabled {
		webhook, err := notify.NewWebhookNotifier(cfg.Webhook.URL)
		if err != nil {
			logger.Error("configure webhook notifier", "err", err)
			os.Exit(1)
		}
		notifier = webhook
	}

	burrows := burrow.NewManager(cfg.Engine.BurrowRoot)
	eng := engine.New(storeInst, registry, eventBus, burrows, notifier, cfg.Engine.HeartbeatTimeout, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	// Periodic jobs: scheduler tick and heartbeat sweep.
	jobs := cron.New()
	jobs.Schedule(cron.Every(cfg.Engine.SchedulerInterval), cron.FuncJob(func() {
		if err := eng.Tick(ctx); err != nil {
			logger.Error("scheduler tick", "err", err)
		}
	}))
	jobs.Schedule(cron.Every(cfg.Engine.HeartbeatTimeout/2), cron.FuncJob(func() {
		if err := eng.SweepHeartbeats(ctx); err != nil {
			logger.Error("heartbeat sweep", "err", err)
		}
	}))
	jobs.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := eng.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var server *api.Server
	if cfg.Mode == "http" || cfg.Mode == "both" {
		server = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, eng, eventBus, logger)
		group.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.Mode == "mcp" || cfg.Mode == "both" {
		mcpServer := crabitatmcp.NewMCPServer(storeInst, eng, logger)
		group.Go(func() error {
			return mcpServer.Run()
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case <-groupCtx.Done():
		logger.Error("component failed", "err", groupCtx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := jobs.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("job runner stop timed out")
	}

	cancel()
	_ = group.Wait()
	logger.Info("shutdown complete")
}
