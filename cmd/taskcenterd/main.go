package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"

	"taskcenter/internal/api"
	"taskcenter/internal/config"
	"taskcenter/internal/core"
	"taskcenter/internal/events"
	"taskcenter/internal/logging"
	taskmcp "taskcenter/internal/mcp"
	"taskcenter/internal/notify"
	"taskcenter/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	var logOut io.Writer = os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runApp(ctx, cfg, logger); err != nil {
		logger.Error("taskcenter stopped", "err", err)
		os.Exit(1)
	}
}

func runApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	storeInst, err := store.Open(ctx, cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	engine := core.NewEngine(storeInst, logger)
	simulator := core.NewSimulator(engine, core.SystemClock(), logger)
	engine.AddObserver(simulator)

	// Closed after the simulator so its final persists still reach every observer.
	var closers []func()

	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return fmt.Errorf("create bark notifier: %w", err)
		}
		runObserver := notify.NewRunObserver(bark, logger)
		engine.AddObserver(runObserver)
		closers = append(closers, runObserver.Wait)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return fmt.Errorf("create kafka publisher: %w", err)
		}
		engine.AddObserver(publisher)
		closers = append(closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close kafka publisher", "err", err)
			}
		})
		logger.Info("publishing task events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	syncer := core.NewSyncer(engine, simulator, logger, cfg.Simulator.SyncInterval)
	mcpServer := taskmcp.NewMCPServer(storeInst, engine, simulator, logger)

	var g run.Group

	// Signal cancellation.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(error) {
				cancel()
			},
		)
	}

	// Reconciler.
	{
		syncCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				syncer.Start(syncCtx)
				<-syncCtx.Done()
				return nil
			},
			func(error) {
				cancel()
				select {
				case <-syncer.Stop().Done():
				case <-time.After(cfg.ShutdownGrace):
					logger.Warn("syncer stop timed out")
				}
			},
		)
	}

	// HTTP API, UI and streamable MCP.
	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server, err := api.NewServer(api.ServerConfig{
			Addr:        cfg.Server.Addr,
			Store:       storeInst,
			Engine:      engine,
			Simulator:   simulator,
			Syncer:      syncer,
			MCP:         mcpServer.Handler(),
			Logger:      logger,
			UploadLimit: cfg.Server.UploadLimit,
		})
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		g.Add(
			func() error {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown", "err", err)
				}
			},
		)
	}

	// MCP over stdio.
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		mcpCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				err := mcpServer.Serve(mcpCtx, os.Stdin, os.Stdout)
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	logger.Info("taskcenter started", "mode", cfg.Mode, "state_dir", cfg.StateDir)
	err = g.Run()

	simulator.Close()
	for _, closeFn := range closers {
		closeFn()
	}
	logger.Info("shutdown complete")
	return err
}
