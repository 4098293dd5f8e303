// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cleecy/mcp-retreaver/internal/agent"
	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
	"github.com/cleecy/mcp-retreaver/internal/scheduler"
	"github.com/cleecy/mcp-retreaver/internal/server"
	"github.com/cleecy/mcp-retreaver/internal/session"
	"github.com/cleecy/mcp-retreaver/internal/store"
)

// Job names registered with the background scheduler.
const (
	jobRefreshTools = "refresh-tools"
	jobSessionStats = "session-stats"
	jobPruneTurns   = "prune-turns"
)

// Application represents the running host
type Application struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	registry  *agent.MCPRegistry
	mux       *session.Multiplexer
	sqlite    *store.SQLiteStore
	server    *server.ChatServer
	logger    *logging.Logger
}

// createApp wires the host components from cfg.
func createApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Application, error) {
	// Create the turn log. turnStore stays a nil interface when disabled.
	var (
		turnStore model.TurnStore
		sqlite    *store.SQLiteStore
	)
	if cfg.Store.Enabled {
		s, err := store.NewSQLiteStore(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("create turn store: %w", err)
		}
		turnStore, sqlite = s, s
	}
	closeStore := func() {
		if sqlite != nil {
			_ = sqlite.Close()
		}
	}

	provider, err := agent.NewProvider(ctx, &cfg.AI)
	if err != nil {
		closeStore()
		return nil, err
	}
	systemPrompt, err := agent.LoadSystemPrompt(cfg.AI.ContextGuidePath)
	if err != nil {
		closeStore()
		return nil, err
	}

	servers := cfg.MCP.ServerList()
	fileServers, err := agent.LoadMCPServersFile(cfg.MCP.ConfigFilePath)
	if err != nil {
		logger.Warnf("Ignoring MCP config file %s: %v", cfg.MCP.ConfigFilePath, err)
	}
	servers = append(servers, fileServers...)
	registry := agent.ConnectMCPRegistry(ctx, servers, logger)
	logger.Infof("Loaded %d tools from %d MCP servers", len(registry.ListTools()), len(registry.ServerNames()))

	mux := session.NewMultiplexer(session.Options{
		Provider:     provider,
		Tools:        registry,
		SystemPrompt: systemPrompt,
		MaxRounds:    cfg.AI.MaxToolRounds,
		Executor:     agent.NewTurnExecutor(turnStore, logger),
		Logger:       logger,
	})

	chatServer, err := server.NewChatServer(cfg, mux, registry, turnStore, logger)
	if err != nil {
		_ = registry.Close()
		closeStore()
		return nil, err
	}

	app := &Application{
		cfg:       cfg,
		scheduler: scheduler.NewScheduler(logger),
		registry:  registry,
		mux:       mux,
		sqlite:    sqlite,
		server:    chatServer,
		logger:    logger,
	}
	if err := app.registerJobs(); err != nil {
		_ = registry.Close()
		closeStore()
		return nil, err
	}
	chatServer.SetJobs(app.scheduler)
	return app, nil
}

// registerJobs adds the housekeeping jobs. An empty schedule registers the
// job disabled.
func (a *Application) registerJobs() error {
	if err := a.scheduler.AddJob(jobRefreshTools, a.cfg.Scheduler.ToolRefresh, a.refreshTools); err != nil {
		return err
	}
	if err := a.scheduler.AddJob(jobSessionStats, a.cfg.Scheduler.SessionStats, a.logSessionStats); err != nil {
		return err
	}
	if a.sqlite != nil && a.cfg.Store.RetentionDays > 0 {
		if err := a.scheduler.AddJob(jobPruneTurns, a.cfg.Scheduler.PruneTurns, a.pruneTurns); err != nil {
			return err
		}
	}
	return nil
}

func (a *Application) refreshTools(ctx context.Context) error {
	if err := a.registry.Refresh(ctx); err != nil {
		return err
	}
	a.logger.Debugf("Tool registry refreshed: %d tools", len(a.registry.ListTools()))
	return nil
}

func (a *Application) logSessionStats(_ context.Context) error {
	st := a.mux.Stats()
	a.logger.Infof("Sessions: %d active, %d turns, %d failed, %d rejected", st.Sessions, st.Turns, st.Errors, st.Rejected)
	return nil
}

func (a *Application) pruneTurns(_ context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.Store.RetentionDays)
	n, err := a.sqlite.PruneTurns(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Infof("Pruned %d turn records older than %s", n, cutoff.Format(time.DateOnly))
	}
	return nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	a.scheduler.Start(ctx)
	a.logger.Infof("Background scheduler started")

	// Old turns are pruned at startup too, not only on the daily schedule.
	if a.sqlite != nil && a.cfg.Store.RetentionDays > 0 {
		if err := a.scheduler.RunNow(jobPruneTurns); err != nil {
			a.logger.Warnf("Failed to prune turn log: %v", err)
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	return nil
}

// Stop stops the application
func (a *Application) Stop() error {
	var firstErr error
	if err := a.server.Stop(); err != nil {
		a.logger.Errorf("Error stopping WebSocket server: %v", err)
		firstErr = err
	}
	a.logger.Infof("WebSocket server stopped")

	if err := a.scheduler.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Warnf("Error closing MCP sessions: %v", err)
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// waitForShutdown waits for termination signals or server exit and performs cleanup
func waitForShutdown(cancel context.CancelFunc, app *Application) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case <-signalCh:
		app.logger.Infof("Received termination signal, shutting down...")
	case <-app.server.Done():
		app.logger.Infof("Server exited, shutting down...")
	}

	cancel()

	// Stop the application with a timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := app.Stop(); err != nil {
			app.logger.Errorf("Error during shutdown: %v", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		app.logger.Infof("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		app.logger.Warnf("Shutdown timed out")
	}
}
