// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
	"github.com/cleecy/mcp-retreaver/internal/singleton"
	"github.com/cleecy/mcp-retreaver/internal/store"
)

// processName names the PID and lock files in the data directory.
const processName = "retreaver-host"

// options holds command-line overrides. Zero values leave the config alone.
type options struct {
	configPath    string
	address       string
	port          int
	path          string
	logLevel      string
	logFile       string
	provider      string
	model         string
	baseURL       string
	maxRounds     int
	mcpConfigPath string
	dbPath        string
	dataDir       string
	noTurnLog     bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "retreaver-host",
		Short:         "WebSocket chat host that drives MCP tools with an LLM",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	rootCmd.SetOut(out)

	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	f.StringVar(&opts.address, "address", "", "address to bind the WebSocket server to")
	f.IntVar(&opts.port, "port", 0, "port to bind the WebSocket server to")
	f.StringVar(&opts.path, "path", "", "HTTP path of the WebSocket endpoint")
	f.StringVar(&opts.logLevel, "log-level", "", "logging level: debug, info, warn, error, fatal")
	f.StringVar(&opts.logFile, "log-file", "", "log file path (default: stderr)")
	f.StringVar(&opts.provider, "provider", "", "LLM provider: anthropic, openai or google")
	f.StringVar(&opts.model, "model", "", "model name (default depends on provider)")
	f.StringVar(&opts.baseURL, "base-url", "", "custom base URL for OpenAI-compatible endpoints")
	f.IntVar(&opts.maxRounds, "max-rounds", 0, "maximum model rounds per turn (default: 15)")
	f.StringVar(&opts.mcpConfigPath, "mcp-config-path", "", "path to an mcpServers JSON file")
	f.StringVar(&opts.dbPath, "db-path", "", "path to the SQLite turn log")
	f.StringVar(&opts.dataDir, "data-dir", "", "directory for the PID file and lock (default: ~/.retreaver)")
	f.BoolVar(&opts.noTurnLog, "no-turn-log", false, "disable the SQLite turn log")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newTurnsCmd(opts),
		newVersionCmd(opts),
	)
	return rootCmd
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat host in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newStopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pid, state, err := singleton.StopProcess(singleton.PIDFile(cfg.Runtime.DataDir, processName), 5*time.Second)
			switch {
			case err != nil:
				return fmt.Errorf("stop %s (pid %d): %w", processName, pid, err)
			case state == singleton.NotRunning:
				fmt.Fprintf(out, "%s is not running (no PID file).\n", processName)
			case state == singleton.Stale:
				fmt.Fprintf(out, "%s is not running (stale PID file, pid %d).\n", processName, pid)
			default:
				fmt.Fprintf(out, "%s (pid %d) stopped.\n", processName, pid)
			}
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a host is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pid, state := singleton.Status(singleton.PIDFile(cfg.Runtime.DataDir, processName))
			if pid == 0 {
				fmt.Fprintf(out, "%s is %s (no PID file).\n", processName, state)
				return nil
			}
			fmt.Fprintf(out, "%s is %s (pid %d).\n", processName, state, pid)
			return nil
		},
	}
}

func newTurnsCmd(opts *options) *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "Print recent turns from the turn log as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return printTurns(cmd.OutOrStdout(), cfg.Store.DBPath, sessionID, limit)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only show turns of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of turns (1-100)")
	return cmd
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", cfg.Server.Name, cfg.Server.Version)
			return nil
		},
	}
}

func printTurns(out io.Writer, dbPath, sessionID string, limit int) error {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	var turns []*model.TurnRecord
	if sessionID != "" {
		turns, err = s.GetTurns(sessionID, limit)
	} else {
		turns, err = s.GetRecentTurns(limit)
	}
	if err != nil {
		return err
	}
	if turns == nil {
		turns = []*model.TurnRecord{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(turns)
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if err := config.LoadFile(cfg, opts.configPath); err != nil {
		return nil, err
	}
	config.FromEnv(cfg)
	applyFlags(cfg, opts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags applies command line flags to the configuration
func applyFlags(cfg *config.Config, opts *options) {
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.path != "" {
		cfg.Server.Path = opts.path
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.FilePath = opts.logFile
	}
	if opts.provider != "" {
		cfg.AI.Provider = opts.provider
	}
	if opts.model != "" {
		cfg.AI.Model = opts.model
	}
	if opts.baseURL != "" {
		cfg.AI.BaseURL = opts.baseURL
	}
	if opts.maxRounds > 0 {
		cfg.AI.MaxToolRounds = opts.maxRounds
	}
	if opts.mcpConfigPath != "" {
		cfg.MCP.ConfigFilePath = opts.mcpConfigPath
	}
	if opts.dbPath != "" {
		cfg.Store.DBPath = opts.dbPath
	}
	if opts.dataDir != "" {
		cfg.Runtime.DataDir = opts.dataDir
	}
	if opts.noTurnLog {
		cfg.Store.Enabled = false
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.FilePath != "" {
		return logging.FileLogger(cfg.Logging.FilePath, level)
	}
	return logging.New(logging.Options{Level: level}), nil
}

// runServe runs the host until a termination signal arrives.
func runServe(parent context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefaultLogger(logger)

	lock, primary, err := singleton.TryAcquire(cfg.Runtime.DataDir, processName)
	if err != nil {
		return err
	}
	if !primary {
		return fmt.Errorf("%s is already running (data dir %s)", processName, cfg.Runtime.DataDir)
	}
	defer func() { _ = lock.Release() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	app, err := createApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	pidFile := singleton.PIDFile(cfg.Runtime.DataDir, processName)
	if err := singleton.WritePID(pidFile); err != nil {
		logger.Warnf("Failed to write PID file: %v", err)
	}
	defer func() { _ = singleton.RemovePID(pidFile) }()

	waitForShutdown(cancel, app)
	return nil
}
