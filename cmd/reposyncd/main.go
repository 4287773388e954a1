package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/daemon"
)

var (
	// Set at build time via -ldflags -X
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	repoPath  string
	remote    string
	branch    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposyncd",
	Short: "Keep a Git working directory and its remote in sync",
	Long: `reposyncd watches a Git working directory and keeps it in step with its
remote: local edits are committed as "Autocommit" and pushed shortly after they
settle, and remote changes are fast-forwarded in on a fixed interval.

Diverged histories are never merged; they are reported and left for manual
intervention.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runDaemon,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Commit, push and pull once, then exit",
	Long: `Sync runs a single commit-and-push of local changes followed by a single
fetch and fast-forward, using the same rules as the daemon. It is meant for
systemd timers and scripts.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reposyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&repoPath, "path", "p", "", "path of the repository working directory")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/reposyncd/config.yaml, if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&remote, "remote", "", "remote to sync with (default \"origin\")")
	rootCmd.PersistentFlags().StringVar(&branch, "branch", "", "branch HEAD must be on (default: current branch)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("failed to release repository lock", "error", err)
		}
	}()

	return d.Run(ctx)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := daemon.OpenRepository(cfg)
	if err != nil {
		return err
	}
	if err := repo.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = repo.Unlock()
	}()

	engine := daemon.NewEngine(cfg, repo, logger)

	// Commit first so a fast-forward never overwrites unsaved local edits.
	logger.Info("starting sync operation", "path", repo.Root())
	var errs []error
	if _, err := engine.CommitPush(ctx); err != nil {
		logger.Error("commit failed", "error", err)
		errs = append(errs, err)
	}
	if _, err := engine.PullMerge(ctx); err != nil {
		logger.Error("pull failed", "error", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file, if any, applies flag overrides and
// validates the result. Without --config a missing default file is not an
// error: flags alone are enough to run.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := readConfig(logger)
	if err != nil {
		return nil, err
	}

	if repoPath != "" {
		cfg.Repo.Path = repoPath
	}
	if remote != "" {
		cfg.Repo.Remote = remote
	}
	if branch != "" {
		cfg.Repo.Branch = branch
	}

	if cfg.Repo.Path != "" {
		abs, err := filepath.Abs(cfg.Repo.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve repository path: %w", err)
		}
		cfg.Repo.Path = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"path", cfg.Repo.Path,
		"remote", cfg.Repo.Remote,
		"branch", cfg.Repo.Branch,
		"debounce", cfg.Sync.Debounce,
		"pull_interval", cfg.Sync.PullInterval,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func readConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Read(cfgFile)
	}

	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	logger.Info("loading configuration", "path", configPath)
	return config.Read(configPath)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
