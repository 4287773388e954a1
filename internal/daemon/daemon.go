// Package daemon wires the watcher, ticker, webhook server and sync engine
// around a single event bus.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/events"
	"github.com/schaermu/reposyncd/internal/gitrepo"
	"github.com/schaermu/reposyncd/internal/sync"
	"github.com/schaermu/reposyncd/internal/watch"
	"github.com/schaermu/reposyncd/internal/webhook"
)

// Daemon keeps one repository in sync with its remote until stopped
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *gitrepo.Repository
	engine  *sync.Engine
	watcher *watch.Watcher
	bus     *events.Bus
	server  *webhook.Server
}

// OpenRepository opens the configured repository with credentials from cfg.
func OpenRepository(cfg *config.Config) (*gitrepo.Repository, error) {
	return gitrepo.Open(cfg.Repo.Path, gitrepo.Options{
		Remote: cfg.Repo.Remote,
		Branch: cfg.Repo.Branch,
		Auth:   gitrepo.NewAuthProvider(cfg.Auth),
	})
}

// NewEngine creates a sync engine for repo using the sync settings from cfg.
func NewEngine(cfg *config.Config, repo sync.Repository, logger *slog.Logger) *sync.Engine {
	return sync.NewEngine(repo, sync.Options{
		CommitMessage:    cfg.Sync.CommitMessage,
		OperationTimeout: cfg.Sync.OperationTimeout,
		RetryPushOnTick:  cfg.Sync.RetryPushOnTick,
	}, logger)
}

// New opens and locks the repository and sets up every producer. Failing to
// establish the watch is fatal. Close must be called to release the lock.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	repo, err := OpenRepository(cfg)
	if err != nil {
		return nil, err
	}
	if err := repo.Lock(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
		engine: NewEngine(cfg, repo, logger.With("component", "sync")),
		bus:    events.NewBus(0),
	}

	if cfg.ServeEnabled() {
		d.server, err = webhook.NewServer(cfg, d.bus, logger.With("component", "http"))
		if err != nil {
			_ = repo.Unlock()
			return nil, fmt.Errorf("failed to create http server: %w", err)
		}
	}

	d.watcher, err = watch.New(repo.Root(), watch.Options{
		Debounce: cfg.Sync.Debounce,
		Ignore:   cfg.Watch.Ignore,
	}, logger.With("component", "watch"))
	if err != nil {
		_ = repo.Unlock()
		return nil, err
	}

	return d, nil
}

// Engine returns the sync engine driving the repository.
func (d *Daemon) Engine() *sync.Engine {
	return d.engine
}

// Run dispatches events until ctx ends or a producer fails. Only a producer
// failure is returned; sync operation errors are logged by the engine.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.logger.Info("starting sync daemon",
		"path", d.repo.Root(),
		"remote", d.repo.RemoteName(),
		"debounce", d.cfg.Sync.Debounce,
		"pull_interval", d.cfg.Sync.PullInterval,
		"auth", d.cfg.AuthMethod(),
		"http", d.server != nil)

	producers, pctx := errgroup.WithContext(ctx)
	producers.Go(func() error {
		return d.watcher.Run(pctx, d.bus)
	})
	producers.Go(func() error {
		return events.RunTicker(pctx, d.cfg.Sync.PullInterval, d.bus)
	})
	if d.server != nil {
		producers.Go(func() error {
			return d.server.Start(pctx)
		})
	}

	producerErr := make(chan error, 1)
	go func() {
		err := producers.Wait()
		// The engine drains what is buffered and then stops.
		d.bus.Close()
		producerErr <- err
	}()

	_ = d.engine.Run(ctx, d.bus.Events())
	d.bus.Detach()
	cancel()

	err := <-producerErr
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("sync daemon stopped", "error", err)
		return err
	}
	d.logger.Info("sync daemon stopped")
	return nil
}

// Close releases the watch and the repository lock.
func (d *Daemon) Close() error {
	if err := d.watcher.Close(); err != nil {
		d.logger.Warn("failed to close watcher", "error", err)
	}
	return d.repo.Unlock()
}
