// Package sync implements the event loop that keeps a working directory and
// its remote in step: pulls on Tick, commits and pushes on FileChange.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/schaermu/reposyncd/internal/events"
	"github.com/schaermu/reposyncd/internal/gitrepo"
	"github.com/schaermu/reposyncd/internal/metrics"
)

// Repository is the version-control surface the engine drives
type Repository interface {
	Branch() (plumbing.ReferenceName, error)
	Head() (plumbing.Hash, error)
	Fetch(ctx context.Context) ([]gitrepo.FetchHead, error)
	Analyze(target plumbing.Hash) (gitrepo.MergeDecision, error)
	CheckoutTree(target plumbing.Hash) error
	SetBranchTarget(branch plumbing.ReferenceName, target plumbing.Hash) error
	Status() ([]gitrepo.StatusEntry, error)
	Stage(path string) error
	Unstage(path string) error
	Commit(message string) (plumbing.Hash, error)
	Push(ctx context.Context) error
}

// Options configures the engine
type Options struct {
	CommitMessage string
	// OperationTimeout bounds each operation; zero means no deadline.
	OperationTimeout time.Duration
	// RetryPushOnTick retries a failed push after the next pull.
	RetryPushOnTick bool
}

// Engine owns the repository and runs one operation at a time
type Engine struct {
	repo        Repository
	opts        Options
	logger      *slog.Logger
	pushPending bool
}

// NewEngine creates a new sync engine
func NewEngine(repo Repository, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		opts:   opts,
		logger: logger,
	}
}

// Run handles events until the channel is closed or ctx ends. Each event is
// fully handled before the next one is read. Operation errors are logged and
// never end the loop.
func (e *Engine) Run(ctx context.Context, evs <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping", "reason", ctx.Err())
			return nil
		case ev, ok := <-evs:
			if !ok {
				e.logger.Info("event stream closed, sync engine stopping")
				return nil
			}
			e.Handle(ctx, ev)
		}
	}
}

// Handle runs the operation for a single event.
func (e *Engine) Handle(ctx context.Context, ev events.Event) {
	metrics.EventsReceived.WithLabelValues(ev.String()).Inc()

	switch ev {
	case events.Tick:
		e.logger.Info("pulling changes")
		if _, err := e.PullMerge(ctx); err != nil {
			e.logger.Error("pull failed", "error", err)
		}
		if e.opts.RetryPushOnTick && e.pushPending {
			e.retryPush(ctx)
		}

	case events.FileChange:
		e.logger.Info("committing changes")
		if _, err := e.CommitPush(ctx); err != nil {
			e.logger.Error("commit failed", "error", err)
		}

	default:
		e.logger.Warn("ignoring unknown event", "event", ev.String())
	}
}

// PushPending reports whether a commit is waiting for a successful push.
func (e *Engine) PushPending() bool {
	return e.pushPending
}

func (e *Engine) setPushPending(pending bool) {
	e.pushPending = pending
	if pending {
		metrics.PushPending.Set(1)
	} else {
		metrics.PushPending.Set(0)
	}
}

func (e *Engine) retryPush(ctx context.Context) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	e.logger.Info("retrying pending push")
	if err := e.repo.Push(ctx); err != nil {
		observe(metrics.OpPush, start, metrics.ResultFailure)
		e.logger.Error("push retry failed", "error", err)
		return
	}
	observe(metrics.OpPush, start, metrics.ResultSuccess)
	e.setPushPending(false)
	e.logger.Info("pending push completed")
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func observe(op string, start time.Time, result string) {
	metrics.Operations.WithLabelValues(op, result).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if result != metrics.ResultFailure {
		metrics.LastSuccess.WithLabelValues(op).SetToCurrentTime()
	}
}
