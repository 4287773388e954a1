package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/schaermu/reposyncd/internal/metrics"
)

// CommitPush stages every added, modified or deleted path, commits the result
// on the current branch and pushes it. A clean worktree is a no-op. A failed
// push leaves the commit in place.
func (e *Engine) CommitPush(ctx context.Context) (*CommitResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := e.commitPush(ctx)
	switch {
	case err != nil:
		observe(metrics.OpPush, start, metrics.ResultFailure)
	case result.Pushed:
		observe(metrics.OpPush, start, metrics.ResultSuccess)
	default:
		observe(metrics.OpPush, start, metrics.ResultNoop)
	}
	return result, err
}

func (e *Engine) commitPush(ctx context.Context) (*CommitResult, error) {
	entries, err := e.repo.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	result := &CommitResult{Changes: Classify(entries)}
	if len(result.Changes) == 0 {
		e.logger.Debug("worktree clean, nothing to commit")
		return result, nil
	}

	staged := 0
	for _, c := range result.Changes {
		switch c.Disposition {
		case AddedOrModified:
			if err := e.repo.Stage(c.Path); err != nil {
				return result, err
			}
			staged++
		case Deleted:
			if err := e.repo.Unstage(c.Path); err != nil {
				return result, err
			}
			staged++
		case Conflicted:
			metrics.SkippedPaths.WithLabelValues(c.Disposition.String()).Inc()
			e.logger.Warn("skipping conflicted path", "path", c.Path)
		case Unreadable:
			metrics.SkippedPaths.WithLabelValues(c.Disposition.String()).Inc()
			e.logger.Warn("skipping unreadable path", "path", c.Path)
		default:
			metrics.SkippedPaths.WithLabelValues(c.Disposition.String()).Inc()
			e.logger.Debug("skipping path", "path", c.Path, "disposition", c.Disposition.String())
		}
	}

	if staged == 0 {
		e.logger.Info("no stageable changes", "skipped", len(result.Changes))
		return result, nil
	}

	hash, err := e.repo.Commit(e.opts.CommitMessage)
	if err != nil {
		return result, err
	}
	result.Commit = hash
	metrics.Commits.Inc()
	e.logger.Info("committed changes", "commit", hash.String(), "paths", staged)

	if err := e.repo.Push(ctx); err != nil {
		e.setPushPending(true)
		return result, fmt.Errorf("failed to push commit %s: %w", hash, err)
	}
	result.Pushed = true
	e.setPushPending(false)
	e.logger.Info("pushed changes", "commit", hash.String())

	return result, nil
}
