package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/schaermu/reposyncd/internal/gitrepo"
	"github.com/schaermu/reposyncd/internal/metrics"
)

// PullMerge fetches the remote and fast-forwards the current branch to every
// fetched reference that is strictly ahead of it. Diverged references are
// skipped; history is never merged or rewritten.
func (e *Engine) PullMerge(ctx context.Context) (*PullResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := e.pullMerge(ctx)
	switch {
	case err != nil:
		observe(metrics.OpPull, start, metrics.ResultFailure)
	case result.FastForwarded():
		observe(metrics.OpPull, start, metrics.ResultSuccess)
	default:
		observe(metrics.OpPull, start, metrics.ResultNoop)
	}
	return result, err
}

func (e *Engine) pullMerge(ctx context.Context) (*PullResult, error) {
	heads, err := e.repo.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	branch, err := e.repo.Branch()
	if err != nil {
		return nil, err
	}
	head, err := e.repo.Head()
	if err != nil {
		return nil, err
	}

	result := &PullResult{OldHead: head, NewHead: head}

	for _, fh := range heads {
		e.logger.Debug("checking fast-forward", "ref", fh.RefName.String(), "commit", fh.Hash.String())

		decision, err := e.repo.Analyze(fh.Hash)
		if err != nil {
			return result, fmt.Errorf("failed to analyze %s: %w", fh.RefName, err)
		}
		result.Decisions = append(result.Decisions, RefDecision{Ref: fh.RefName, Hash: fh.Hash, Decision: decision})

		switch decision {
		case gitrepo.UpToDate:
			continue

		case gitrepo.Diverged:
			metrics.Diverged.Inc()
			e.logger.Warn("local branch diverged from remote, manual intervention required",
				"branch", branch.Short(),
				"ref", fh.RefName.String(),
				"local", result.NewHead.String(),
				"remote", fh.Hash.String())
			continue

		case gitrepo.FastForward:
			if err := e.repo.CheckoutTree(fh.Hash); err != nil {
				return result, err
			}
			if err := e.repo.SetBranchTarget(branch, fh.Hash); err != nil {
				return result, err
			}
			metrics.FastForwards.Inc()
			e.logger.Info("fast-forwarded",
				"branch", branch.Short(),
				"ref", fh.RefName.String(),
				"from", result.NewHead.String(),
				"to", fh.Hash.String())
			result.NewHead = fh.Hash
		}
	}

	return result, nil
}
