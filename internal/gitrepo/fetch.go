package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// MergeDecision classifies how a fetched commit relates to the current branch
type MergeDecision int

const (
	// UpToDate means the fetched commit is already reachable from the branch.
	UpToDate MergeDecision = iota
	// FastForward means the branch tip is an ancestor of the fetched commit.
	FastForward
	// Diverged means neither commit is an ancestor of the other.
	Diverged
)

// String returns the log-friendly name of the decision.
func (d MergeDecision) String() string {
	switch d {
	case UpToDate:
		return "up-to-date"
	case FastForward:
		return "fast-forward"
	case Diverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// FetchHead is one reference recorded by the most recent fetch
type FetchHead struct {
	// RefName is the remote-tracking reference, e.g. refs/remotes/origin/main.
	RefName   plumbing.ReferenceName
	RemoteURL string
	Hash      plumbing.Hash
	// IsMerge marks the upstream of the current branch.
	IsMerge bool
}

// Fetch downloads objects from the remote using its configured refspecs and
// returns the fetched references. The upstream of the current branch, if
// present, is first; the rest follow in reference name order.
func (r *Repository) Fetch(ctx context.Context) ([]FetchHead, error) {
	url, err := r.remoteURL()
	if err != nil {
		return nil, err
	}

	auth, err := r.authMethod()
	if err != nil {
		return nil, err
	}

	// Prune so a branch deleted on the remote leaves no stale tracking ref
	// behind to fast-forward to.
	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.opts.Remote,
		Auth:       auth,
		Prune:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil, nil
	default:
		return nil, mapTransportError(err, "failed to fetch from remote")
	}

	return r.fetchHeads(url)
}

func (r *Repository) fetchHeads(url string) ([]FetchHead, error) {
	upstream, err := r.upstreamRef()
	if err != nil {
		return nil, err
	}

	refs, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer refs.Close()

	prefix := "refs/remotes/" + r.opts.Remote + "/"
	var heads []FetchHead
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if !strings.HasPrefix(ref.Name().String(), prefix) {
			return nil
		}
		heads = append(heads, FetchHead{
			RefName:   ref.Name(),
			RemoteURL: url,
			Hash:      ref.Hash(),
			IsMerge:   ref.Name() == upstream,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate references: %w", err)
	}

	sort.SliceStable(heads, func(i, j int) bool {
		if heads[i].IsMerge != heads[j].IsMerge {
			return heads[i].IsMerge
		}
		return heads[i].RefName < heads[j].RefName
	})
	return heads, nil
}

// upstreamRef maps the current branch's merge ref through the remote's fetch
// refspecs to the remote-tracking reference it lands in.
func (r *Repository) upstreamRef() (plumbing.ReferenceName, error) {
	mergeRef, err := r.mergeRef()
	if err != nil {
		return "", err
	}

	remote, err := r.repo.Remote(r.opts.Remote)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoRemote, r.opts.Remote, err)
	}
	for _, spec := range remote.Config().Fetch {
		if spec.Match(mergeRef) {
			return spec.Dst(mergeRef), nil
		}
	}
	return "", nil
}

// mergeRef returns the branch on the remote the current branch tracks:
// branch.<name>.merge when configured for our remote, otherwise the same name.
func (r *Repository) mergeRef() (plumbing.ReferenceName, error) {
	branch, err := r.Branch()
	if err != nil {
		return "", err
	}

	cfg, err := r.repo.Config()
	if err != nil {
		return "", fmt.Errorf("failed to read repository config: %w", err)
	}
	if b, ok := cfg.Branches[branch.Short()]; ok && b.Remote == r.opts.Remote && b.Merge != "" {
		return b.Merge, nil
	}
	return branch, nil
}

// Analyze computes the merge decision for target against the current branch tip.
func (r *Repository) Analyze(target plumbing.Hash) (MergeDecision, error) {
	head, err := r.Head()
	if err != nil {
		return Diverged, err
	}
	if head.IsZero() {
		return FastForward, nil
	}
	if head == target {
		return UpToDate, nil
	}

	headCommit, err := r.repo.CommitObject(head)
	if err != nil {
		return Diverged, fmt.Errorf("failed to load HEAD commit %s: %w", head, err)
	}
	targetCommit, err := r.repo.CommitObject(target)
	if err != nil {
		return Diverged, fmt.Errorf("failed to load commit %s: %w", target, err)
	}

	behind, err := targetCommit.IsAncestor(headCommit)
	if err != nil {
		return Diverged, fmt.Errorf("failed to compare commits: %w", err)
	}
	if behind {
		return UpToDate, nil
	}

	ahead, err := headCommit.IsAncestor(targetCommit)
	if err != nil {
		return Diverged, fmt.Errorf("failed to compare commits: %w", err)
	}
	if ahead {
		return FastForward, nil
	}
	return Diverged, nil
}

// SetBranchTarget points branch at target and makes HEAD follow it.
func (r *Repository) SetBranchTarget(branch plumbing.ReferenceName, target plumbing.Hash) error {
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(branch, target)); err != nil {
		return fmt.Errorf("failed to update %s: %w", branch, err)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		return fmt.Errorf("failed to attach HEAD to %s: %w", branch, err)
	}
	return nil
}
