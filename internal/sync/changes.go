package sync

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/schaermu/reposyncd/internal/gitrepo"
)

// Disposition is what Stage-Commit-Push does with a changed path
type Disposition int

const (
	// AddedOrModified paths are staged with their current content.
	AddedOrModified Disposition = iota
	// Deleted paths are removed from the index.
	Deleted
	// Unsupported paths (renames, copies) are left out of the commit.
	Unsupported
	// Conflicted paths have unmerged entries and are left out of the commit.
	Conflicted
	// Unreadable paths exist but cannot be read, so they are left out of the
	// commit instead of failing it.
	Unreadable
)

func (d Disposition) String() string {
	switch d {
	case AddedOrModified:
		return "added-or-modified"
	case Deleted:
		return "deleted"
	case Unsupported:
		return "unsupported"
	case Conflicted:
		return "conflicted"
	case Unreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// Change is one path from the repository status and what to do with it
type Change struct {
	Path        string
	Disposition Disposition
}

// ChangeSet is the classified repository status, in path order
type ChangeSet []Change

// Classify maps status entries to dispositions. Worktree state wins over
// staged state, so a staged file that was later deleted is removed.
func Classify(entries []gitrepo.StatusEntry) ChangeSet {
	changes := make(ChangeSet, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, Change{Path: e.Path, Disposition: classify(e)})
	}
	return changes
}

func classify(e gitrepo.StatusEntry) Disposition {
	if e.Staging == git.UpdatedButUnmerged || e.Worktree == git.UpdatedButUnmerged {
		return Conflicted
	}
	if e.Unreadable {
		return Unreadable
	}

	switch e.Worktree {
	case git.Deleted:
		return Deleted
	case git.Untracked, git.Modified:
		return AddedOrModified
	}

	switch e.Staging {
	case git.Deleted:
		return Deleted
	case git.Added, git.Modified:
		return AddedOrModified
	}

	return Unsupported
}

// RefDecision records the merge decision taken for one fetched reference
type RefDecision struct {
	Ref      plumbing.ReferenceName
	Hash     plumbing.Hash
	Decision gitrepo.MergeDecision
}

// PullResult summarizes a Pull-Merge run
type PullResult struct {
	OldHead   plumbing.Hash
	NewHead   plumbing.Hash
	Decisions []RefDecision
}

// FastForwarded reports whether the local branch moved.
func (r *PullResult) FastForwarded() bool {
	return r.OldHead != r.NewHead
}

// CommitResult summarizes a Stage-Commit-Push run
type CommitResult struct {
	Changes ChangeSet
	// Commit is zero when nothing was committed.
	Commit plumbing.Hash
	Pushed bool
}
