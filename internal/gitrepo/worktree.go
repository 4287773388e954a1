package gitrepo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// StatusEntry is the staging and worktree state of one changed path
type StatusEntry struct {
	Path     string
	Staging  git.StatusCode
	Worktree git.StatusCode
	// Unreadable is set when the file exists but the daemon may not read it,
	// so it cannot be staged.
	Unreadable bool
}

// Status lists changed paths in the worktree. Ignored and unmodified entries
// are omitted. Entries are sorted by path.
func (r *Repository) Status() ([]StatusEntry, error) {
	st, err := r.wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to compute status: %w", err)
	}

	entries := make([]StatusEntry, 0, len(st))
	for path, s := range st {
		if s.Staging == git.Unmodified && s.Worktree == git.Unmodified {
			continue
		}
		entries = append(entries, StatusEntry{
			Path:       path,
			Staging:    s.Staging,
			Worktree:   s.Worktree,
			Unreadable: s.Worktree != git.Deleted && !r.readable(path),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// readable reports whether the regular file at path can be opened. Missing
// files and symlinks count as readable; staging handles them on its own.
func (r *Repository) readable(path string) bool {
	wfs := r.wt.Filesystem
	info, err := wfs.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}
	f, err := wfs.OpenFile(path, os.O_RDONLY, 0)
	if errors.Is(err, fs.ErrPermission) {
		return false
	}
	if err == nil {
		_ = f.Close()
	}
	return true
}

// Stage adds the current content of path to the index and persists it.
func (r *Repository) Stage(path string) error {
	if _, err := r.wt.Add(path); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return nil
}

// Unstage removes path from the index and persists it. Paths missing from
// the index are ignored.
func (r *Repository) Unstage(path string) error {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	if _, err := idx.Remove(path); err != nil {
		if errors.Is(err, index.ErrEntryNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove %s from index: %w", path, err)
	}
	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// Signature returns the commit identity from the repository, global and
// system git configuration, in that order of precedence.
func (r *Repository) Signature() (*object.Signature, error) {
	cfg, err := r.repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return nil, fmt.Errorf("failed to read git config: %w", err)
	}

	name, email := cfg.User.Name, cfg.User.Email
	if name == "" {
		name = cfg.Author.Name
	}
	if email == "" {
		email = cfg.Author.Email
	}
	if name == "" || email == "" {
		return nil, ErrNoIdentity
	}

	return &object.Signature{Name: name, Email: email, When: time.Now()}, nil
}

// Commit writes the index as a tree and records a commit on the current
// branch whose parent is the current branch tip.
func (r *Repository) Commit(message string) (plumbing.Hash, error) {
	sig, err := r.Signature()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	head, err := r.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var parents []plumbing.Hash
	if !head.IsZero() {
		parents = []plumbing.Hash{head}
	}

	hash, err := r.wt.Commit(message, &git.CommitOptions{
		Author:    sig,
		Committer: sig,
		Parents:   parents,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit: %w", err)
	}
	return hash, nil
}
