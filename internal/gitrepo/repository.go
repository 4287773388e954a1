// Package gitrepo adapts a go-git repository into the small set of operations
// the sync engine needs: fetch, merge analysis, fast-forward, status, staging,
// commit and push.
package gitrepo

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/gofrs/flock"
)

const lockFileName = "reposyncd.lock"

// Options configures how a Repository is opened
type Options struct {
	// Remote is the name of the remote to fetch from and push to.
	Remote string
	// Branch, when set, must match the branch HEAD points at.
	Branch string
	// Auth builds credentials for the remote; nil means anonymous.
	Auth AuthProvider
}

// Repository is the handle to an on-disk repository with a worktree.
// It is not safe for concurrent use; callers serialize access.
type Repository struct {
	root string
	repo *git.Repository
	wt   *git.Worktree
	opts Options
	lock *flock.Flock
}

// Open opens the repository rooted at path.
func Open(path string, opts Options) (*Repository, error) {
	if opts.Remote == "" {
		opts.Remote = git.DefaultRemoteName
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	r := &Repository{
		root: wt.Filesystem.Root(),
		repo: repo,
		wt:   wt,
		opts: opts,
	}

	if _, err := r.remoteURL(); err != nil {
		return nil, err
	}

	branch, err := r.Branch()
	if err != nil {
		return nil, err
	}
	if opts.Branch != "" && branch.Short() != opts.Branch {
		return nil, fmt.Errorf("%w: HEAD is on %s, configured %s", ErrBranchMismatch, branch.Short(), opts.Branch)
	}

	return r, nil
}

// Root returns the worktree root directory.
func (r *Repository) Root() string {
	return r.root
}

// RemoteName returns the name of the remote this repository syncs with.
func (r *Repository) RemoteName() string {
	return r.opts.Remote
}

// Lock takes an advisory lock inside the git directory so that only one
// daemon syncs a given repository. It fails with ErrLocked if the lock is held.
func (r *Repository) Lock() error {
	dir := filepath.Join(r.root, git.GitDirName)
	if fs, ok := r.repo.Storer.(*filesystem.Storage); ok {
		dir = fs.Filesystem().Root()
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire repository lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}
	r.lock = lock
	return nil
}

// Unlock releases the lock taken by Lock. It is a no-op if no lock is held.
func (r *Repository) Unlock() error {
	if r.lock == nil {
		return nil
	}
	err := r.lock.Unlock()
	r.lock = nil
	return err
}

// Branch returns the reference name of the branch HEAD points at.
func (r *Repository) Branch() (plumbing.ReferenceName, error) {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Target(), nil
}

// Head returns the commit the current branch points at, or the zero hash if
// the branch has no commits yet.
func (r *Repository) Head() (plumbing.Hash, error) {
	branch, err := r.Branch()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	ref, err := r.repo.Storer.Reference(branch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

func (r *Repository) remoteURL() (string, error) {
	remote, err := r.repo.Remote(r.opts.Remote)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoRemote, r.opts.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: %s has no URL", ErrNoRemote, r.opts.Remote)
	}
	return urls[0], nil
}

// authMethod resolves credentials for the remote, passing the URL's user as the hint.
func (r *Repository) authMethod() (transport.AuthMethod, error) {
	if r.opts.Auth == nil {
		return nil, nil
	}

	url, err := r.remoteURL()
	if err != nil {
		return nil, err
	}

	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote URL: %w", err)
	}
	if ep.Protocol == "file" {
		return nil, nil
	}

	method, err := r.opts.Auth.Method(url, ep.User)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	return method, nil
}

func mapTransportError(err error, msg string) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%s: %w: %v", msg, ErrAuthRequired, err)
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return fmt.Errorf("%s: %w", msg, ErrNonFastForward)
	default:
		return wrapError(err, msg)
	}
}
