// Package testutil builds throwaway git repositories for tests: a bare remote
// seeded with one commit and working clones of it.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	UserName  = "Sync Tester"
	UserEmail = "tester@example.com"
)

// Signature returns a fixed identity for test commits.
func Signature() *object.Signature {
	return &object.Signature{Name: UserName, Email: UserEmail, When: time.Now()}
}

// NewRemote creates a bare repository holding a single commit on master with
// README.md, and returns its path.
func NewRemote(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	remoteDir := filepath.Join(root, "remote.git")
	if _, err := git.PlainInit(remoteDir, true); err != nil {
		t.Fatalf("failed to init bare remote: %v", err)
	}

	seedDir := filepath.Join(root, "seed")
	seed, err := git.PlainInit(seedDir, false)
	if err != nil {
		t.Fatalf("failed to init seed repo: %v", err)
	}
	if _, err := seed.CreateRemote(&config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{remoteDir},
	}); err != nil {
		t.Fatalf("failed to add remote to seed: %v", err)
	}

	CommitFile(t, seed, "README.md", "# test\n", "initial commit")
	Push(t, seed)

	return remoteDir
}

// Clone clones remote into a fresh directory with a commit identity configured.
func Clone(t *testing.T, remote string) (string, *git.Repository) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "clone")
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{URL: remote})
	if err != nil {
		t.Fatalf("failed to clone %s: %v", remote, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("failed to read clone config: %v", err)
	}
	cfg.User.Name = UserName
	cfg.User.Email = UserEmail
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("failed to write clone config: %v", err)
	}

	return dir, repo
}

// WriteFile writes content to path inside the repository's worktree without staging it.
func WriteFile(t *testing.T, repo *git.Repository, path, content string) {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if err := util.WriteFile(wt.Filesystem, path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// RemoveFile deletes path from the repository's worktree without staging it.
func RemoveFile(t *testing.T, repo *git.Repository, path string) {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if err := wt.Filesystem.Remove(path); err != nil {
		t.Fatalf("failed to remove %s: %v", path, err)
	}
}

// CommitFile writes, stages and commits a single file and returns the commit hash.
func CommitFile(t *testing.T, repo *git.Repository, path, content, message string) plumbing.Hash {
	t.Helper()

	WriteFile(t, repo, path, content)

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("failed to stage %s: %v", path, err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: Signature()})
	if err != nil {
		t.Fatalf("failed to commit %s: %v", path, err)
	}
	return hash
}

// Push pushes all local branches of repo to origin.
func Push(t *testing.T, repo *git.Repository) {
	t.Helper()

	err := repo.Push(&git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"refs/heads/*:refs/heads/*"},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		t.Fatalf("failed to push: %v", err)
	}
}

// BranchHash returns the commit refs/heads/<branch> points at in repo.
func BranchHash(t *testing.T, repo *git.Repository, branch string) plumbing.Hash {
	t.Helper()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("failed to resolve branch %s: %v", branch, err)
	}
	return ref.Hash()
}

// OpenRemote opens the bare repository at path.
func OpenRemote(t *testing.T, path string) *git.Repository {
	t.Helper()

	repo, err := git.PlainOpen(path)
	if err != nil {
		t.Fatalf("failed to open remote %s: %v", path, err)
	}
	return repo
}
