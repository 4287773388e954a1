package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/reposyncd/internal/testutil"
)

func openClone(t *testing.T, remote string) (*Repository, *git.Repository) {
	t.Helper()
	dir, raw := testutil.Clone(t, remote)
	repo, err := Open(dir, Options{Remote: "origin"})
	require.NoError(t, err)
	return repo, raw
}

func TestOpen(t *testing.T) {
	remote := testutil.NewRemote(t)
	dir, _ := testutil.Clone(t, remote)

	repo, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, "origin", repo.RemoteName())
	assert.Equal(t, dir, repo.Root())

	branch, err := repo.Branch()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName("master"), branch)
}

func TestOpen_Errors(t *testing.T) {
	remote := testutil.NewRemote(t)
	dir, _ := testutil.Clone(t, remote)

	t.Run("not a repository", func(t *testing.T) {
		_, err := Open(t.TempDir(), Options{})
		require.Error(t, err)
	})

	t.Run("unknown remote", func(t *testing.T) {
		_, err := Open(dir, Options{Remote: "upstream"})
		require.ErrorIs(t, err, ErrNoRemote)
	})

	t.Run("branch mismatch", func(t *testing.T) {
		_, err := Open(dir, Options{Branch: "main"})
		require.ErrorIs(t, err, ErrBranchMismatch)
	})
}

func TestLock(t *testing.T) {
	remote := testutil.NewRemote(t)
	dir, _ := testutil.Clone(t, remote)

	first, err := Open(dir, Options{})
	require.NoError(t, err)
	second, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, first.Lock())
	assert.FileExists(t, filepath.Join(dir, ".git", lockFileName))

	err = second.Lock()
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
	require.NoError(t, second.Unlock())
}

func TestFetch_ReturnsUpstreamFirst(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, _ := openClone(t, remote)

	// Publish a second branch from another clone.
	_, other := testutil.Clone(t, remote)
	wt, err := other.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("aaa-feature"),
		Create: true,
	}))
	testutil.CommitFile(t, other, "feature.txt", "f", "feature")
	testutil.Push(t, other)

	heads, err := repo.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 2)

	assert.True(t, heads[0].IsMerge)
	assert.Equal(t, plumbing.ReferenceName("refs/remotes/origin/master"), heads[0].RefName)
	assert.Equal(t, remote, heads[0].RemoteURL)
	assert.False(t, heads[1].IsMerge)
	assert.Equal(t, plumbing.ReferenceName("refs/remotes/origin/aaa-feature"), heads[1].RefName)
}

func TestFetch_PrunesDeletedBranches(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	_, other := testutil.Clone(t, remote)
	wt, err := other.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("short-lived"),
		Create: true,
	}))
	testutil.CommitFile(t, other, "tmp.txt", "t", "short-lived")
	testutil.Push(t, other)

	heads, err := repo.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 2)

	bare := testutil.OpenRemote(t, remote)
	require.NoError(t, bare.Storer.RemoveReference(plumbing.NewBranchReferenceName("short-lived")))

	heads, err = repo.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, plumbing.ReferenceName("refs/remotes/origin/master"), heads[0].RefName)
	assert.Equal(t, testutil.BranchHash(t, raw, "master"), heads[0].Hash)

	_, err = raw.Reference(plumbing.NewRemoteReferenceName("origin", "short-lived"), true)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

func TestFetch_UpToDateIsNotAnError(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	heads, err := repo.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, testutil.BranchHash(t, raw, "master"), heads[0].Hash)
}

func TestAnalyze(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)
	base := testutil.BranchHash(t, raw, "master")

	decision, err := repo.Analyze(base)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, decision)

	// Remote moves ahead: fast-forward.
	_, other := testutil.Clone(t, remote)
	ahead := testutil.CommitFile(t, other, "remote.txt", "r", "remote change")
	testutil.Push(t, other)
	_, err = repo.Fetch(context.Background())
	require.NoError(t, err)

	decision, err = repo.Analyze(ahead)
	require.NoError(t, err)
	assert.Equal(t, FastForward, decision)

	// Local commit on top of base: remote commit and local commit diverge.
	testutil.CommitFile(t, raw, "local.txt", "l", "local change")
	decision, err = repo.Analyze(ahead)
	require.NoError(t, err)
	assert.Equal(t, Diverged, decision)

	// An ancestor of HEAD is up to date.
	decision, err = repo.Analyze(base)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, decision)
}

func TestMergeDecisionString(t *testing.T) {
	assert.Equal(t, "up-to-date", UpToDate.String())
	assert.Equal(t, "fast-forward", FastForward.String())
	assert.Equal(t, "diverged", Diverged.String())
	assert.Equal(t, "unknown", MergeDecision(42).String())
}

func TestCheckoutTreeAndSetBranchTarget(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	_, other := testutil.Clone(t, remote)
	target := testutil.CommitFile(t, other, "docs/new.md", "hello", "add docs")
	testutil.Push(t, other)
	_, err := repo.Fetch(context.Background())
	require.NoError(t, err)

	branch, err := repo.Branch()
	require.NoError(t, err)

	require.NoError(t, repo.CheckoutTree(target))
	require.NoError(t, repo.SetBranchTarget(branch, target))

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, target, head)

	content, err := os.ReadFile(filepath.Join(repo.Root(), "docs", "new.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	status, err := repo.Status()
	require.NoError(t, err)
	assert.Empty(t, status)

	current, err := repo.Branch()
	require.NoError(t, err)
	assert.Equal(t, branch, current)
	assert.Equal(t, target, testutil.BranchHash(t, raw, "master"))
}

func TestStatus(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	testutil.CommitFile(t, raw, ".gitignore", "*.log\n", "ignore logs")
	testutil.WriteFile(t, raw, "new.txt", "n")
	testutil.WriteFile(t, raw, "debug.log", "ignored")
	testutil.WriteFile(t, raw, "README.md", "changed")

	status, err := repo.Status()
	require.NoError(t, err)
	require.Len(t, status, 2)

	assert.Equal(t, "README.md", status[0].Path)
	assert.Equal(t, git.Modified, status[0].Worktree)
	assert.Equal(t, "new.txt", status[1].Path)
	assert.Equal(t, git.Untracked, status[1].Worktree)
}

func TestStatus_MarksUnreadableFiles(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of mode")
	}
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	testutil.WriteFile(t, raw, "locked.txt", "secret")
	testutil.WriteFile(t, raw, "open.txt", "public")
	locked := filepath.Join(repo.Root(), "locked.txt")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o644) })

	status, err := repo.Status()
	require.NoError(t, err)
	require.Len(t, status, 2)

	assert.Equal(t, "locked.txt", status[0].Path)
	assert.True(t, status[0].Unreadable)
	assert.Equal(t, "open.txt", status[1].Path)
	assert.False(t, status[1].Unreadable)
}

func TestStageUnstageCommitPush(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)
	testutil.CommitFile(t, raw, "b.txt", "b", "add b")
	require.NoError(t, repo.Push(context.Background()))
	parent := testutil.BranchHash(t, raw, "master")

	testutil.WriteFile(t, raw, "a.txt", "a")
	testutil.RemoveFile(t, raw, "b.txt")

	require.NoError(t, repo.Stage("a.txt"))
	require.NoError(t, repo.Unstage("b.txt"))
	require.NoError(t, repo.Unstage("never-tracked.txt"))

	hash, err := repo.Commit("Autocommit")
	require.NoError(t, err)

	commit, err := raw.CommitObject(hash)
	require.NoError(t, err)
	assert.Equal(t, "Autocommit", commit.Message)
	assert.Equal(t, testutil.UserName, commit.Author.Name)
	assert.Equal(t, testutil.UserEmail, commit.Committer.Email)
	require.Equal(t, []plumbing.Hash{parent}, commit.ParentHashes)

	tree, err := commit.Tree()
	require.NoError(t, err)
	_, err = tree.File("a.txt")
	assert.NoError(t, err)
	_, err = tree.File("b.txt")
	assert.Error(t, err)

	require.NoError(t, repo.Push(context.Background()))
	assert.Equal(t, hash, testutil.BranchHash(t, testutil.OpenRemote(t, remote), "master"))

	// Pushing again is a no-op.
	require.NoError(t, repo.Push(context.Background()))
}

func TestPush_NonFastForward(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, raw := openClone(t, remote)

	_, other := testutil.Clone(t, remote)
	testutil.CommitFile(t, other, "theirs.txt", "t", "theirs")
	testutil.Push(t, other)

	testutil.CommitFile(t, raw, "ours.txt", "o", "ours")
	err := repo.Push(context.Background())
	require.ErrorIs(t, err, ErrNonFastForward)
}

func TestSignature_NoIdentity(t *testing.T) {
	if _, err := os.Stat("/etc/gitconfig"); err == nil {
		t.Skip("system git config present")
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := t.TempDir()
	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	repo := &Repository{root: dir, repo: raw, opts: Options{Remote: "origin"}}
	_, err = repo.Signature()
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSignature_FromRepoConfig(t *testing.T) {
	remote := testutil.NewRemote(t)
	repo, _ := openClone(t, remote)

	sig, err := repo.Signature()
	require.NoError(t, err)
	assert.Equal(t, testutil.UserName, sig.Name)
	assert.Equal(t, testutil.UserEmail, sig.Email)
}

type staticAuth struct {
	gotURL, gotUser string
	err             error
}

func (s *staticAuth) Method(remoteURL, usernameHint string) (transport.AuthMethod, error) {
	s.gotURL, s.gotUser = remoteURL, usernameHint
	return nil, s.err
}

func TestAuthMethod(t *testing.T) {
	remote := testutil.NewRemote(t)
	dir, raw := testutil.Clone(t, remote)

	cfg, err := raw.Config()
	require.NoError(t, err)
	cfg.Remotes["origin"].URLs = []string{"git@example.com:team/notes.git"}
	require.NoError(t, raw.SetConfig(cfg))

	provider := &staticAuth{}
	repo, err := Open(dir, Options{Auth: provider})
	require.NoError(t, err)

	_, err = repo.authMethod()
	require.NoError(t, err)
	assert.Equal(t, "git@example.com:team/notes.git", provider.gotURL)
	assert.Equal(t, "git", provider.gotUser)

	provider.err = errors.New("no key")
	_, err = repo.authMethod()
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuthMethod_LocalRemoteSkipsProvider(t *testing.T) {
	remote := testutil.NewRemote(t)
	dir, _ := testutil.Clone(t, remote)

	provider := &staticAuth{err: errors.New("must not be called")}
	repo, err := Open(dir, Options{Auth: provider})
	require.NoError(t, err)

	method, err := repo.authMethod()
	require.NoError(t, err)
	assert.Nil(t, method)
	assert.Empty(t, provider.gotURL)
}
