package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCloneTracksRemote(t *testing.T) {
	remote := NewRemote(t)
	dir, repo := Clone(t, remote)

	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Fatalf("expected README.md in clone: %v", err)
	}

	local := BranchHash(t, repo, "master")
	upstream := BranchHash(t, OpenRemote(t, remote), "master")
	if local != upstream {
		t.Errorf("expected clone at %s, got %s", upstream, local)
	}
}

func TestCommitFileAndPush(t *testing.T) {
	remote := NewRemote(t)
	_, repo := Clone(t, remote)

	hash := CommitFile(t, repo, "notes/a.txt", "a", "add a")
	Push(t, repo)

	if got := BranchHash(t, OpenRemote(t, remote), "master"); got != hash {
		t.Errorf("expected remote at %s, got %s", hash, got)
	}
}
