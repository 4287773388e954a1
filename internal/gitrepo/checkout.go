package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// treeUpdate is one path that differs between the current tip and the
// checkout target. from or to is nil when the path is absent on that side.
type treeUpdate struct {
	path     string
	from, to *object.File
}

// CheckoutTree brings the worktree and index from the current branch tip to
// the tree of target. Only paths that differ between the two commits are
// written or removed; untracked and ignored files elsewhere are left alone.
// If any of those paths carries local changes, nothing is written and
// ErrCheckoutConflict is returned. HEAD is not moved; see SetBranchTarget.
func (r *Repository) CheckoutTree(target plumbing.Hash) error {
	updates, err := r.treeUpdates(target)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	idx, err := r.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var conflicts []string
	for _, u := range updates {
		clean, err := r.safeToUpdate(idx, u)
		if err != nil {
			return err
		}
		if !clean {
			conflicts = append(conflicts, u.path)
		}
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: %s", ErrCheckoutConflict, strings.Join(conflicts, ", "))
	}

	for _, u := range updates {
		if u.to == nil {
			if err := r.removeFile(u.path); err != nil {
				return err
			}
			if _, err := idx.Remove(u.path); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return fmt.Errorf("failed to remove %s from index: %w", u.path, err)
			}
			continue
		}

		info, err := r.writeFile(u.path, u.to)
		if err != nil {
			return err
		}
		e, err := idx.Entry(u.path)
		if errors.Is(err, index.ErrEntryNotFound) {
			e = idx.Add(u.path)
		} else if err != nil {
			return fmt.Errorf("failed to read index entry %s: %w", u.path, err)
		}
		e.Hash = u.to.Hash
		e.Mode = u.to.Mode
		e.ModifiedAt = info.ModTime()
		e.Size = uint32(info.Size())
	}

	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// treeUpdates lists the file-level differences between the current branch
// tip (empty when unborn) and target. Submodule entries are not checked out.
func (r *Repository) treeUpdates(target plumbing.Hash) ([]treeUpdate, error) {
	head, err := r.Head()
	if err != nil {
		return nil, err
	}

	var from *object.Tree
	if !head.IsZero() {
		if from, err = r.commitTree(head); err != nil {
			return nil, err
		}
	}
	to, err := r.commitTree(target)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	updates := make([]treeUpdate, 0, len(changes))
	for _, ch := range changes {
		f, t, err := ch.Files()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", ch, err)
		}
		if f == nil && t == nil {
			continue
		}
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		updates = append(updates, treeUpdate{path: name, from: f, to: t})
	}
	return updates, nil
}

func (r *Repository) commitTree(hash plumbing.Hash) (*object.Tree, error) {
	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of %s: %w", hash, err)
	}
	return tree, nil
}

// safeToUpdate reports whether u.path holds no local changes: both the index
// entry and the worktree file must match the current tip, or already match
// the target.
func (r *Repository) safeToUpdate(idx *index.Index, u treeUpdate) (bool, error) {
	matches := func(h plumbing.Hash, present bool) bool {
		if u.from == nil && !present {
			return true
		}
		if u.to == nil && !present {
			return true
		}
		return present && ((u.from != nil && h == u.from.Hash) || (u.to != nil && h == u.to.Hash))
	}

	var staged plumbing.Hash
	e, err := idx.Entry(u.path)
	switch {
	case err == nil:
		staged = e.Hash
	case !errors.Is(err, index.ErrEntryNotFound):
		return false, fmt.Errorf("failed to read index entry %s: %w", u.path, err)
	}
	if !matches(staged, err == nil) {
		return false, nil
	}

	onDisk, present, err := r.worktreeHash(u.path)
	if err != nil {
		return false, nil
	}
	return matches(onDisk, present), nil
}

// worktreeHash returns the blob hash of path as it is on disk. A directory in
// place of a file is reported as present with the zero hash.
func (r *Repository) worktreeHash(name string) (plumbing.Hash, bool, error) {
	wfs := r.wt.Filesystem
	info, err := wfs.Lstat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, err
	}

	var content []byte
	switch {
	case info.IsDir():
		return plumbing.ZeroHash, true, nil
	case info.Mode()&os.ModeSymlink != 0:
		target, err := wfs.Readlink(name)
		if err != nil {
			return plumbing.ZeroHash, false, err
		}
		content = []byte(target)
	default:
		if content, err = util.ReadFile(wfs, name); err != nil {
			return plumbing.ZeroHash, false, err
		}
	}
	return plumbing.ComputeHash(plumbing.BlobObject, content), true, nil
}

func (r *Repository) writeFile(name string, f *object.File) (os.FileInfo, error) {
	wfs := r.wt.Filesystem
	if dir := path.Dir(name); dir != "." {
		if err := wfs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := wfs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to replace %s: %w", name, err)
	}

	if f.Mode == filemode.Symlink {
		target, err := f.Contents()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := wfs.Symlink(target, name); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		return wfs.Lstat(name)
	}

	perm := os.FileMode(0o644)
	if f.Mode == filemode.Executable {
		perm = 0o755
	}

	src, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := wfs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return wfs.Lstat(name)
}

// removeFile deletes name and then any parent directories left empty.
func (r *Repository) removeFile(name string) error {
	wfs := r.wt.Filesystem
	if err := wfs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}

	for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
		entries, err := wfs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return nil
		}
		if err := wfs.Remove(dir); err != nil {
			return nil
		}
	}
	return nil
}
