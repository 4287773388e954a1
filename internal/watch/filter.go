package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

const gitDir = ".git"

// filter decides which paths below root are watched and reported
type filter struct {
	root    string
	extra   []string
	matcher *ignore.GitIgnore
}

func newFilter(root string, extra []string) (*filter, error) {
	f := &filter{root: root, extra: extra}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// reload recompiles the matcher from the root .gitignore and the extra patterns.
func (f *filter) reload() error {
	path := filepath.Join(f.root, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		f.matcher = ignore.CompileIgnoreLines(f.extra...)
		return nil
	}

	m, err := ignore.CompileIgnoreFileAndLines(path, f.extra...)
	if err != nil {
		return err
	}
	f.matcher = m
	return nil
}

// isGitignore reports whether path is the root .gitignore file.
func (f *filter) isGitignore(path string) bool {
	return path == filepath.Join(f.root, ".gitignore")
}

// skip reports whether path is the git directory, inside it, or ignored.
func (f *filter) skip(path string) bool {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == gitDir || strings.HasPrefix(rel, gitDir+"/") {
		return true
	}
	return f.matcher.MatchesPath(rel)
}

// directories returns every directory below dir, dir included, that is not skipped.
func (f *filter) directories(dir string) ([]string, error) {
	var dirs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && f.skip(path) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dirs, nil
}
