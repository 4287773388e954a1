// Package watch turns filesystem activity below a repository root into
// debounced FileChange events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/reposyncd/internal/events"
)

// ErrRootRemoved is returned by Run when the watched directory itself is
// deleted or moved away. No further notifications can arrive for it.
var ErrRootRemoved = errors.New("watched root removed")

// SetupError reports that the watch could not be established
type SetupError struct {
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to watch %s: %v", e.Path, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Options configures a Watcher
type Options struct {
	// Debounce is the quiet period after the last notification before a batch is flushed.
	Debounce time.Duration
	// Ignore holds gitignore-style patterns added to the repository's .gitignore.
	Ignore []string
}

// Watcher watches a directory tree recursively
type Watcher struct {
	root   string
	opts   Options
	fs     *fsnotify.Watcher
	filter *filter
	logger *slog.Logger
}

// New registers watches on root and every directory below it, except the git
// directory and ignored paths.
func New(root string, opts Options, logger *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &SetupError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &SetupError{Path: root, Err: errors.New("not a directory")}
	}
	if _, err := os.ReadDir(root); err != nil {
		return nil, &SetupError{Path: root, Err: err}
	}

	f, err := newFilter(root, opts.Ignore)
	if err != nil {
		return nil, &SetupError{Path: root, Err: fmt.Errorf("failed to load ignore rules: %w", err)}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &SetupError{Path: root, Err: err}
	}

	w := &Watcher{
		root:   root,
		opts:   opts,
		fs:     fsw,
		filter: f,
		logger: logger,
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, &SetupError{Path: root, Err: err}
	}

	return w, nil
}

// addTree adds a watch for dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	dirs, err := w.filter.directories(dir)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := w.fs.Add(d); err != nil {
			return fmt.Errorf("failed to add watch for %s: %w", d, err)
		}
	}
	return nil
}

// Close releases the watch. Run closes it too, so Close is only needed when
// Run is never called.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run forwards one FileChange to bus per debounced batch with at least one
// relevant notification. It returns nil when ctx ends or the bus is closed,
// and an error if the underlying watch fails or the root goes away. The watch
// is closed on return.
func (w *Watcher) Run(ctx context.Context, bus events.Sender) error {
	defer func() {
		_ = w.fs.Close()
	}()

	d := NewDebouncer(w.opts.Debounce)
	defer d.Stop()

	w.logger.Info("watching for changes", "path", w.root, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return errors.New("watch event stream closed")
			}
			if w.rootRemoved(ev) {
				return fmt.Errorf("%w: %s", ErrRootRemoved, w.root)
			}
			if w.handle(ev) {
				d.Add(ev.Op)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("watch error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; something changed.
				w.logger.Warn("watch queue overflowed", "error", err)
				d.Add(fsnotify.Write)
				continue
			}
			return fmt.Errorf("watch failed: %w", err)

		case <-d.C():
			batch := d.Flush()
			if batch.Empty() {
				w.logger.Debug("ignoring batch without relevant changes", "ignored", batch.Ignored)
				continue
			}
			w.logger.Debug("filesystem changed", "relevant", batch.Relevant, "ignored", batch.Ignored)
			if err := bus.Send(ctx, events.FileChange); err != nil {
				return nil
			}
		}
	}
}

func (w *Watcher) rootRemoved(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Clean(ev.Name) == filepath.Clean(w.root)
}

// handle keeps watches in sync with the tree and reports whether ev counts
// toward the current batch.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if w.filter.skip(ev.Name) {
		return false
	}

	if w.filter.isGitignore(ev.Name) {
		if err := w.filter.reload(); err != nil {
			w.logger.Warn("failed to reload ignore rules", "error", err)
		}
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
		}
	}

	w.logger.Debug("filesystem event", "path", ev.Name, "op", ev.Op.String())
	return true
}
