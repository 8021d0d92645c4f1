// Package watch records which files changed in the working directory so
// the agent can remind the model about them.
package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
)

const (
	defaultMaxWatches = 1000
	// maxTracked bounds the change map.
	maxTracked = 256
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	".git": true, ".axon": true, "node_modules": true, "vendor": true,
	".idea": true, ".vscode": true, "__pycache__": true, "dist": true, "build": true,
}

// Change is the latest event seen for a file.
type Change struct {
	Path string
	Op   string
	At   time.Time
}

// Recorder watches a directory tree and remembers recent file changes.
type Recorder struct {
	root    string
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	changes map[string]Change
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New starts watching root and its subdirectories.
func New(root string) (*Recorder, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve watch root")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "create file watcher")
	}
	r := &Recorder{
		root:    abs,
		fsw:     fsw,
		changes: make(map[string]Change),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	r.addTree(abs)
	go r.loop()
	return r, nil
}

// addTree watches dir and every directory below it, up to defaultMaxWatches.
func (r *Recorder) addTree(dir string) {
	count := len(r.fsw.WatchList())
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != r.root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if count >= defaultMaxWatches {
			return filepath.SkipAll
		}
		if err := r.fsw.Add(path); err != nil {
			logging.Debug("cannot watch directory", "path", path, "error", err)
			return nil
		}
		count++
		return nil
	})
}

func (r *Recorder) loop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			r.handle(ev)
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("file watcher error", "error", err)
		}
	}
}

func (r *Recorder) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(r.root, ev.Name)
	if err != nil || rel == "." || ignored(rel) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			r.addTree(ev.Name)
			return
		}
	}
	r.record(filepath.ToSlash(rel), opName(ev.Op), r.now())
}

func (r *Recorder) record(path, op string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[path] = Change{Path: path, Op: op, At: at}
	if len(r.changes) <= maxTracked {
		return
	}
	var oldest string
	for p, c := range r.changes {
		if oldest == "" || c.At.Before(r.changes[oldest].At) {
			oldest = p
		}
	}
	delete(r.changes, oldest)
}

// Recent returns up to n changes, most recent first.
func (r *Recorder) Recent(n int) []Change {
	r.mu.Lock()
	out := make([]Change, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].Path < out[j].Path
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.fsw.Close()
	})
	return err
}

// ignored skips hidden paths, editor backups and skipped directories.
func ignored(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return true
		}
	}
	base := filepath.Base(rel)
	return strings.HasPrefix(base, ".") || strings.HasPrefix(base, "#") || strings.HasSuffix(base, "~")
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Remove):
		return "removed"
	case op.Has(fsnotify.Rename):
		return "renamed"
	case op.Has(fsnotify.Create):
		return "created"
	default:
		return "modified"
	}
}
