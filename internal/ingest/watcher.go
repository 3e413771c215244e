package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

const maxWatchedFileSize = 10 << 20 // 10MB

// DefaultInclude lists the file patterns ingested when none are configured.
var DefaultInclude = []string{"*.md", "*.txt", "*.html", "*.htm", "*.pdf"}

// ErrInvalidPattern is returned when an include pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid include pattern")

// Submitter accepts documents for indexing. Implemented by Service.
type Submitter interface {
	Submit(ctx context.Context, d storage.Document) (string, error)
}

// WatchConfig configures a directory watcher.
type WatchConfig struct {
	Dir      string
	Include  []string
	System   source.System // defaults to KnowledgeBase
	Debounce time.Duration // defaults to 250ms
}

// Watcher ingests files under a directory, once at startup and again
// whenever a matching file is created or written.
type Watcher struct {
	cfg      WatchConfig
	includes []glob.Glob
	submit   Submitter
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(cfg WatchConfig, submit Submitter) (*Watcher, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	cfg.Dir = dir
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", cfg.Dir)
	}
	if len(cfg.Include) == 0 {
		cfg.Include = DefaultInclude
	}
	if !cfg.System.Valid() {
		cfg.System = source.KnowledgeBase
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}

	includes := make([]glob.Glob, 0, len(cfg.Include))
	for _, p := range cfg.Include {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		includes = append(includes, g)
	}
	return &Watcher{
		cfg:      cfg,
		includes: includes,
		submit:   submit,
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Matches reports whether path (absolute or relative to the watched
// directory) is a file the watcher ingests.
func (w *Watcher) Matches(path string) bool {
	rel := w.rel(path)
	base := filepath.Base(rel)
	for _, g := range w.includes {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

func (w *Watcher) rel(path string) string {
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(w.cfg.Dir, path); err == nil {
			path = r
		}
	}
	return filepath.ToSlash(path)
}

// Scan ingests every matching file under the directory.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	var n int
	err := filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !w.Matches(path) {
			return nil
		}
		if err := w.ingestFile(ctx, path); err != nil {
			w.logger.Warn("ingest: skipping file", "path", path, "error", err)
			return nil
		}
		n++
		return nil
	})
	return n, err
}

// Run watches the directory tree until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.cfg.Dir); err != nil {
		return err
	}

	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("ingest: watcher error", "error", err)
		}
	}
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(fw, ev.Name); err != nil {
				w.logger.Warn("ingest: watching new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !w.Matches(ev.Name) {
		return
	}
	w.schedule(ctx, ev.Name)
}

// schedule debounces bursts of writes to the same file.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.ingestFile(ctx, path); err != nil {
			w.logger.Warn("ingest: file change not indexed", "path", path, "error", err)
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxWatchedFileSize))
	if err != nil {
		return err
	}

	format := FormatFor(path)
	if format == "" {
		format = FormatText
	}
	title, text, err := ExtractText(format, data)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	id, err := w.submit.Submit(ctx, storage.Document{
		System:     w.cfg.System.String(),
		ExternalID: w.rel(path),
		Title:      title,
		Content:    text,
		URL:        "file://" + filepath.ToSlash(abs),
		CreatedAt:  info.ModTime().UTC(),
	})
	if err != nil {
		return err
	}
	w.logger.Debug("ingest: file queued", "path", path, "document_id", id)
	return nil
}
