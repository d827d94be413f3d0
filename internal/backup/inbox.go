package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	"github.com/klyro-app/klyro-sync/internal/metrics"
	"github.com/klyro-app/klyro-sync/internal/snapshot"
	"github.com/klyro-app/klyro-sync/internal/storage"
)

const (
	// DefaultSettle is how long a file must go without writes before it
	// is imported.
	DefaultSettle = 250 * time.Millisecond

	importedDir = "imported"
	failedDir   = "failed"
)

// Result describes one inbox import.
type Result struct {
	Path string
	Doc  *snapshot.Document
	Err  error
}

// Inbox imports backup files dropped into a directory. Imported files
// move to imported/, files that fail to decode move to failed/.
type Inbox struct {
	dir    string
	store  *storage.Store
	logger *slog.Logger

	// Settle overrides DefaultSettle.
	Settle time.Duration

	// OnResult is called after each file is handled.
	OnResult func(Result)

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

// NewInbox creates an inbox on dir that imports into s.
func NewInbox(dir string, s *storage.Store, logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:     dir,
		store:   s,
		logger:  logger,
		Settle:  DefaultSettle,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 16),
		done:    make(chan struct{}),
	}
}

// Run imports files already in the inbox, then watches it until ctx is
// cancelled. It must be called at most once.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o700); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	defer close(in.done)
	defer in.stopTimers()

	if err := in.scan(ctx); err != nil {
		return err
	}

	in.logger.Info("watching import inbox", slog.String("dir", in.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.schedule(event.Name)
			}

		case path := <-in.ready:
			in.handle(ctx, path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			in.logger.Warn("inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

func (in *Inbox) scan(ctx context.Context) error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && IsBackupFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		in.handle(ctx, filepath.Join(in.dir, name))
	}

	return nil
}

// schedule (re)starts the settle timer for path. Editors and copies emit
// several writes per file.
func (in *Inbox) schedule(path string) {
	if !IsBackupFile(path) {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.pending[path]; ok {
		t.Reset(in.Settle)
		return
	}

	in.pending[path] = time.AfterFunc(in.Settle, func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()

		select {
		case in.ready <- path:
		case <-in.done:
		}
	})
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()

	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
}

func (in *Inbox) handle(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	res := Result{Path: path}

	raw, err := ReadFile(path)
	if err == nil {
		res.Doc, err = snapshot.Import(ctx, in.store, raw)
	}

	res.Err = err

	dest := importedDir

	switch {
	case err == nil:
		metrics.BackupImports.WithLabelValues("ok").Inc()
		in.logger.Info("backup imported",
			slog.String("file", filepath.Base(path)),
			slog.String("version", res.Doc.Version),
		)
	case errors.Is(err, klyroerrors.ErrLocalPersistence):
		// Leave the file for a retry once space is freed.
		metrics.BackupImports.WithLabelValues("error").Inc()
		in.logger.Error("backup import failed", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))

		dest = ""
	default:
		metrics.BackupImports.WithLabelValues("rejected").Inc()
		in.logger.Warn("backup rejected", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))

		dest = failedDir
	}

	if dest != "" {
		if err := in.move(path, dest); err != nil {
			in.logger.Warn("moving handled backup", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		} else {
			res.Path = filepath.Join(in.dir, dest, filepath.Base(path))
		}
	}

	if in.OnResult != nil {
		in.OnResult(res)
	}
}

func (in *Inbox) move(path, sub string) error {
	dir := filepath.Join(in.dir, sub)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
