package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// EventOp classifies a collapsed watcher emission.
type EventOp int

// Watcher event kinds. opIgnoreMarker is the synthetic suppression
// marker injected by the reconciler before self-induced disk writes;
// it never leaves the debounce buffer.
const (
	OpAdd EventOp = iota
	OpChange
	OpUnlink
	OpAddDir
	OpUnlinkDir
	opIgnoreMarker
)

// String returns the event kind name.
func (op EventOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpUnlink:
		return "unlink"
	case OpAddDir:
		return "addDir"
	case OpUnlinkDir:
		return "unlinkDir"
	case opIgnoreMarker:
		return "ignore"
	default:
		return "unknown"
	}
}

// Event is one collapsed filesystem observation.
type Event struct {
	Op   EventOp
	Path string // absolute local path
}

// watcherEventBuf sizes the outbound event channel.
const watcherEventBuf = 256

// Watcher observes the local root recursively via fsnotify. Raw events
// are coalesced per path: each raw event appends to a per-path buffer
// and resets a debounce timer; when the timer fires the buffer collapses
// to at most one emission. An ignore marker anywhere in the buffer
// drops the path entirely, which is how the reconciler's own disk
// writes are kept out of the upload path.
type Watcher struct {
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	out      chan Event
	errs     chan error
	logger   *slog.Logger

	mu      stdsync.Mutex
	buffers map[string][]EventOp
	timers  map[string]*time.Timer
	dirs    map[string]bool // watched directories, for unlink classification
	ready   bool            // initial scan complete; events before this are dropped
	closed  bool
}

// NewWatcher creates a watcher for the local root. Start must be called
// before events are delivered.
func NewWatcher(root string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sync: creating fs watcher: %w", err)
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		fsw:      fsw,
		out:      make(chan Event, watcherEventBuf),
		errs:     make(chan error, 1),
		logger:   logger,
		buffers:  make(map[string][]EventOp),
		timers:   make(map[string]*time.Timer),
		dirs:     make(map[string]bool),
	}, nil
}

// Events returns the collapsed event stream.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Errors returns the fatal error stream (currently only root removal).
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Start performs the initial recursive scan (registering a watch on
// every directory) and launches the raw event loop. Raw events that
// arrive before the scan completes are silently dropped.
func (w *Watcher) Start(ctx context.Context) error {
	go w.loop(ctx)

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("scan error", slog.String("path", path), slog.String("error", walkErr.Error()))
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if addErr := w.fsw.Add(path); addErr != nil {
			return fmt.Errorf("sync: watching %s: %w", path, addErr)
		}

		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()

		return nil
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.ready = true
	dirCount := len(w.dirs)
	w.mu.Unlock()

	w.logger.Info("watcher ready",
		slog.String("root", w.root),
		slog.Int("dirs", dirCount),
	)

	return nil
}

// Close stops the watcher. Pending debounce timers are discarded and
// the outbound channel is closed.
func (w *Watcher) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return nil
	}

	w.closed = true

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}

	w.mu.Unlock()

	err := w.fsw.Close()
	close(w.out)

	return err
}

// Ignore injects a suppression marker for path, scoped to the next
// debounce fire. The reconciler calls this immediately before every
// disk write it performs, so the resulting raw events are absorbed in
// the same buffer as the marker and never re-emitted.
func (w *Watcher) Ignore(path string) {
	w.buffer(path, opIgnoreMarker)
}

// loop consumes raw fsnotify events until the watcher closes.
func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.handleRaw(raw)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.logger.Warn("fs watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleRaw classifies one raw fsnotify event and feeds the debounce
// buffer. Chmod-only noise is filtered; names are NFC-normalized.
func (w *Watcher) handleRaw(raw fsnotify.Event) {
	if raw.Has(fsnotify.Chmod) && !raw.Has(fsnotify.Create) && !raw.Has(fsnotify.Write) {
		return
	}

	path := norm.NFC.String(filepath.Clean(raw.Name))

	if path == w.root && (raw.Has(fsnotify.Remove) || raw.Has(fsnotify.Rename)) {
		w.logger.Error("local root removed", slog.String("root", w.root))

		select {
		case w.errs <- ErrRootRemoved:
		default:
		}

		return
	}

	switch {
	case raw.Has(fsnotify.Create):
		w.handleRawCreate(path)

	case raw.Has(fsnotify.Write):
		w.buffer(path, OpChange)

	case raw.Has(fsnotify.Remove) || raw.Has(fsnotify.Rename):
		w.handleRawRemove(path)
	}
}

// handleRawCreate stats the created path, registers watches on new
// directories, and scans them for entries created before the watch
// registration landed.
func (w *Watcher) handleRawCreate(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Removed again before we could stat it.
		w.logger.Debug("stat failed for created path",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	if !info.IsDir() {
		w.buffer(path, OpAdd)
		return
	}

	if addErr := w.fsw.Add(path); addErr != nil {
		w.logger.Warn("failed to watch new directory",
			slog.String("path", path), slog.String("error", addErr.Error()))
	}

	w.mu.Lock()
	w.dirs[path] = true
	w.mu.Unlock()

	w.buffer(path, OpAddDir)
	w.scanNewDirectory(path)
}

// scanNewDirectory emits events for entries that were created inside a
// new directory before its watch existed. Duplicates against genuine
// fsnotify events are harmless — the debounce buffer collapses them.
func (w *Watcher) scanNewDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Debug("scan of new directory failed",
			slog.String("path", dir), slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		path := norm.NFC.String(filepath.Join(dir, entry.Name()))

		if entry.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				w.logger.Warn("failed to watch nested directory",
					slog.String("path", path), slog.String("error", addErr.Error()))
			}

			w.mu.Lock()
			w.dirs[path] = true
			w.mu.Unlock()

			w.buffer(path, OpAddDir)
			w.scanNewDirectory(path)

			continue
		}

		w.buffer(path, OpAdd)
	}
}

// handleRawRemove classifies a removal as file or directory using the
// watched-directory set (the entry is already gone, so stat is useless).
// Only the removed path itself is buffered; children of a removed
// directory are emitted from their own raw events, each on its own
// debounce timer.
func (w *Watcher) handleRawRemove(path string) {
	w.mu.Lock()
	isDir := w.dirs[path]

	if isDir {
		delete(w.dirs, path)
	}
	w.mu.Unlock()

	if isDir {
		w.buffer(path, OpUnlinkDir)
		return
	}

	w.buffer(path, OpUnlink)
}

// buffer appends an op to the per-path buffer and resets the debounce
// timer. Events before readiness are dropped; ignore markers are
// accepted at any time so a reconciler write during bootstrap still
// suppresses its own events.
func (w *Watcher) buffer(path string, op EventOp) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if !w.ready && op != opIgnoreMarker {
		return
	}

	w.buffers[path] = append(w.buffers[path], op)

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}

	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path)
	})
}

// flush collapses and emits the buffer for one path when its debounce
// window closes: an ignore marker drops the path; otherwise the last
// structural event (unlink, unlinkDir, add, addDir) wins; otherwise
// the last buffered event is emitted.
func (w *Watcher) flush(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := w.buffers[path]
	delete(w.buffers, path)
	delete(w.timers, path)

	if w.closed {
		return
	}

	op, emit := collapse(buf)
	if !emit {
		w.logger.Debug("suppressed self-induced events", slog.String("path", path))
		return
	}

	w.logger.Debug("emitting event",
		slog.String("path", path),
		slog.String("op", op.String()),
	)

	// Non-blocking send: dropping under backpressure beats deadlocking
	// against Close. A dropped event is logged and not re-delivered.
	select {
	case w.out <- Event{Op: op, Path: path}:
	default:
		w.logger.Warn("event dropped, channel full",
			slog.String("path", path),
			slog.String("op", op.String()),
		)
	}
}

// collapse reduces a raw event buffer to a single emission.
func collapse(buf []EventOp) (EventOp, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	for _, op := range buf {
		if op == opIgnoreMarker {
			return 0, false
		}
	}

	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case OpUnlink, OpUnlinkDir, OpAdd, OpAddDir:
			return buf[i], true
		}
	}

	return buf[len(buf)-1], true
}
