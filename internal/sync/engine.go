package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStateStore marks state-persistence failures, which are fatal for
// the engine run.
var ErrStateStore = errors.New("sync: state store failure")

// defaultDebounce is the watcher's per-path quiescence window.
const defaultDebounce = 1 * time.Second

// Config holds the options for New. Uses a struct because the engine
// has too many collaborators for positional parameters.
type Config struct {
	AccountID    string        // key for the persisted state document
	LocalRoot    string        // absolute path to the mirrored directory
	RemoteRoot   string        // remote folder id to mirror ("root" for My Drive)
	Remote       RemoteClient  // satisfied by *gdrive.Client
	Store        StateStore    // satisfied by *SQLiteStore
	PollInterval time.Duration // changes-feed polling interval (0 → 8s)
	Debounce     time.Duration // watcher debounce window (0 → 1s)
	Logger       *slog.Logger
}

// Engine is the sync engine: one instance per account, a single
// logical writer over state, cache, disk, and remote. The mutex
// serializes the change loop against work-queue thunks; within either,
// the reconciler is the only mutator.
type Engine struct {
	accountID    string
	localRoot    string
	remoteRoot   string
	remote       RemoteClient
	store        StateStore
	pollInterval time.Duration
	debounce     time.Duration
	logger       *slog.Logger

	mu      stdsync.Mutex
	state   *State
	cache   *Cache
	rec     *Reconciler
	watcher *Watcher
	queue   *Queue
	syncing bool
	notify  NotifyFunc
}

// New creates an engine. Run starts it.
func New(cfg *Config) (*Engine, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("sync: account id required")
	}

	if cfg.LocalRoot == "" {
		return nil, errors.New("sync: local root required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	remoteRoot := cfg.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "root"
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	return &Engine{
		accountID:    cfg.AccountID,
		localRoot:    cfg.LocalRoot,
		remoteRoot:   remoteRoot,
		remote:       cfg.Remote,
		store:        cfg.Store,
		pollInterval: pollInterval,
		debounce:     debounce,
		logger:       logger,
		notify:       func(string) {},
	}, nil
}

// Run starts the engine and blocks until the context is canceled or a
// fatal fault occurs: load state, start the watcher and work queue,
// bootstrap if this is the first run, then poll the changes feed. On
// shutdown the change loop exits at its next sleep, the queue drains
// its in-flight thunk, the watcher closes, and a final save runs.
func (e *Engine) Run(ctx context.Context, notify NotifyFunc) error {
	if notify != nil {
		e.notify = notify
	}

	state, err := e.store.Load(ctx, e.accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateStore, err)
	}

	e.state = state
	e.cache = NewCache(state.RootID, e.localRoot)
	e.cache.Reset(state.RootID, state.FileInfo)

	watcher, err := NewWatcher(e.localRoot, e.debounce, e.logger)
	if err != nil {
		return err
	}

	e.watcher = watcher
	e.rec = NewReconciler(e.cache, e.remote, watcher, e.saveState, e.logger)
	e.queue = NewQueue(e.logger)

	if err := watcher.Start(ctx); err != nil {
		return err
	}

	e.queue.Start()

	e.logger.Info("engine starting",
		slog.String("account_id", e.accountID),
		slog.String("local_root", e.localRoot),
		slog.Bool("synced", state.Synced),
	)

	if !state.Synced {
		e.mu.Lock()
		err := e.bootstrap(ctx)
		e.mu.Unlock()

		if err != nil {
			e.shutdown(context.WithoutCancel(ctx))
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.runChangeLoop(gctx)
	})

	g.Go(func() error {
		return e.pumpLocalEvents(gctx)
	})

	g.Go(func() error {
		select {
		case err := <-e.watcher.Errors():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	runErr := g.Wait()

	e.shutdown(context.WithoutCancel(ctx))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}

// pumpLocalEvents moves collapsed watcher emissions onto the work
// queue, where they execute one at a time in arrival order.
func (e *Engine) pumpLocalEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-e.watcher.Events():
			if !ok {
				return nil
			}

			if err := e.queue.Push(func() {
				e.handleLocalEvent(ctx, ev)
			}); err != nil {
				return nil
			}
		}
	}
}

// handleLocalEvent routes one collapsed watcher event to the
// reconciler under the engine mutex. Faults drop the event: remote
// faults are surfaced through notify, local faults were already logged
// by the reconciler.
func (e *Engine) handleLocalEvent(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug("local event",
		slog.String("op", ev.Op.String()),
		slog.String("path", ev.Path),
	)

	var err error

	switch ev.Op {
	case OpAdd:
		err = e.rec.AddLocalFile(ctx, ev.Path)
	case OpChange:
		err = e.rec.UpdateLocalFile(ctx, ev.Path)
	case OpAddDir:
		err = e.rec.AddLocalDir(ctx, ev.Path)
	case OpUnlink, OpUnlinkDir:
		err = e.rec.RemoveLocal(ctx, ev.Path)
	}

	if err != nil {
		e.logger.Warn("local event dropped",
			slog.String("op", ev.Op.String()),
			slog.String("path", ev.Path),
			slog.String("error", err.Error()),
		)
		e.notify(fmt.Sprintf("Sync error: %v", err))
	}
}

// saveState snapshots the cache into the state document and saves the
// whole document. Runs under the engine mutex.
func (e *Engine) saveState(ctx context.Context) error {
	e.state.FileInfo = e.cache.Infos()

	if err := e.store.Save(ctx, e.state); err != nil {
		return fmt.Errorf("%w: %v", ErrStateStore, err)
	}

	return nil
}

// isStoreFault reports whether an error came from state persistence.
func isStoreFault(err error) bool {
	return errors.Is(err, ErrStateStore)
}

// shutdown stops the queue and watcher and attempts a final save.
func (e *Engine) shutdown(ctx context.Context) {
	e.queue.Stop()

	if err := e.watcher.Close(); err != nil {
		e.logger.Warn("watcher close failed", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.saveState(ctx); err != nil {
		e.logger.Error("final save failed", slog.String("error", err.Error()))
	}

	e.logger.Info("engine stopped")
}
