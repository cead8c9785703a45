package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// newCycleEngine wires an engine for direct changeCycle tests, without
// a running watcher or queue.
func newCycleEngine(t *testing.T, remote *fakeRemote, store *memStore, state *State) (*Engine, string) {
	t.Helper()

	root := t.TempDir()

	e := &Engine{
		accountID:    state.AccountID,
		localRoot:    root,
		remoteRoot:   "root",
		remote:       remote,
		store:        store,
		pollInterval: defaultPollInterval,
		logger:       testLogger(t),
		notify:       func(string) {},
		state:        state,
	}

	e.cache = NewCache(state.RootID, root)
	e.cache.Reset(state.RootID, state.FileInfo)
	e.rec = NewReconciler(e.cache, remote, noopIgnorer{}, e.saveState, e.logger)

	return e, root
}

// syncedState builds a post-bootstrap state with just the root known.
func syncedState(accountID string) *State {
	state := NewState(accountID)
	state.RootID = "root-id"
	state.ChangeToken = "tok-1"
	state.Synced = true
	state.FileInfo["root-id"] = folderInfo("root-id", "My Drive")

	return state
}

func TestChangeCycle_AppliesFetchedChanges(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()
	e, root := newCycleEngine(t, remote, store, syncedState("acct"))

	content := []byte("abc")
	x := fileInfo("x", "x.txt", md5hex(content), 3, "root-id")
	remote.addFile(x, content)
	remote.queuePage(&gdrive.ChangePage{
		Changes:           []gdrive.Change{{FileID: "x", File: x}},
		NewStartPageToken: "tok-2",
	})

	require.NoError(t, e.changeCycle(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, "tok-2", e.state.ChangeToken)
	assert.Empty(t, e.state.ChangesToExecute)
	assert.Positive(t, store.saves)
}

func TestChangeCycle_TokenNeverRegresses(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()
	e, _ := newCycleEngine(t, remote, store, syncedState("acct"))

	// A drained feed reports the same cursor back.
	remote.startToken = "tok-1"

	require.NoError(t, e.changeCycle(context.Background()))
	assert.Equal(t, "tok-1", e.state.ChangeToken)

	remote.queuePage(&gdrive.ChangePage{NewStartPageToken: "tok-5"})
	require.NoError(t, e.changeCycle(context.Background()))
	assert.Equal(t, "tok-5", e.state.ChangeToken)
}

func TestChangeCycle_MultiPageFetch(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()
	e, root := newCycleEngine(t, remote, store, syncedState("acct"))

	aContent, bContent := []byte("first"), []byte("second")
	a := fileInfo("fa", "a.txt", md5hex(aContent), int64(len(aContent)), "root-id")
	b := fileInfo("fb", "b.txt", md5hex(bContent), int64(len(bContent)), "root-id")
	remote.addFile(a, aContent)
	remote.addFile(b, bContent)

	remote.queuePage(&gdrive.ChangePage{
		Changes:       []gdrive.Change{{FileID: "fa", File: a}},
		NextPageToken: "page-2",
	})
	remote.queuePage(&gdrive.ChangePage{
		Changes:           []gdrive.Change{{FileID: "fb", File: b}},
		NewStartPageToken: "tok-2",
	})

	require.NoError(t, e.changeCycle(context.Background()))

	assert.FileExists(t, filepath.Join(root, "a.txt"))
	assert.FileExists(t, filepath.Join(root, "b.txt"))
	assert.Equal(t, "tok-2", e.state.ChangeToken)
}

func TestChangeCycle_BufferedChangesApplyBeforeFetch(t *testing.T) {
	t.Parallel()

	// Crash-recovery: a previous run buffered changes and advanced the
	// token, then died before applying. The next cycle must apply the
	// leftovers before pulling fresh pages.
	remote := newFakeRemote()
	store := newMemStore()

	state := syncedState("acct")

	content := []byte("leftover")
	x := fileInfo("x", "x.txt", md5hex(content), int64(len(content)), "root-id")
	remote.addFile(x, content)

	state.ChangesToExecute = []gdrive.Change{{FileID: "x", File: x}}

	e, root := newCycleEngine(t, remote, store, state)

	require.NoError(t, e.changeCycle(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Empty(t, e.state.ChangesToExecute)
}

func TestChangeCycle_RemoteFaultKeepsChangeAtHead(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()
	e, root := newCycleEngine(t, remote, store, syncedState("acct"))

	// Metadata arrives but content is missing: the download faults.
	x := fileInfo("x", "x.txt", "aaa", 3, "root-id")
	remote.queuePage(&gdrive.ChangePage{
		Changes:           []gdrive.Change{{FileID: "x", File: x}},
		NewStartPageToken: "tok-2",
	})

	err := e.changeCycle(context.Background())
	require.Error(t, err)

	require.Len(t, e.state.ChangesToExecute, 1)
	assert.Equal(t, "x", e.state.ChangesToExecute[0].FileID)

	// Content appears; the retried cycle drains the buffer.
	remote.addFile(x, []byte("abc"))
	x.MD5Checksum = md5hex([]byte("abc"))

	require.NoError(t, e.changeCycle(context.Background()))
	assert.Empty(t, e.state.ChangesToExecute)
	assert.FileExists(t, filepath.Join(root, "x.txt"))
}

func TestChangeCycle_SkipsWhenNotSynced(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()

	state := syncedState("acct")
	state.Synced = false

	e, _ := newCycleEngine(t, remote, store, state)

	remote.queuePage(&gdrive.ChangePage{
		Changes:           []gdrive.Change{{FileID: "x", File: fileInfo("x", "x.txt", "aaa", 3, "root-id")}},
		NewStartPageToken: "tok-9",
	})

	require.NoError(t, e.changeCycle(context.Background()))

	// Nothing fetched, nothing applied.
	assert.Equal(t, "tok-1", e.state.ChangeToken)

	remote.mu.Lock()
	pagesLeft := len(remote.pages)
	remote.mu.Unlock()

	assert.Equal(t, 1, pagesLeft)
}

func TestChangeCycle_StoreFaultIsFatal(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	store := newMemStore()
	e, _ := newCycleEngine(t, remote, store, syncedState("acct"))

	remote.queuePage(&gdrive.ChangePage{
		Changes:           []gdrive.Change{{FileID: "x", File: fileInfo("x", "x.txt", "aaa", 3, "root-id")}},
		NewStartPageToken: "tok-2",
	})

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()

	err := e.changeCycle(context.Background())
	require.Error(t, err)
	assert.True(t, isStoreFault(err))
}

// notifyCollector gathers notify messages for assertion.
type notifyCollector struct {
	mu   stdsync.Mutex
	msgs []string
}

func (n *notifyCollector) add(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.msgs = append(n.msgs, msg)
}

func (n *notifyCollector) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.msgs) == 0 {
		return ""
	}

	return n.msgs[len(n.msgs)-1]
}

func (n *notifyCollector) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, m := range n.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}

	return false
}

func TestEngine_BootstrapFullRun(t *testing.T) {
	t.Parallel()

	// Remote: root ⊃ A ⊃ {x.txt (3 bytes), doc (native, sizeless)}.
	remote := newFakeRemote()
	remote.addFile(folderInfo("root-id", "My Drive"), nil)
	remote.addFile(folderInfo("a", "A", "root-id"), nil)

	content := []byte("abc")
	remote.addFile(fileInfo("x", "x.txt", md5hex(content), 3, "a"), content)
	remote.addFile(&gdrive.FileInfo{
		ID:       "d",
		Name:     "doc",
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{"a"},
	}, nil)

	store := newMemStore()
	root := t.TempDir()

	engine, err := New(&Config{
		AccountID: "acct",
		LocalRoot: root,
		Remote:    remote,
		Store:     store,
		Debounce:  testDebounce,
		Logger:    testLogger(t),
	})
	require.NoError(t, err)

	notes := &notifyCollector{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- engine.Run(ctx, notes.add)
	}()

	// Wait for bootstrap completion.
	require.Eventually(t, func() bool {
		return notes.contains("All done!")
	}, 5*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(root, "A", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.NoFileExists(t, filepath.Join(root, "A", "doc"), "native doc is not materialized")
	assert.True(t, notes.contains("All done! 1 files downloaded and 1 ignored."), "got: %s", notes.last())
	assert.True(t, notes.contains("Watching changes in the remote folder..."))
	assert.True(t, notes.contains("Getting files info..."))

	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	// Reloading the saved state reproduces the synced view.
	saved, err := store.Load(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, saved.Synced)
	assert.Equal(t, "root-id", saved.RootID)
	assert.Contains(t, saved.FileInfo, "x")
}

func TestEngine_LocalAddUploadsWithinDebounce(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote()
	remote.addFile(folderInfo("root-id", "My Drive"), nil)
	remote.addFile(folderInfo("a", "A", "root-id"), nil)

	store := newMemStore()
	root := t.TempDir()

	engine, err := New(&Config{
		AccountID:    "acct",
		LocalRoot:    root,
		Remote:       remote,
		Store:        store,
		Debounce:     testDebounce,
		PollInterval: time.Hour, // keep the change loop quiet
		Logger:       testLogger(t),
	})
	require.NoError(t, err)

	notes := &notifyCollector{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- engine.Run(ctx, notes.add)
	}()

	require.Eventually(t, func() bool {
		return notes.contains("All done!")
	}, 5*time.Second, 10*time.Millisecond)

	// User drops a new file into the mirrored tree.
	content := []byte("five5")
	path := filepath.Join(root, "A", "new.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()

		for _, info := range remote.infos {
			if info.Name == "new.txt" {
				return assert.ObjectsAreEqual([]string{"a"}, info.Parents)
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond, "local add did not reach the remote")

	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}
}
