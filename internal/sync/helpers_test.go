package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// testLogger returns a logger that writes through t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// noopIgnorer satisfies the reconciler's watcher surface in tests that
// exercise disk effects directly.
type noopIgnorer struct{}

func (noopIgnorer) Ignore(string) {}

// recordingIgnorer captures every ignore-marked path.
type recordingIgnorer struct {
	mu    stdsync.Mutex
	paths []string
}

func (r *recordingIgnorer) Ignore(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paths = append(r.paths, path)
}

func (r *recordingIgnorer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.paths)
}

// memStore is an in-memory StateStore recording save counts.
type memStore struct {
	mu    stdsync.Mutex
	docs  map[string]*State
	saves int
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*State)}
}

func (s *memStore) Load(_ context.Context, accountID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.docs[accountID]; ok {
		return state, nil
	}

	return NewState(accountID), nil
}

func (s *memStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return fmt.Errorf("memstore: save disabled")
	}

	s.saves++
	s.docs[state.AccountID] = state

	return nil
}

func (s *memStore) Close() error { return nil }

// fakeRemote is an in-memory Drive for engine and reconciler tests.
// Entities live in infos; file content in blobs. Changes are served
// from a queue of pre-built pages.
type fakeRemote struct {
	mu         stdsync.Mutex
	infos      map[string]*gdrive.FileInfo
	blobs      map[string][]byte
	pages      []*gdrive.ChangePage
	startToken string
	nextID     int
	deleted    []string
	createErr  error
	updateErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		infos:      make(map[string]*gdrive.FileInfo),
		blobs:      make(map[string][]byte),
		startToken: "token-1",
	}
}

// addFile registers an entity (and content, for files) with the fake.
func (f *fakeRemote) addFile(info *gdrive.FileInfo, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.infos[info.ID] = info

	if content != nil {
		f.blobs[info.ID] = content
	}
}

func (f *fakeRemote) queuePage(page *gdrive.ChangePage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pages = append(f.pages, page)
}

func (f *fakeRemote) ListFolder(_ context.Context, folderID string) ([]*gdrive.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*gdrive.FileInfo

	for _, info := range f.infos {
		for _, parent := range info.Parents {
			if parent == folderID {
				out = append(out, info)
			}
		}
	}

	return out, nil
}

func (f *fakeRemote) Pace(context.Context) error { return nil }

func (f *fakeRemote) GetInfo(_ context.Context, id string) (*gdrive.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// "root" is the API alias for the drive root.
	if id == "root" {
		id = "root-id"
	}

	info, ok := f.infos[id]
	if !ok {
		return nil, fmt.Errorf("fake: no such file %s", id)
	}

	return info, nil
}

func (f *fakeRemote) Download(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("fake: no content for %s", id)
	}

	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (f *fakeRemote) Create(_ context.Context, info *gdrive.FileInfo, body io.Reader) (*gdrive.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextID++

	created := &gdrive.FileInfo{
		ID:           fmt.Sprintf("gen-%d", f.nextID),
		Name:         info.Name,
		MimeType:     info.MimeType,
		Parents:      info.Parents,
		ModifiedTime: time.Now(),
	}

	if body != nil {
		blob, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}

		sum := md5.Sum(blob)
		size := int64(len(blob))
		created.MD5Checksum = hex.EncodeToString(sum[:])
		created.Size = &size
		f.blobs[created.ID] = blob
	}

	f.infos[created.ID] = created

	return created, nil
}

func (f *fakeRemote) Update(_ context.Context, id string, body io.Reader) (*gdrive.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}

	info, ok := f.infos[id]
	if !ok {
		return nil, fmt.Errorf("fake: no such file %s", id)
	}

	blob, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum(blob)
	size := int64(len(blob))

	updated := *info
	updated.MD5Checksum = hex.EncodeToString(sum[:])
	updated.Size = &size
	updated.ModifiedTime = time.Now()

	f.infos[id] = &updated
	f.blobs[id] = blob

	return &updated, nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.infos, id)
	delete(f.blobs, id)
	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeRemote) StartPageToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.startToken, nil
}

func (f *fakeRemote) Changes(_ context.Context, _ string) (*gdrive.ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pages) == 0 {
		return &gdrive.ChangePage{NewStartPageToken: f.startToken}, nil
	}

	page := f.pages[0]
	f.pages = f.pages[1:]

	return page, nil
}

// fileInfo builds a test FileInfo for a regular file.
func fileInfo(id, name, md5sum string, size int64, parents ...string) *gdrive.FileInfo {
	return &gdrive.FileInfo{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		MD5Checksum:  md5sum,
		Size:         &size,
		ModifiedTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Parents:      parents,
	}
}

// folderInfo builds a test FileInfo for a folder.
func folderInfo(id, name string, parents ...string) *gdrive.FileInfo {
	return &gdrive.FileInfo{
		ID:           id,
		Name:         name,
		MimeType:     "application/vnd.google-apps.folder",
		ModifiedTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Parents:      parents,
	}
}

// md5hex returns the hex md5 of b, matching Drive's md5Checksum.
func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
