// Package sync implements the bidirectional sync engine for drivemirror:
// the remote-metadata cache, the change-feed consumer, the local
// filesystem watcher with debounce and ignore suppression, the
// reconciler, and the persistence of sync state across restarts.
package sync

import (
	"context"
	"errors"
	"io"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// Sentinel errors callers branch on.
var (
	// ErrRootRemoved is returned when the local root directory itself
	// disappears. It is ambiguous whether to recreate the tree or delete
	// everything remote, so the engine exits instead.
	ErrRootRemoved = errors.New("sync: local root removed")

	// ErrStopped is returned by Queue.Push after shutdown has begun.
	ErrStopped = errors.New("sync: queue stopped")
)

// NotifyFunc receives human-readable status messages from the engine.
type NotifyFunc func(msg string)

// --- Consumer-defined interfaces for the Drive adapter ---
// These decouple the engine from the concrete gdrive.Client, following
// the "accept interfaces, return structs" convention. Tests substitute
// an in-memory fake.

// RemoteClient is the full contract the engine needs from the cloud
// drive, satisfied by *gdrive.Client.
type RemoteClient interface {
	// ListFolder returns the direct untrashed children of a folder.
	ListFolder(ctx context.Context, folderID string) ([]*gdrive.FileInfo, error)
	// Pace inserts the structure-walk pause between folder listings.
	Pace(ctx context.Context) error
	// GetInfo fetches metadata for one entity.
	GetInfo(ctx context.Context, id string) (*gdrive.FileInfo, error)
	// Download opens a content stream; the caller closes it.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	// Create makes a new remote entity, uploading body when non-nil.
	Create(ctx context.Context, info *gdrive.FileInfo, body io.Reader) (*gdrive.FileInfo, error)
	// Update replaces the content of an existing remote file.
	Update(ctx context.Context, id string, body io.Reader) (*gdrive.FileInfo, error)
	// Delete removes a remote entity.
	Delete(ctx context.Context, id string) error
	// StartPageToken fetches the changes-feed cursor for "now".
	StartPageToken(ctx context.Context) (string, error)
	// Changes fetches one page of the changes feed.
	Changes(ctx context.Context, pageToken string) (*gdrive.ChangePage, error)
}

// StateStore persists the engine state document. Saves are
// whole-document with atomic replace-on-write semantics.
type StateStore interface {
	Load(ctx context.Context, accountID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Close() error
}
