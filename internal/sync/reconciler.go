package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// ignorer is the watcher surface the reconciler needs: a suppression
// marker for the path it is about to write. Tests use a no-op.
type ignorer interface {
	Ignore(path string)
}

// Reconciler is the single writer over state, cache, disk, and remote.
// Every entry point runs under the engine mutex; remote changes and
// local events funnel through it one at a time. The write order on
// every mutation is: update cache → perform disk op (with prior
// ignore) → save state.
type Reconciler struct {
	cache   *Cache
	remote  RemoteClient
	watcher ignorer
	persist func(ctx context.Context) error
	logger  *slog.Logger
}

// NewReconciler wires the reconciler's collaborators. persist snapshots
// the cache into the state document and saves it; the engine provides
// it so local mutations and remote applications share one save path.
func NewReconciler(
	cache *Cache, remote RemoteClient, watcher ignorer,
	persist func(ctx context.Context) error, logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		cache:   cache,
		remote:  remote,
		watcher: watcher,
		persist: persist,
		logger:  logger,
	}
}

// shouldIgnore reports whether an entity is never materialized on disk:
// the root itself, or a non-folder without downloadable content
// (native editor documents).
func (r *Reconciler) shouldIgnore(info *gdrive.FileInfo) bool {
	return info.ID == r.cache.RootID() || (!info.IsFolder() && !info.HasSize())
}

// noChange reports whether updated metadata carries nothing the engine
// must act on: same name, same parent set, and a modification time
// that has not moved forward. The one-sided timestamp comparison is
// the guard against time regression — an older timestamp never counts
// as an update.
func noChange(updated, old *gdrive.FileInfo) bool {
	if updated.Name != old.Name {
		return false
	}

	if !sameParentSet(updated.Parents, old.Parents) {
		return false
	}

	return !updated.ModifiedTime.After(old.ModifiedTime)
}

// sameParentSet compares parent id slices as sets.
func sameParentSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for _, id := range a {
		if !slices.Contains(b, id) {
			return false
		}
	}

	return true
}

// ApplyRemoteChange applies one change-feed entry to cache and disk.
// The returned bool reports whether the change produced any effect
// (the caller saves state for effective changes). Remote faults
// propagate; local filesystem faults are logged and the effect for
// that path is lost, at-most-once best-effort.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, c gdrive.Change) (bool, error) {
	if c.Removed {
		return r.removeRemoteEntity(c.FileID), nil
	}

	// Some feed entries carry no file payload; refresh from the remote.
	if c.File == nil {
		info, err := r.getInfo(ctx, c.FileID, true)
		if err != nil {
			return false, fmt.Errorf("sync: refreshing metadata for %s: %w", c.FileID, err)
		}

		c.File = info
	}

	if c.File.Trashed {
		return r.removeRemoteEntity(c.FileID), nil
	}

	old, known := r.cache.Get(c.FileID)
	if !known {
		r.cache.Store(c.File)

		effect, err := r.download(ctx, c.File)
		if err != nil {
			// Roll back so the retried change is not mistaken for
			// already-applied metadata.
			r.cache.Remove(c.FileID)
		}

		return effect, err
	}

	oldPaths := r.cache.PathsOf(old)
	r.cache.Store(c.File)
	newPaths := r.cache.PathsOf(c.File)

	if noChange(c.File, old) {
		return false, nil
	}

	// Entity lies outside the mirrored tree on both sides of the change.
	if len(oldPaths) == 0 && len(newPaths) == 0 {
		return false, nil
	}

	if c.File.MD5Checksum != old.MD5Checksum {
		for _, p := range oldPaths {
			r.removeLocalPath(p)
		}

		return r.downloadOrRevert(ctx, c.File, old)
	}

	if len(oldPaths) == 0 && len(newPaths) > 0 {
		return r.downloadOrRevert(ctx, c.File, old)
	}

	if r.shouldIgnore(c.File) {
		return false, nil
	}

	if !slices.Equal(oldPaths, newPaths) {
		r.changePaths(c.File, oldPaths, newPaths)
		return true, nil
	}

	return false, nil
}

// getInfo returns metadata for an id, hitting the remote when the
// cache misses or a refresh is forced. Fetched metadata is returned
// without being stored; the caller decides when to store it.
func (r *Reconciler) getInfo(ctx context.Context, id string, forceRefresh bool) (*gdrive.FileInfo, error) {
	if !forceRefresh {
		if info, ok := r.cache.Get(id); ok {
			return info, nil
		}
	}

	info, err := r.remote.GetInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	return info, nil
}

// downloadOrRevert downloads updated content, restoring the previous
// metadata on remote fault so the change replays cleanly next cycle.
func (r *Reconciler) downloadOrRevert(
	ctx context.Context, updated, old *gdrive.FileInfo,
) (bool, error) {
	effect, err := r.download(ctx, updated)
	if err != nil {
		r.cache.Store(old)
	}

	return effect, err
}

// removeRemoteEntity deletes every local path that resolved through
// the id and evicts it from the cache.
func (r *Reconciler) removeRemoteEntity(id string) bool {
	removed := r.cache.Remove(id)
	if len(removed) == 0 {
		return false
	}

	for _, p := range removed {
		r.removeLocalPath(p)
	}

	r.logger.Info("removed remote entity locally",
		slog.String("id", id),
		slog.Int("paths", len(removed)),
	)

	return true
}

// removeLocalPath ignore-marks and deletes one local path.
func (r *Reconciler) removeLocalPath(path string) {
	r.watcher.Ignore(path)

	if err := os.RemoveAll(path); err != nil {
		r.logger.Warn("local remove failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// download materializes an entity at every resolved path. Folders
// become directories at each alias; files are downloaded once and
// copied to the remaining aliases. Ignorable entities and entities
// outside the tree are skipped. Partial writes are removed on error so
// the watcher never re-uploads a truncated file.
func (r *Reconciler) download(ctx context.Context, info *gdrive.FileInfo) (bool, error) {
	if r.shouldIgnore(info) {
		return false, nil
	}

	paths := r.cache.PathsOf(info)
	if len(paths) == 0 {
		return false, nil
	}

	if info.IsFolder() {
		for _, p := range paths {
			r.watcher.Ignore(p)

			if err := os.MkdirAll(p, 0o755); err != nil {
				r.logger.Warn("mkdir failed",
					slog.String("path", p), slog.String("error", err.Error()))
			}
		}

		return true, nil
	}

	first := paths[0]

	if err := r.downloadTo(ctx, info.ID, first); err != nil {
		return false, err
	}

	for _, p := range paths[1:] {
		r.copyPath(first, p)
	}

	r.logger.Info("downloaded",
		slog.String("id", info.ID),
		slog.String("path", first),
		slog.Int("aliases", len(paths)-1),
	)

	return true, nil
}

// downloadTo streams remote content directly to dst. No temporary
// files: a failed write removes the partial destination instead.
func (r *Reconciler) downloadTo(ctx context.Context, id, dst string) error {
	body, err := r.remote.Download(ctx, id)
	if err != nil {
		return err
	}
	defer body.Close()

	r.watcher.Ignore(filepath.Dir(dst))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		r.logger.Warn("mkdir for download failed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return nil
	}

	r.watcher.Ignore(dst)

	f, err := os.Create(dst)
	if err != nil {
		r.logger.Warn("create for download failed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return nil
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		r.watcher.Ignore(dst)
		os.Remove(dst)

		r.logger.Warn("download write failed, partial removed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return nil
	}

	return f.Close()
}

// copyPath replicates src at dst: directories materialize via mkdir,
// files via byte copy. Used for alias fan-out.
func (r *Reconciler) copyPath(src, dst string) {
	r.watcher.Ignore(filepath.Dir(dst))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		r.logger.Warn("mkdir for copy failed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return
	}

	info, err := os.Stat(src)
	if err != nil {
		r.logger.Warn("copy source missing",
			slog.String("path", src), slog.String("error", err.Error()))

		return
	}

	r.watcher.Ignore(dst)

	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			r.logger.Warn("mkdir for copy failed",
				slog.String("path", dst), slog.String("error", err.Error()))
		}

		return
	}

	in, err := os.Open(src)
	if err != nil {
		r.logger.Warn("copy open failed",
			slog.String("path", src), slog.String("error", err.Error()))

		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		r.logger.Warn("copy create failed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		r.watcher.Ignore(dst)
		os.Remove(dst)

		r.logger.Warn("copy write failed, partial removed",
			slog.String("path", dst), slog.String("error", err.Error()))

		return
	}

	out.Close()
}

// changePaths reconciles a path-set change (rename, move, or parent
// set change) on disk. Paths leaving the set pair up with paths
// entering it as renames; leftover departures are deleted; leftover
// arrivals are copied from the first surviving path. Every touched
// path is ignore-marked first.
func (r *Reconciler) changePaths(info *gdrive.FileInfo, oldPaths, newPaths []string) {
	removed := diffPaths(oldPaths, newPaths)
	added := diffPaths(newPaths, oldPaths)

	n := min(len(removed), len(added))

	for i := 0; i < n; i++ {
		src, dst := removed[i], added[i]

		r.watcher.Ignore(filepath.Dir(dst))

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			r.logger.Warn("mkdir for rename failed",
				slog.String("path", dst), slog.String("error", err.Error()))

			continue
		}

		r.watcher.Ignore(src)
		r.watcher.Ignore(dst)

		if err := os.Rename(src, dst); err != nil {
			r.logger.Warn("rename failed",
				slog.String("from", src), slog.String("to", dst),
				slog.String("error", err.Error()))
		}
	}

	for _, p := range removed[n:] {
		r.removeLocalPath(p)
	}

	for _, p := range added[n:] {
		r.copyPath(newPaths[0], p)
	}

	r.logger.Info("paths changed",
		slog.String("id", info.ID),
		slog.Int("renamed", n),
		slog.Int("deleted", len(removed)-n),
		slog.Int("copied", max(len(added)-n, 0)),
	)
}

// diffPaths returns a\b preserving a's order.
func diffPaths(a, b []string) []string {
	var out []string

	for _, p := range a {
		if !slices.Contains(b, p) {
			out = append(out, p)
		}
	}

	return out
}

// --- Local event reactions ---

// AddLocalFile uploads a newly-observed local file. An already-mapped
// path routes to update instead. A missing parent mapping is an
// invariant violation: the event is dropped and logged.
func (r *Reconciler) AddLocalFile(ctx context.Context, path string) error {
	if _, ok := r.cache.IDForPath(path); ok {
		return r.UpdateLocalFile(ctx, path)
	}

	parentID, ok := r.cache.IDForPath(filepath.Dir(path))
	if !ok {
		r.logger.Error("no parent mapping for new local file, dropping event",
			slog.String("path", path))

		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		r.logger.Warn("open for upload failed",
			slog.String("path", path), slog.String("error", err.Error()))

		return nil
	}
	defer f.Close()

	info := &gdrive.FileInfo{
		Name:    filepath.Base(path),
		Parents: []string{parentID},
	}

	created, err := r.remote.Create(ctx, info, f)
	if err != nil {
		return fmt.Errorf("sync: uploading new file %s: %w", path, err)
	}

	r.cache.Store(created)

	r.logger.Info("uploaded new file",
		slog.String("path", path),
		slog.String("id", created.ID),
	)

	return r.persist(ctx)
}

// AddLocalDir creates a remote folder for a newly-observed local
// directory.
func (r *Reconciler) AddLocalDir(ctx context.Context, path string) error {
	if _, ok := r.cache.IDForPath(path); ok {
		return nil
	}

	parentID, ok := r.cache.IDForPath(filepath.Dir(path))
	if !ok {
		r.logger.Error("no parent mapping for new local directory, dropping event",
			slog.String("path", path))

		return nil
	}

	info := &gdrive.FileInfo{
		Name:     filepath.Base(path),
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	}

	created, err := r.remote.Create(ctx, info, nil)
	if err != nil {
		return fmt.Errorf("sync: creating remote folder for %s: %w", path, err)
	}

	r.cache.Store(created)

	r.logger.Info("created remote folder",
		slog.String("path", path),
		slog.String("id", created.ID),
	)

	return r.persist(ctx)
}

// UpdateLocalFile uploads changed local content. An unchanged md5
// against the cached metadata is a no-op, which is what breaks the
// feedback loop for downloads whose events escaped suppression. After
// upload the new bytes fan out to every other alias of the id.
func (r *Reconciler) UpdateLocalFile(ctx context.Context, path string) error {
	id, ok := r.cache.IDForPath(path)
	if !ok {
		return r.AddLocalFile(ctx, path)
	}

	info, ok := r.cache.Get(id)
	if !ok {
		return nil
	}

	sum, err := md5File(path)
	if err != nil {
		r.logger.Warn("md5 failed for changed file",
			slog.String("path", path), slog.String("error", err.Error()))

		return nil
	}

	if sum == info.MD5Checksum {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		r.logger.Warn("open for upload failed",
			slog.String("path", path), slog.String("error", err.Error()))

		return nil
	}
	defer f.Close()

	updated, err := r.remote.Update(ctx, id, f)
	if err != nil {
		return fmt.Errorf("sync: uploading changed file %s: %w", path, err)
	}

	r.cache.Store(updated)

	for _, alias := range r.cache.PathsOf(updated) {
		if alias == path {
			continue
		}

		r.copyPath(path, alias)
	}

	r.logger.Info("uploaded changed file",
		slog.String("path", path),
		slog.String("id", id),
	)

	return r.persist(ctx)
}

// RemoveLocal propagates a local deletion: every remaining alias is
// removed (ignore-marked), the remote entity is deleted, and the id is
// evicted. Unknown paths are a no-op. Directory removals arrive
// child-first from the watcher, so children are already gone by the
// time their parent's event lands here.
func (r *Reconciler) RemoveLocal(ctx context.Context, path string) error {
	id, ok := r.cache.IDForPath(path)
	if !ok {
		return nil
	}

	info, ok := r.cache.Get(id)
	if ok {
		for _, alias := range r.cache.PathsOf(info) {
			if alias == path {
				continue
			}

			r.removeLocalPath(alias)
		}
	}

	if err := r.remote.Delete(ctx, id); err != nil {
		return fmt.Errorf("sync: deleting remote %s for %s: %w", id, path, err)
	}

	r.cache.Remove(id)

	r.logger.Info("removed remotely",
		slog.String("path", path),
		slog.String("id", id),
	)

	return r.persist(ctx)
}

// md5File computes the hex MD5 of a file's content, matching the
// md5Checksum field Drive reports for binary files.
func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
