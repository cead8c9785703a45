package sync

import (
	"path/filepath"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// maxPathDepth bounds recursive path resolution. The remote service is
// not expected to produce cycles in the parent graph, but the resolver
// must not loop if it does; paths deeper than this are dropped.
const maxPathDepth = 64

// Cache is the in-memory view of remote metadata: file-id → FileInfo,
// plus the derived index of absolute local path → file-id. The path
// index is a pure function of (infos, rootID, localRoot) and is
// recomputed after every mutation, so a folder rename automatically
// relocates every descendant alias.
//
// Cache is not safe for concurrent use; the reconciler is its single
// writer and all access happens under the engine mutex.
type Cache struct {
	rootID    string
	localRoot string
	infos     map[string]*gdrive.FileInfo
	paths     map[string]string // absolute local path → id
}

// NewCache creates an empty cache mirroring rootID at localRoot.
func NewCache(rootID, localRoot string) *Cache {
	return &Cache{
		rootID:    rootID,
		localRoot: localRoot,
		infos:     make(map[string]*gdrive.FileInfo),
		paths:     make(map[string]string),
	}
}

// Reset replaces the full metadata map (state load) and recomputes paths.
func (c *Cache) Reset(rootID string, infos map[string]*gdrive.FileInfo) {
	c.rootID = rootID

	c.infos = make(map[string]*gdrive.FileInfo, len(infos))
	for id, info := range infos {
		c.infos[id] = info
	}

	c.Recompute()
}

// RootID returns the id of the mirrored remote root folder.
func (c *Cache) RootID() string {
	return c.rootID
}

// Get returns the cached metadata for an id.
func (c *Cache) Get(id string) (*gdrive.FileInfo, bool) {
	info, ok := c.infos[id]
	return info, ok
}

// IDForPath resolves an absolute local path to its file id.
func (c *Cache) IDForPath(path string) (string, bool) {
	id, ok := c.paths[path]
	return id, ok
}

// Len returns the number of known entities.
func (c *Cache) Len() int {
	return len(c.infos)
}

// Infos returns the authoritative id → FileInfo map for persistence.
func (c *Cache) Infos() map[string]*gdrive.FileInfo {
	return c.infos
}

// Store inserts or replaces metadata and refreshes the path index.
func (c *Cache) Store(info *gdrive.FileInfo) {
	c.infos[info.ID] = info
	c.Recompute()
}

// Remove evicts an id and returns every local path that resolved
// through it before eviction.
func (c *Cache) Remove(id string) []string {
	info, ok := c.infos[id]
	if !ok {
		return nil
	}

	removed := c.PathsOf(info)

	delete(c.infos, id)
	c.Recompute()

	return removed
}

// PathsOf resolves every local path at which the entity materializes.
// The root resolves to the single local root path; an entity with no
// parents lies outside the tracked tree and resolves to nothing;
// otherwise the result is the cross product of the parents' paths
// joined with the entity name.
func (c *Cache) PathsOf(info *gdrive.FileInfo) []string {
	return c.pathsAt(info, 0)
}

func (c *Cache) pathsAt(info *gdrive.FileInfo, depth int) []string {
	if depth > maxPathDepth {
		return nil
	}

	if info.ID == c.rootID {
		return []string{c.localRoot}
	}

	if len(info.Parents) == 0 {
		return nil
	}

	var out []string

	for _, parentID := range info.Parents {
		parent, ok := c.infos[parentID]
		if !ok {
			continue
		}

		for _, parentPath := range c.pathsAt(parent, depth+1) {
			out = append(out, filepath.Join(parentPath, info.Name))
		}
	}

	return out
}

// Recompute rebuilds the path index from scratch. Every invariant on
// the index reduces to this function being a pure derivation of the
// metadata map.
func (c *Cache) Recompute() {
	c.paths = make(map[string]string, len(c.infos))

	if c.rootID != "" {
		c.paths[c.localRoot] = c.rootID
	}

	for id, info := range c.infos {
		for _, p := range c.PathsOf(info) {
			c.paths[p] = id
		}
	}
}
