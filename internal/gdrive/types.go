// Package gdrive is a thin adapter over the Google Drive v3 API.
// It exposes exactly the operations the sync engine needs — folder
// listing, metadata and content fetch, create/update/delete, and the
// changes feed — and converts the API's wire types into the engine's
// FileInfo and Change representations.
package gdrive

import (
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
)

// folderMimeMarker identifies folder entities. Drive folders carry the
// mimeType "application/vnd.google-apps.folder".
const folderMimeMarker = "folder"

// FileInfo is the canonical remote metadata for one Drive entity.
// Parents is an ordered set of parent folder ids — Drive files may have
// several parents, in which case the entity materializes locally at
// every reachable path.
type FileInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	MD5Checksum  string    `json:"md5Checksum,omitempty"`
	Size         *int64    `json:"size,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Parents      []string  `json:"parents,omitempty"`
	Trashed      bool      `json:"trashed,omitempty"`
}

// IsFolder reports whether the entity is a directory.
func (f *FileInfo) IsFolder() bool {
	return strings.Contains(f.MimeType, folderMimeMarker)
}

// HasSize reports whether the entity has downloadable content. Native
// editor documents (Docs, Sheets) expose no size and no media stream.
func (f *FileInfo) HasSize() bool {
	return f.Size != nil
}

// Change is one entry from the changes feed.
// File is nil when Removed is set.
type Change struct {
	FileID  string    `json:"fileId"`
	Removed bool      `json:"removed"`
	File    *FileInfo `json:"file,omitempty"`
}

// ChangePage is one server response from the changes feed. Exactly one
// of NextPageToken (more pages follow) and NewStartPageToken (feed is
// drained; resume here next cycle) is non-empty.
type ChangePage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

// toFileInfo converts a drive.File into the engine representation.
func toFileInfo(f *drive.File) *FileInfo {
	info := &FileInfo{
		ID:          f.Id,
		Name:        f.Name,
		MimeType:    f.MimeType,
		MD5Checksum: f.Md5Checksum,
		Parents:     f.Parents,
		Trashed:     f.Trashed,
	}

	// The typed client cannot distinguish "size": "0" from an absent
	// size field. Binary files always carry an md5Checksum (empty files
	// included), so a sizeless checksum-less non-folder is a native doc.
	if !info.IsFolder() && (f.Size > 0 || f.Md5Checksum != "") {
		size := f.Size
		info.Size = &size
	}

	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			info.ModifiedTime = t
		}
	}

	return info
}

// toDriveFile converts engine metadata into a drive.File for create calls.
func toDriveFile(info *FileInfo) *drive.File {
	f := &drive.File{
		Name:     info.Name,
		MimeType: info.MimeType,
		Parents:  info.Parents,
	}

	if !info.ModifiedTime.IsZero() {
		f.ModifiedTime = info.ModifiedTime.Format(time.RFC3339)
	}

	return f
}

// toChange converts a drive.Change feed entry.
func toChange(c *drive.Change) Change {
	ch := Change{
		FileID:  c.FileId,
		Removed: c.Removed,
	}

	if c.File != nil {
		ch.File = toFileInfo(c.File)
	}

	return ch
}
