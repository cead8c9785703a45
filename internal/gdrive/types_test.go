package gdrive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
)

func TestToFileInfo_RegularFile(t *testing.T) {
	t.Parallel()

	info := toFileInfo(&drive.File{
		Id:           "f1",
		Name:         "report.pdf",
		MimeType:     "application/pdf",
		Md5Checksum:  "abc123",
		Size:         2048,
		ModifiedTime: "2026-03-01T10:30:00Z",
		Parents:      []string{"p1", "p2"},
	})

	assert.Equal(t, "f1", info.ID)
	assert.Equal(t, "report.pdf", info.Name)
	assert.False(t, info.IsFolder())
	require.True(t, info.HasSize())
	assert.Equal(t, int64(2048), *info.Size)
	assert.Equal(t, []string{"p1", "p2"}, info.Parents)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), info.ModifiedTime)
}

func TestToFileInfo_EmptyFileKeepsSize(t *testing.T) {
	t.Parallel()

	// Zero-byte binary files still carry a checksum; they must not be
	// confused with sizeless native docs.
	info := toFileInfo(&drive.File{
		Id:          "f2",
		Name:        "empty.bin",
		MimeType:    "application/octet-stream",
		Md5Checksum: "d41d8cd98f00b204e9800998ecf8427e",
	})

	require.True(t, info.HasSize())
	assert.Equal(t, int64(0), *info.Size)
}

func TestToFileInfo_NativeDocHasNoSize(t *testing.T) {
	t.Parallel()

	info := toFileInfo(&drive.File{
		Id:       "doc1",
		Name:     "meeting notes",
		MimeType: "application/vnd.google-apps.document",
	})

	assert.False(t, info.HasSize())
	assert.False(t, info.IsFolder())
}

func TestToFileInfo_Folder(t *testing.T) {
	t.Parallel()

	info := toFileInfo(&drive.File{
		Id:       "d1",
		Name:     "Projects",
		MimeType: "application/vnd.google-apps.folder",
	})

	assert.True(t, info.IsFolder())
	assert.False(t, info.HasSize())
}

func TestToChange(t *testing.T) {
	t.Parallel()

	removed := toChange(&drive.Change{FileId: "gone", Removed: true})
	assert.Equal(t, "gone", removed.FileID)
	assert.True(t, removed.Removed)
	assert.Nil(t, removed.File)

	updated := toChange(&drive.Change{
		FileId: "f1",
		File:   &drive.File{Id: "f1", Name: "x.txt", MimeType: "text/plain", Md5Checksum: "abc"},
	})
	require.NotNil(t, updated.File)
	assert.Equal(t, "x.txt", updated.File.Name)
}

func TestToDriveFile(t *testing.T) {
	t.Parallel()

	mtime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	f := toDriveFile(&FileInfo{
		Name:         "up.txt",
		MimeType:     "text/plain",
		Parents:      []string{"p1"},
		ModifiedTime: mtime,
	})

	assert.Equal(t, "up.txt", f.Name)
	assert.Equal(t, []string{"p1"}, f.Parents)
	assert.Equal(t, "2026-01-02T03:04:05Z", f.ModifiedTime)
}
