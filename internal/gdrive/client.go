package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// Field projections requested on every metadata call. Keeping the
// projection fixed means every FileInfo in the engine is complete.
const (
	fileFields   = "id, name, mimeType, md5Checksum, size, modifiedTime, parents, trashed"
	listFields   = "nextPageToken, files(" + fileFields + ")"
	changeFields = "nextPageToken, newStartPageToken, changes(fileId, removed, file(" + fileFields + "))"
)

// Pacing constants. Drive penalizes bursty listing with 403 rate-limit
// errors, so the adapter pauses between pages and between folder walks.
const (
	listPageSize   = 1000
	changePageSize = 100
	listChunkPause = 500 * time.Millisecond
	walkPause      = 100 * time.Millisecond
	retryBackoff   = 2 * time.Second
)

// Client wraps a *drive.Service with retry, paging, and pacing.
type Client struct {
	svc    *drive.Service
	logger *slog.Logger

	// sleepFunc waits between list pages and between folder walks.
	// Tests override this to avoid real delays. The retry pause in
	// tryTwice comes from the retry backoff, not from sleepFunc.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Drive adapter over an authenticated service.
func NewClient(svc *drive.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		svc:       svc,
		logger:    logger,
		sleepFunc: sleepCtx,
	}
}

// tryTwice runs fn, retrying exactly once after a 2s pause when the
// failure is a transient connectivity fault. Anything else propagates
// immediately.
func (c *Client) tryTwice(ctx context.Context, op string, fn func() error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))

	return retry.Do(ctx, backoff, func(_ context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if isTransient(err) {
			c.logger.Warn("transient fault, retrying once",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return err
	})
}

// isTransient reports whether err is a transient connectivity fault:
// a connection reset, a broken pipe, or a network timeout.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(err.Error(), "connection reset")
}

// ListFolder returns the direct, untrashed children of a folder,
// following pagination until the server returns no next token.
func (c *Client) ListFolder(ctx context.Context, folderID string) ([]*FileInfo, error) {
	var files []*FileInfo

	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	pageToken := ""

	for {
		var page *drive.FileList

		err := c.tryTwice(ctx, "files.list", func() error {
			var callErr error
			page, callErr = c.svc.Files.List().
				Q(query).
				PageSize(listPageSize).
				Corpora("user").
				Spaces("drive").
				Fields(listFields).
				PageToken(pageToken).
				Context(ctx).
				Do()

			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("gdrive: listing folder %s: %w", folderID, err)
		}

		for _, f := range page.Files {
			files = append(files, toFileInfo(f))
		}

		if page.NextPageToken == "" {
			break
		}

		pageToken = page.NextPageToken

		if err := c.sleepFunc(ctx, listChunkPause); err != nil {
			return nil, fmt.Errorf("gdrive: listing folder %s: %w", folderID, err)
		}
	}

	c.logger.Debug("listed folder",
		slog.String("folder_id", folderID),
		slog.Int("children", len(files)),
	)

	return files, nil
}

// Pace sleeps the structure-walk pause. Callers invoke it between
// recursive folder listings.
func (c *Client) Pace(ctx context.Context) error {
	return c.sleepFunc(ctx, walkPause)
}

// GetInfo fetches metadata for one entity.
func (c *Client) GetInfo(ctx context.Context, id string) (*FileInfo, error) {
	var f *drive.File

	err := c.tryTwice(ctx, "files.get", func() error {
		var callErr error
		f, callErr = c.svc.Files.Get(id).Fields(fileFields).Context(ctx).Do()

		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: getting %s: %w", id, err)
	}

	return toFileInfo(f), nil
}

// Download opens a content stream for a file. The caller owns the
// returned ReadCloser.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := c.tryTwice(ctx, "files.get media", func() error {
		resp, callErr := c.svc.Files.Get(id).Context(ctx).Download()
		if callErr != nil {
			return callErr
		}

		body = resp.Body

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: downloading %s: %w", id, err)
	}

	return body, nil
}

// Create creates a remote entity. A nil body creates a folder or an
// empty file; otherwise the body is uploaded as media.
func (c *Client) Create(ctx context.Context, info *FileInfo, body io.Reader) (*FileInfo, error) {
	var created *drive.File

	err := c.tryTwice(ctx, "files.create", func() error {
		call := c.svc.Files.Create(toDriveFile(info)).Fields(fileFields).Context(ctx)
		if body != nil {
			call = call.Media(body)
		}

		var callErr error
		created, callErr = call.Do()

		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating %q: %w", info.Name, err)
	}

	return toFileInfo(created), nil
}

// Update replaces the content of an existing remote file.
func (c *Client) Update(ctx context.Context, id string, body io.Reader) (*FileInfo, error) {
	var updated *drive.File

	err := c.tryTwice(ctx, "files.update", func() error {
		var callErr error
		updated, callErr = c.svc.Files.Update(id, &drive.File{}).
			Media(body).
			Fields(fileFields).
			Context(ctx).
			Do()

		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: updating %s: %w", id, err)
	}

	return toFileInfo(updated), nil
}

// Delete permanently removes a remote entity.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.tryTwice(ctx, "files.delete", func() error {
		return c.svc.Files.Delete(id).Context(ctx).Do()
	})
	if err != nil {
		// Deleting an already-deleted file is not a failure.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil
		}

		return fmt.Errorf("gdrive: deleting %s: %w", id, err)
	}

	return nil
}

// StartPageToken fetches the cursor marking "now" in the changes feed.
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	var token *drive.StartPageToken

	err := c.tryTwice(ctx, "changes.getStartPageToken", func() error {
		var callErr error
		token, callErr = c.svc.Changes.GetStartPageToken().Context(ctx).Do()

		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("gdrive: getting start page token: %w", err)
	}

	return token.StartPageToken, nil
}

// Changes fetches one page of the changes feed from the given cursor.
func (c *Client) Changes(ctx context.Context, pageToken string) (*ChangePage, error) {
	var list *drive.ChangeList

	err := c.tryTwice(ctx, "changes.list", func() error {
		var callErr error
		list, callErr = c.svc.Changes.List(pageToken).
			PageSize(changePageSize).
			Spaces("drive").
			RestrictToMyDrive(true).
			Fields(changeFields).
			Context(ctx).
			Do()

		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: listing changes: %w", err)
	}

	page := &ChangePage{
		NextPageToken:     list.NextPageToken,
		NewStartPageToken: list.NewStartPageToken,
	}

	for _, ch := range list.Changes {
		page.Changes = append(page.Changes, toChange(ch))
	}

	return page, nil
}

// sleepCtx waits for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
