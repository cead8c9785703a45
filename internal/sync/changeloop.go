package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

// Change loop cadence. The loop sleeps between cycles and saves state
// at least this often while a long batch applies.
const (
	defaultPollInterval = 8 * time.Second
	saveInterval        = 30 * time.Second
)

// runChangeLoop polls the changes feed until the context is canceled.
// At most one instance runs, and only when the engine is synced and
// not bootstrapping. Cancellation lands at the inter-cycle sleep or
// between individual changes.
func (e *Engine) runChangeLoop(ctx context.Context) error {
	for {
		if err := e.changeCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			// Store faults are fatal; everything else retries next cycle.
			if isStoreFault(err) {
				return err
			}

			e.logger.Warn("change cycle failed",
				slog.String("error", err.Error()))
			e.notify(fmt.Sprintf("Sync error: %v", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.pollInterval):
		}
	}
}

// changeCycle performs one fetch-buffer-apply pass. The engine mutex
// is held for the duration, so remote application never interleaves
// with local-event thunks.
func (e *Engine) changeCycle(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Synced || e.syncing {
		return nil
	}

	// Leftovers from a crash mid-batch apply before fetching new pages.
	if len(e.state.ChangesToExecute) > 0 {
		e.logger.Info("applying buffered changes from previous run",
			slog.Int("count", len(e.state.ChangesToExecute)))

		if err := e.applyBuffered(ctx); err != nil {
			return err
		}
	}

	collected, newToken, err := e.fetchChanges(ctx)
	if err != nil {
		return err
	}

	if len(collected) == 0 && newToken == e.state.ChangeToken {
		return nil
	}

	// The token advances only after its changes are buffered; a crash
	// between here and application replays from ChangesToExecute.
	e.state.ChangesToExecute = append(e.state.ChangesToExecute, collected...)
	e.state.ChangeToken = newToken

	if err := e.saveState(ctx); err != nil {
		return err
	}

	return e.applyBuffered(ctx)
}

// fetchChanges drains the changes feed from the current token. The
// server's newStartPageToken becomes the next cycle's cursor.
func (e *Engine) fetchChanges(ctx context.Context) ([]gdrive.Change, string, error) {
	token := e.state.ChangeToken
	newToken := token

	var collected []gdrive.Change

	for {
		page, err := e.remote.Changes(ctx, token)
		if err != nil {
			return nil, "", fmt.Errorf("sync: fetching changes: %w", err)
		}

		collected = append(collected, page.Changes...)

		if page.NewStartPageToken != "" {
			newToken = page.NewStartPageToken
		}

		if page.NextPageToken == "" {
			break
		}

		token = page.NextPageToken
	}

	if len(collected) > 0 {
		e.logger.Info("fetched remote changes", slog.Int("count", len(collected)))
	}

	return collected, newToken, nil
}

// applyBuffered applies the pending change buffer head-first, popping
// each change as it lands. State is saved after every change that
// produced an effect and at least every 30 seconds while changes
// apply. A remote fault leaves the failed change at the head for the
// next cycle; local filesystem faults were already absorbed by the
// reconciler, so the buffer still drains.
func (e *Engine) applyBuffered(ctx context.Context) error {
	lastSave := time.Now()

	for len(e.state.ChangesToExecute) > 0 {
		if ctx.Err() != nil {
			return e.saveState(ctx)
		}

		c := e.state.ChangesToExecute[0]

		effect, err := e.rec.ApplyRemoteChange(ctx, c)
		if err != nil {
			if saveErr := e.saveState(ctx); saveErr != nil {
				return saveErr
			}

			return fmt.Errorf("sync: applying change for %s: %w", c.FileID, err)
		}

		e.state.ChangesToExecute = e.state.ChangesToExecute[1:]

		if effect || time.Since(lastSave) > saveInterval {
			if err := e.saveState(ctx); err != nil {
				return err
			}

			lastSave = time.Now()
		}
	}

	return e.saveState(ctx)
}
