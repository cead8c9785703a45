package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// bootstrap performs the first-run full download: acquire the changes
// cursor first (so edits during bootstrap surface in the first loop
// cycle), walk the remote structure storing metadata, then materialize
// every non-ignorable entity. Runs with the engine mutex held and the
// syncing flag set, which keeps the change loop out.
func (e *Engine) bootstrap(ctx context.Context) (err error) {
	e.syncing = true

	defer func() {
		e.syncing = false
	}()

	e.notify("Watching changes in the remote folder...")

	token, err := e.remote.StartPageToken(ctx)
	if err != nil {
		return fmt.Errorf("sync: acquiring start page token: %w", err)
	}

	e.state.ChangeToken = token

	e.notify("Getting files info...")

	root, err := e.remote.GetInfo(ctx, e.remoteRoot)
	if err != nil {
		return fmt.Errorf("sync: fetching remote root: %w", err)
	}

	e.state.RootID = root.ID
	e.cache.Reset(root.ID, e.state.FileInfo)
	e.cache.Store(root)

	// Walk order is parent-before-child, so directories exist before
	// the files beneath them download.
	order, err := e.walkFolder(ctx, root.ID)
	if err != nil {
		return err
	}

	if err := e.saveState(ctx); err != nil {
		return err
	}

	downloaded, ignored := 0, 0

	for _, id := range order {
		info, ok := e.cache.Get(id)
		if !ok {
			continue
		}

		if !info.IsFolder() && e.rec.shouldIgnore(info) {
			ignored++
			e.notify(fmt.Sprintf("%d files downloaded, %d files ignored...", downloaded, ignored))

			continue
		}

		effect, err := e.rec.download(ctx, info)
		if err != nil {
			return fmt.Errorf("sync: bootstrap download of %s: %w", id, err)
		}

		if effect && !info.IsFolder() {
			downloaded++
			e.notify(fmt.Sprintf("%d files downloaded, %d files ignored...", downloaded, ignored))
		}
	}

	e.state.Synced = true

	if err := e.saveState(ctx); err != nil {
		return err
	}

	e.notify(fmt.Sprintf("All done! %d files downloaded and %d ignored.", downloaded, ignored))

	e.logger.Info("bootstrap complete",
		slog.Int("downloaded", downloaded),
		slog.Int("ignored", ignored),
		slog.Int("entities", e.cache.Len()),
	)

	return nil
}

// walkFolder recursively lists a folder subtree, storing every child's
// metadata and returning ids in traversal order. The adapter's pace
// delay runs between folder listings to stay under rate limits.
func (e *Engine) walkFolder(ctx context.Context, folderID string) ([]string, error) {
	children, err := e.remote.ListFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing folder %s: %w", folderID, err)
	}

	var order []string

	for _, child := range children {
		e.cache.Store(child)
		order = append(order, child.ID)

		if !child.IsFolder() {
			continue
		}

		if err := e.remote.Pace(ctx); err != nil {
			return nil, fmt.Errorf("sync: walking structure: %w", err)
		}

		sub, err := e.walkFolder(ctx, child.ID)
		if err != nil {
			return nil, err
		}

		order = append(order, sub...)
	}

	return order, nil
}
