package sync

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/mvirta/drivemirror/internal/gdrive"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

const (
	sqlLoadState = `SELECT doc FROM sync_state WHERE account_id = ?`

	sqlSaveState = `INSERT INTO sync_state (account_id, doc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
		 doc = excluded.doc,
		 updated_at = excluded.updated_at`
)

// SQLiteStore persists the state document in a single-table key-value
// layout. Saves replace the whole document; SQLite's transactional
// write gives the atomic replace-on-write the engine relies on.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewSQLiteStore opens (or creates) the state database at path and
// applies pending schema migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening state db: %w", err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Load reads the state document for an account. A missing row yields a
// fresh unsynced state.
func (s *SQLiteStore) Load(ctx context.Context, accountID string) (*State, error) {
	var doc string

	err := s.db.QueryRowContext(ctx, sqlLoadState, accountID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("no saved state, starting fresh", slog.String("account_id", accountID))
		return NewState(accountID), nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: loading state for %s: %w", accountID, err)
	}

	var state State
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("sync: decoding state for %s: %w", accountID, err)
	}

	if state.FileInfo == nil {
		state.FileInfo = make(map[string]*gdrive.FileInfo)
	}

	s.logger.Info("state loaded",
		slog.String("account_id", accountID),
		slog.Int("file_info", len(state.FileInfo)),
		slog.Bool("synced", state.Synced),
		slog.Int("pending_changes", len(state.ChangesToExecute)),
	)

	return &state, nil
}

// Save writes the whole state document.
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sync: encoding state for %s: %w", state.AccountID, err)
	}

	_, err = s.db.ExecContext(ctx, sqlSaveState, state.AccountID, string(doc), s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("sync: saving state for %s: %w", state.AccountID, err)
	}

	s.logger.Debug("state saved",
		slog.String("account_id", state.AccountID),
		slog.Int("bytes", len(doc)),
	)

	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate brings the state schema up to date. Versioning lives in the
// database itself via goose's Provider API, so opening an older file
// upgrades it in place.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	src, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: preparing schema sources: %w", err)
	}

	migrator, err := goose.NewProvider(goose.DialectSQLite3, db, src)
	if err != nil {
		return fmt.Errorf("sync: initializing schema migrator: %w", err)
	}

	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: migrating state schema: %w", err)
	}

	if len(applied) > 0 {
		names := make([]string, 0, len(applied))
		for _, m := range applied {
			names = append(names, m.Source.Path)
		}

		logger.Info("state schema migrated",
			slog.Int("applied", len(applied)),
			slog.Any("sources", names),
		)
	}

	return nil
}
