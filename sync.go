package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvirta/drivemirror/internal/gdrive"
	"github.com/mvirta/drivemirror/internal/sync"
)

// newSyncCmd builds the `sync` command: bootstrap if needed, then run
// the continuous sync loop until a signal arrives.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run continuous bidirectional sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := newLogger()
			ctx := signalContext(cmd.Context(), logger)

			svc, err := gdrive.NewService(ctx, cfg.CredentialsFile, cfg.TokenFile)
			if err != nil {
				return err
			}

			store, err := sync.NewSQLiteStore(ctx, cfg.StateDB, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			engine, err := sync.New(&sync.Config{
				AccountID:    cfg.AccountID,
				LocalRoot:    cfg.LocalRoot,
				RemoteRoot:   cfg.RemoteRoot,
				Remote:       gdrive.NewClient(svc, logger),
				Store:        store,
				PollInterval: cfg.PollInterval.Std(),
				Debounce:     cfg.Debounce.Std(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			return engine.Run(ctx, func(msg string) {
				fmt.Println(msg)
			})
		},
	}
}

// newStatusCmd builds the `status` command: print a summary of the
// persisted sync state without touching the remote.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := newLogger()

			store, err := sync.NewSQLiteStore(cmd.Context(), cfg.StateDB, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.Load(cmd.Context(), cfg.AccountID)
			if err != nil {
				return err
			}

			fmt.Printf("Account:          %s\n", state.AccountID)
			fmt.Printf("Synced:           %v\n", state.Synced)
			fmt.Printf("Tracked entities: %d\n", len(state.FileInfo))
			fmt.Printf("Change token:     %s\n", presence(state.ChangeToken))
			fmt.Printf("Pending changes:  %d\n", len(state.ChangesToExecute))

			return nil
		},
	}
}

// presence renders an opaque token as set/unset.
func presence(token string) string {
	if token == "" {
		return "(none)"
	}

	return "present"
}
