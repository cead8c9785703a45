package sync

import (
	"github.com/mvirta/drivemirror/internal/gdrive"
)

// stateDocType tags the persisted document.
const stateDocType = "sync"

// State is the engine state persisted as one document per account.
//
// ChangeToken is the opaque cursor for the next changes.list call; once
// acquired it never regresses, and it only advances after the changes
// it covered have been applied or buffered into ChangesToExecute.
// FileInfo holds every known entity reachable (or once reachable) under
// the root. The path index is derived, not persisted — the cache
// recomputes it at load time.
type State struct {
	Type             string                      `json:"type"`
	DocID            string                      `json:"_id"`
	AccountID        string                      `json:"accountId"`
	RootID           string                      `json:"rootId"`
	ChangeToken      string                      `json:"changeToken"`
	FileInfo         map[string]*gdrive.FileInfo `json:"fileInfo"`
	Synced           bool                        `json:"synced"`
	ChangesToExecute []gdrive.Change             `json:"changesToExecute,omitempty"`
}

// NewState returns a fresh, unsynced state document for an account.
func NewState(accountID string) *State {
	return &State{
		Type:      stateDocType,
		DocID:     stateDocType + "/" + accountID,
		AccountID: accountID,
		FileInfo:  make(map[string]*gdrive.FileInfo),
	}
}
