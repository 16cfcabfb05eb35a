package run

import "time"

// SyncState represents the state of the per-organization sync engine.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// SyncStatus is the per-organization sync singleton, owned exclusively by
// the sync engine and read by callers to avoid redundant concurrent syncs.
type SyncStatus struct {
	OrgID        string    `json:"org_id"`
	State        SyncState `json:"state"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastError    string    `json:"last_error,omitempty"`
}
