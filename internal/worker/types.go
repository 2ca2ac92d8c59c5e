// Package worker manages session worker lifecycles: container provisioning,
// workspace restoration, idle/stopped reaping, and workspace synchronization.
package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session worker.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateDeleted      State = "deleted" // terminal
)

// SyncStatus is the outcome of the most recent workspace sync attempt.
type SyncStatus string

const (
	SyncNever     SyncStatus = "never"
	SyncRunning   SyncStatus = "running"
	SyncSucceeded SyncStatus = "succeeded"
	SyncFailed    SyncStatus = "failed"
)

// Fingerprint identifies the workspace plan last applied to a worker.
// It is a 32-byte content digest used for drift detection.
type Fingerprint [32]byte

// IsZero reports whether no plan has ever been applied.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// String returns the hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// RestorePlan describes how to restore a session's workspace inside a
// worker container.
type RestorePlan struct {
	RepoURL       string            `json:"repo_url"`
	Revision      string            `json:"revision"`
	Snapshot      string            `json:"snapshot,omitempty"` // optional workspace snapshot ref
	Env           map[string]string `json:"env,omitempty"`
	RequiredPaths []string          `json:"required_paths,omitempty"`
}

// Fingerprint computes the stable content digest of the plan.
// Map keys are sorted by encoding/json, so equal plans always hash equal.
func (p RestorePlan) Fingerprint() Fingerprint {
	data, err := json.Marshal(p)
	if err != nil {
		// RestorePlan contains only marshalable types; this cannot happen.
		return Fingerprint{}
	}
	return sha256.Sum256(data)
}

// SessionWorker is the authoritative per-session record binding a session to
// a container. It is mutated only inside the lifecycle manager under the
// session's critical section; reads elsewhere are snapshots.
type SessionWorker struct {
	SessionID              string      `json:"session_id"`
	ContainerID            string      `json:"container_id,omitempty"` // empty when not provisioned
	State                  State       `json:"state"`
	LastActiveAt           time.Time   `json:"last_active_at"`
	StoppedAt              *time.Time  `json:"stopped_at,omitempty"`
	LastSyncAt             *time.Time  `json:"last_sync_at,omitempty"`
	LastSyncStatus         SyncStatus  `json:"last_sync_status"`
	RestorePlanFingerprint Fingerprint `json:"restore_plan_fingerprint"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the worker record.
func (w *SessionWorker) Clone() *SessionWorker {
	if w == nil {
		return nil
	}
	c := *w
	if w.StoppedAt != nil {
		t := *w.StoppedAt
		c.StoppedAt = &t
	}
	if w.LastSyncAt != nil {
		t := *w.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}
