package models

import "time"

// SyncDirection selects which halves of a cycle run.
type SyncDirection string

const (
	DirectionPush SyncDirection = "push"
	DirectionPull SyncDirection = "pull"
	DirectionBoth SyncDirection = "both"
)

// Includes reports whether d covers the other direction.
func (d SyncDirection) Includes(other SyncDirection) bool {
	if d == "" || d == DirectionBoth {
		return true
	}
	return d == other
}

// ParseDirection maps user input to a direction, defaulting to both.
func ParseDirection(raw string) (SyncDirection, bool) {
	switch SyncDirection(raw) {
	case "", DirectionBoth:
		return DirectionBoth, true
	case DirectionPush:
		return DirectionPush, true
	case DirectionPull:
		return DirectionPull, true
	default:
		return DirectionBoth, false
	}
}

// SyncOptions parameterizes one sync cycle.
type SyncOptions struct {
	Direction SyncDirection
}

const (
	SyncStatusCompleted      = "completed"
	SyncStatusAlreadySyncing = "already_syncing"
)

// SyncResult is returned by a sync cycle.
type SyncResult struct {
	Status         string          `json:"status"`
	Duration       time.Duration   `json:"duration"`
	QueueProcessed int             `json:"queue_processed"`
	QueueFailed    int             `json:"queue_failed"`
	Conflicts      int             `json:"conflicts"`
	Pushed         int             `json:"pushed"`
	PushFailed     int             `json:"push_failed"`
	Pulled         int             `json:"pulled"`
	RemoteDeleted  int             `json:"remote_deleted"`
	Integrity      IntegrityReport `json:"integrity"`
}

// IntegrityReport lists differences between the local and remote snapshots.
type IntegrityReport struct {
	Checked     bool                `json:"checked"`
	LocalCount  int                 `json:"local_count"`
	RemoteCount int                 `json:"remote_count"`
	Mismatches  []IntegrityMismatch `json:"mismatches,omitempty"`
}

// OK reports whether no mismatch was found.
func (r IntegrityReport) OK() bool {
	return r.LocalCount == r.RemoteCount && len(r.Mismatches) == 0
}

// IntegrityMismatch is one differing key field, or a task missing on one side.
type IntegrityMismatch struct {
	TaskID string `json:"task_id"`
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}
