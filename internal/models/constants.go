package models

import "time"

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// ChangeType classifies a local mutation.
type ChangeType string

const (
	ChangeCreate       ChangeType = "create"
	ChangeUpdate       ChangeType = "update"
	ChangeDelete       ChangeType = "delete"
	ChangeStatusChange ChangeType = "status_change"
)

// Valid reports whether the change type is known.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeStatusChange:
		return true
	default:
		return false
	}
}

// ConflictPolicy selects how divergent edits are resolved.
type ConflictPolicy string

const (
	PolicyLocal  ConflictPolicy = "local"
	PolicyMonday ConflictPolicy = "monday"
	PolicyNewest ConflictPolicy = "newest"
	PolicyPrompt ConflictPolicy = "prompt"
)

// Valid reports whether the policy name is known.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyLocal, PolicyMonday, PolicyNewest, PolicyPrompt:
		return true
	default:
		return false
	}
}

const (
	// DefaultMaxRetries is the OfflineQueue attempt bound before eviction.
	DefaultMaxRetries = 5

	// DefaultBaseDelay is the first backoff step of the OfflineQueue.
	DefaultBaseDelay = time.Second

	// DefaultQueueMaxAge is how long exhausted queue items are kept.
	DefaultQueueMaxAge = 7 * 24 * time.Hour

	// PushMaxRetries bounds the secondary push path of a sync cycle.
	PushMaxRetries = 3

	// MinSyncInterval is the lowest accepted auto-sync interval.
	MinSyncInterval = 60 * time.Second

	// FastPollInterval is used by the connectivity monitor while offline.
	FastPollInterval = 5 * time.Second

	// SlowPollInterval is used by the connectivity monitor while online.
	SlowPollInterval = 30 * time.Second

	// DefaultVerifyDelay delays the probe that confirms a host "online" hint.
	DefaultVerifyDelay = 2 * time.Second

	// RemoteCacheTTL is the lifetime of cached remote items.
	RemoteCacheTTL = 5 * time.Minute
)
