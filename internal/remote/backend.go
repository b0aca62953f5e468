// Package remote defines the contract the sync engine uses to reach the
// remote task service, its error taxonomy, and the monday.com client.
package remote

import (
	"context"

	"taskbridge/internal/models"
)

// Backend is a remote persistence provider. Tasks returned by the backend
// carry their RemoteID; ID is the local task id when the provider stores it.
type Backend interface {
	// CreateOrUpdateTask creates the task when RemoteID is empty, otherwise
	// updates it in place. It returns the remote id.
	CreateOrUpdateTask(ctx context.Context, task *models.Task) (string, error)
	DeleteTask(ctx context.Context, remoteID string) error
	UpdateTaskStatus(ctx context.Context, remoteID, status string) error
	LoadAllTasks(ctx context.Context) ([]models.Task, error)
	// TestConnection performs an inexpensive authenticated call.
	TestConnection(ctx context.Context) error
	GetItem(ctx context.Context, remoteID string) (*models.Task, error)
}

// CacheObserver receives read-cache hit/miss notifications.
type CacheObserver interface {
	RecordCacheHit()
	RecordCacheMiss()
}
