package models

import (
	"strings"
	"time"
)

// Task is the unit replicated between the local store and the remote board.
type Task struct {
	ID          string    `json:"id"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskContent is the subset of a task compared between replicas.
type TaskContent struct {
	Title       string `json:"title"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

// Content returns the fields that take part in hashing and integrity checks.
func (t *Task) Content() TaskContent {
	return TaskContent{
		Title:       strings.TrimSpace(t.Title),
		Status:      strings.TrimSpace(t.Status),
		Priority:    strings.TrimSpace(t.Priority),
		Description: strings.TrimSpace(t.Description),
	}
}

// Clone returns a copy safe to hand out across component boundaries.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ValidStatus reports whether status is one of the known task statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	default:
		return false
	}
}
