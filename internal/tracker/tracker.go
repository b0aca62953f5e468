// Package tracker records local and remote task mutations and detects
// tasks that diverged on both sides since their last sync.
package tracker

import (
	"sync"
	"time"

	"taskbridge/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tracker is safe for concurrent use. It never returns errors: missing or
// malformed data is treated as "no observation".
type Tracker struct {
	mu       sync.Mutex
	changes  []*models.ChangeRecord
	byID     map[string]*models.ChangeRecord
	local    map[string]models.Observation
	remote   map[string]models.Observation
	lastSync map[string]int64
	dropped  map[string]bool

	now    func() time.Time
	logger zerolog.Logger
}

// New builds an empty tracker. A nil clock means time.Now.
func New(now func() time.Time, logger *zerolog.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "tracker").Logger()
	}
	return &Tracker{
		byID:     make(map[string]*models.ChangeRecord),
		local:    make(map[string]models.Observation),
		remote:   make(map[string]models.Observation),
		lastSync: make(map[string]int64),
		dropped:  make(map[string]bool),
		now:      now,
		logger:   base,
	}
}

// RecordLocalChange stores an unsynced ChangeRecord and refreshes the local
// observation for taskID. It returns the new change id.
func (t *Tracker) RecordLocalChange(taskID string, changeType models.ChangeType, data *models.Task) string {
	ts := t.now().UnixMilli()
	rec := &models.ChangeRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      changeType,
		Payload:   data.Clone(),
		Timestamp: ts,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.changes = append(t.changes, rec)
	t.byID[rec.ID] = rec

	if hash, ok := ContentHash(data); ok && taskID != "" {
		t.local[taskID] = models.Observation{TaskID: taskID, ContentHash: hash, Timestamp: ts, Raw: data.Clone()}
	}

	t.logger.Debug().Str("task_id", taskID).Str("change_id", rec.ID).Str("type", string(changeType)).Msg("local change recorded")
	return rec.ID
}

// RecordRemoteChange refreshes the remote observation for taskID.
func (t *Tracker) RecordRemoteChange(taskID string, data *models.Task) {
	t.recordRemoteAt(taskID, data, t.now().UnixMilli())
}

// RecordRemoteChangeAt is RecordRemoteChange with an explicit epoch-ms timestamp.
func (t *Tracker) RecordRemoteChangeAt(taskID string, data *models.Task, timestamp int64) {
	t.recordRemoteAt(taskID, data, timestamp)
}

func (t *Tracker) recordRemoteAt(taskID string, data *models.Task, ts int64) {
	hash, ok := ContentHash(data)
	if !ok || taskID == "" {
		t.logger.Debug().Str("task_id", taskID).Msg("remote change without payload skipped")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote[taskID] = models.Observation{TaskID: taskID, ContentHash: hash, Timestamp: ts, Raw: data.Clone()}
}

// RecordRemoteDeletion records that taskID no longer exists remotely. The
// observation has no payload, so a conflict against it carries a nil Remote.
func (t *Tracker) RecordRemoteDeletion(taskID string) {
	if taskID == "" {
		return
	}
	ts := t.now().UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote[taskID] = models.Observation{TaskID: taskID, ContentHash: TombstoneHash, Timestamp: ts}
}

// RemoteHash returns the last observed remote content hash for taskID.
func (t *Tracker) RemoteHash(taskID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs, ok := t.remote[taskID]
	return obs.ContentHash, ok
}

// DetectConflicts reports tasks whose local and remote observations differ
// and both postdate the task's last sync point.
func (t *Tracker) DetectConflicts() []models.ConflictRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conflicts []models.ConflictRecord
	for taskID, local := range t.local {
		remote, ok := t.remote[taskID]
		if !ok || local.ContentHash == remote.ContentHash {
			continue
		}
		synced := t.lastSync[taskID]
		if local.Timestamp <= synced || remote.Timestamp <= synced {
			continue
		}
		conflicts = append(conflicts, models.ConflictRecord{
			TaskID:          taskID,
			Local:           local.Raw.Clone(),
			Remote:          remote.Raw.Clone(),
			LocalTimestamp:  local.Timestamp,
			RemoteTimestamp: remote.Timestamp,
		})
	}
	return conflicts
}

// PendingChanges returns unsynced records in recording order.
func (t *Tracker) PendingChanges() []models.ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.ChangeRecord, 0, len(t.changes))
	for _, rec := range t.changes {
		if rec.Synced || t.dropped[rec.ID] {
			continue
		}
		c := *rec
		c.Payload = rec.Payload.Clone()
		out = append(out, c)
	}
	return out
}

// MarkSynced flags the change as synced and moves its task's sync point to now.
func (t *Tracker) MarkSynced(changeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[changeID]
	if !ok {
		return
	}
	rec.Synced = true
	t.lastSync[rec.TaskID] = t.now().UnixMilli()
}

// RecordPushFailure increments the change's retry counter and returns it.
func (t *Tracker) RecordPushFailure(changeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[changeID]
	if !ok {
		return 0
	}
	rec.RetryCount++
	return rec.RetryCount
}

// Drop removes an unsynced change from the pending set without marking it synced.
func (t *Tracker) Drop(changeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[changeID]; ok {
		t.dropped[changeID] = true
	}
}

// SupersedeTask drops every pending change for taskID.
func (t *Tracker) SupersedeTask(taskID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.changes {
		if rec.TaskID == taskID && !rec.Synced && !t.dropped[rec.ID] {
			t.dropped[rec.ID] = true
			n++
		}
	}
	return n
}

// Reconcile records that the local replica now holds data for taskID and that
// both sides agree as of now, so the task is not re-flagged as a conflict.
func (t *Tracker) Reconcile(taskID string, data *models.Task) {
	now := t.now().UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	if hash, ok := ContentHash(data); ok {
		ts := now
		if prev, exists := t.local[taskID]; exists {
			ts = prev.Timestamp
		}
		t.local[taskID] = models.Observation{TaskID: taskID, ContentHash: hash, Timestamp: ts, Raw: data.Clone()}
	}
	t.lastSync[taskID] = now
}

// LastSyncTime returns the task's sync point in epoch ms, 0 if never synced.
func (t *Tracker) LastSyncTime(taskID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSync[taskID]
}

// SetLastSyncTime overrides a task's sync point. Used when restoring state.
func (t *Tracker) SetLastSyncTime(taskID string, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSync[taskID] = ts
}

// Cleanup deletes synced and dropped records older than maxAge. Pending
// records are kept regardless of age.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge).UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.changes[:0]
	removed := 0
	for _, rec := range t.changes {
		if (rec.Synced || t.dropped[rec.ID]) && rec.Timestamp < cutoff {
			delete(t.byID, rec.ID)
			delete(t.dropped, rec.ID)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(t.changes); i++ {
		t.changes[i] = nil
	}
	t.changes = kept
	return removed
}
