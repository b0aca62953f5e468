package tracker

import (
	"testing"
	"time"

	"taskbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	ms int64
}

func (c *fakeClock) now() time.Time { return time.UnixMilli(c.ms) }

func newTestTracker(start int64) (*Tracker, *fakeClock) {
	clock := &fakeClock{ms: start}
	return New(clock.now, nil), clock
}

func TestRecordLocalChange(t *testing.T) {
	tr, _ := newTestTracker(10)

	id1 := tr.RecordLocalChange("T1", models.ChangeCreate, &models.Task{ID: "T1", Title: "A"})
	id2 := tr.RecordLocalChange("T2", models.ChangeUpdate, &models.Task{ID: "T2", Title: "B"})
	require.NotEqual(t, id1, id2)

	pending := tr.PendingChanges()
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
	assert.False(t, pending[0].Synced)
	assert.Equal(t, int64(10), pending[0].Timestamp)
}

func TestMarkSyncedRemovesFromPending(t *testing.T) {
	tr, clock := newTestTracker(10)
	id := tr.RecordLocalChange("T1", models.ChangeCreate, &models.Task{ID: "T1", Title: "A"})

	clock.ms = 20
	tr.MarkSynced(id)

	assert.Empty(t, tr.PendingChanges())
	assert.Equal(t, int64(20), tr.LastSyncTime("T1"))

	tr.MarkSynced("unknown")
}

func TestDetectConflictsBothSidesAfterSync(t *testing.T) {
	tr, clock := newTestTracker(0)
	tr.SetLastSyncTime("T2", 0)

	clock.ms = 50
	tr.RecordLocalChange("T2", models.ChangeUpdate, &models.Task{ID: "T2", Title: "local"})
	tr.RecordRemoteChangeAt("T2", &models.Task{ID: "T2", Title: "remote"}, 100)

	conflicts := tr.DetectConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "T2", conflicts[0].TaskID)
	assert.Equal(t, "local", conflicts[0].Local.Title)
	assert.Equal(t, "remote", conflicts[0].Remote.Title)
	assert.Equal(t, int64(50), conflicts[0].LocalTimestamp)
	assert.Equal(t, int64(100), conflicts[0].RemoteTimestamp)
}

func TestDetectConflictsRemoteBeforeSyncPoint(t *testing.T) {
	tr, clock := newTestTracker(0)

	clock.ms = 40
	id := tr.RecordLocalChange("T3", models.ChangeUpdate, &models.Task{ID: "T3", Title: "local"})
	clock.ms = 150
	tr.MarkSynced(id)

	tr.RecordRemoteChangeAt("T3", &models.Task{ID: "T3", Title: "remote"}, 100)

	assert.Empty(t, tr.DetectConflicts())
}

func TestDetectConflictsLocalNotChangedSinceSync(t *testing.T) {
	tr, clock := newTestTracker(0)

	for _, remoteAt := range []int64{150, 500, 10_000} {
		clock.ms = 100
		tr.RecordLocalChange("T4", models.ChangeUpdate, &models.Task{ID: "T4", Title: "local"})
		tr.SetLastSyncTime("T4", 100)

		tr.RecordRemoteChangeAt("T4", &models.Task{ID: "T4", Title: "remote"}, remoteAt)
		assert.Empty(t, tr.DetectConflicts(), "remote at %d", remoteAt)
	}
}

func TestDetectConflictsSameContent(t *testing.T) {
	tr, clock := newTestTracker(0)
	clock.ms = 10
	tr.RecordLocalChange("T5", models.ChangeUpdate, &models.Task{ID: "T5", Title: "same", Status: "todo"})
	tr.RecordRemoteChangeAt("T5", &models.Task{ID: "T5", RemoteID: "99", Title: "same ", Status: "todo"}, 20)

	assert.Empty(t, tr.DetectConflicts())
}

func TestRemoteChangeWithoutPayloadIgnored(t *testing.T) {
	tr, clock := newTestTracker(0)
	clock.ms = 10
	tr.RecordLocalChange("T6", models.ChangeUpdate, &models.Task{ID: "T6", Title: "x"})
	tr.RecordRemoteChangeAt("T6", nil, 20)
	tr.RecordRemoteChangeAt("", &models.Task{Title: "y"}, 20)

	_, ok := tr.RemoteHash("T6")
	assert.False(t, ok)
	assert.Empty(t, tr.DetectConflicts())
}

func TestRemoteDeletionConflictsWithLocalEdit(t *testing.T) {
	tr, clock := newTestTracker(0)
	tr.SetLastSyncTime("T11", 5)

	clock.ms = 10
	tr.RecordLocalChange("T11", models.ChangeUpdate, &models.Task{ID: "T11", Title: "edited"})
	clock.ms = 20
	tr.RecordRemoteDeletion("T11")
	tr.RecordRemoteDeletion("")

	hash, ok := tr.RemoteHash("T11")
	require.True(t, ok)
	assert.Equal(t, TombstoneHash, hash)

	conflicts := tr.DetectConflicts()
	require.Len(t, conflicts, 1)
	assert.Nil(t, conflicts[0].Remote)
	assert.Equal(t, "edited", conflicts[0].Local.Title)
	assert.Equal(t, int64(20), conflicts[0].RemoteTimestamp)

	tr.Reconcile("T11", nil)
	assert.Empty(t, tr.DetectConflicts())
}

func TestReconcileClearsConflict(t *testing.T) {
	tr, clock := newTestTracker(0)
	clock.ms = 10
	tr.RecordLocalChange("T7", models.ChangeUpdate, &models.Task{ID: "T7", Title: "local"})
	tr.RecordRemoteChangeAt("T7", &models.Task{ID: "T7", Title: "remote"}, 20)
	require.Len(t, tr.DetectConflicts(), 1)

	clock.ms = 30
	tr.Reconcile("T7", &models.Task{ID: "T7", Title: "local"})
	assert.Empty(t, tr.DetectConflicts())

	clock.ms = 40
	tr.Reconcile("T7", &models.Task{ID: "T7", Title: "local"})
	assert.Empty(t, tr.DetectConflicts())
	assert.Equal(t, int64(40), tr.LastSyncTime("T7"))
}

func TestRecordPushFailureAndDrop(t *testing.T) {
	tr, _ := newTestTracker(0)
	id := tr.RecordLocalChange("T8", models.ChangeUpdate, &models.Task{ID: "T8", Title: "x"})

	assert.Equal(t, 1, tr.RecordPushFailure(id))
	assert.Equal(t, 2, tr.RecordPushFailure(id))
	assert.Equal(t, 0, tr.RecordPushFailure("missing"))

	tr.Drop(id)
	assert.Empty(t, tr.PendingChanges())
}

func TestSupersedeTask(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.RecordLocalChange("T9", models.ChangeUpdate, &models.Task{ID: "T9", Title: "a"})
	tr.RecordLocalChange("T9", models.ChangeStatusChange, &models.Task{ID: "T9", Title: "a", Status: "done"})
	tr.RecordLocalChange("T10", models.ChangeUpdate, &models.Task{ID: "T10", Title: "b"})

	assert.Equal(t, 2, tr.SupersedeTask("T9"))
	pending := tr.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, "T10", pending[0].TaskID)
}

func TestCleanupKeepsUnsynced(t *testing.T) {
	tr, clock := newTestTracker(0)
	synced := tr.RecordLocalChange("T1", models.ChangeUpdate, &models.Task{ID: "T1", Title: "a"})
	unsynced := tr.RecordLocalChange("T2", models.ChangeUpdate, &models.Task{ID: "T2", Title: "b"})
	tr.MarkSynced(synced)

	clock.ms = int64(2 * time.Hour / time.Millisecond)
	removed := tr.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	pending := tr.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, unsynced, pending[0].ID)

	assert.Equal(t, 0, tr.Cleanup(time.Hour))
}

func TestCleanupPrunesDroppedRecords(t *testing.T) {
	tr, clock := newTestTracker(0)
	dropped := tr.RecordLocalChange("T1", models.ChangeUpdate, &models.Task{ID: "T1", Title: "a"})
	tr.RecordLocalChange("T2", models.ChangeUpdate, &models.Task{ID: "T2", Title: "b"})
	tr.RecordLocalChange("T2", models.ChangeUpdate, &models.Task{ID: "T2", Title: "c"})
	tr.Drop(dropped)
	tr.SupersedeTask("T2")
	pendingID := tr.RecordLocalChange("T3", models.ChangeUpdate, &models.Task{ID: "T3", Title: "d"})

	assert.Equal(t, 0, tr.Cleanup(time.Hour), "dropped records younger than maxAge stay")

	clock.ms = int64(2 * time.Hour / time.Millisecond)
	assert.Equal(t, 3, tr.Cleanup(time.Hour))
	assert.Equal(t, 0, tr.RecordPushFailure(dropped))

	pending := tr.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, pendingID, pending[0].ID)
}

func TestContentHashDeterministic(t *testing.T) {
	a := &models.Task{ID: "1", Title: "T", Status: "todo", Priority: "high", Description: "d"}
	b := &models.Task{ID: "2", RemoteID: "r", Title: "T", Status: "todo", Priority: "high", Description: "d", UpdatedAt: time.Now()}

	ha, ok := ContentHash(a)
	require.True(t, ok)
	hb, _ := ContentHash(b)
	assert.Equal(t, ha, hb)

	b.Priority = "low"
	hc, _ := ContentHash(b)
	assert.NotEqual(t, ha, hc)

	_, ok = ContentHash(nil)
	assert.False(t, ok)
}
