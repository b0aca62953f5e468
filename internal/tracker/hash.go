package tracker

import (
	"encoding/json"

	"taskbridge/internal/models"

	"github.com/cespare/xxhash/v2"
)

// TombstoneHash marks a remote observation of a deleted task.
var TombstoneHash = xxhash.Sum64String("deleted")

// ContentHash digests the canonical JSON form of the task's compared fields.
// ok is false when there is nothing to observe.
func ContentHash(task *models.Task) (uint64, bool) {
	if task == nil {
		return 0, false
	}
	raw, err := json.Marshal(task.Content())
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(raw), true
}
