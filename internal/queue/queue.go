// Package queue implements the durable offline queue of remote operations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"taskbridge/internal/models"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Options configures an OfflineQueue.
type Options struct {
	Path       string
	MaxRetries int
	BaseDelay  time.Duration
	Now        func() time.Time
	Logger     *zerolog.Logger
	DeadLetter DeadLetterSink
}

// OfflineQueue is a JSON-file backed FIFO of pending remote operations.
// Every mutation is written through to disk; the in-memory copy stays
// authoritative when the disk is unavailable. Several processes may share
// one file: each write merges what other writers added or removed since
// this instance last saw the file.
type OfflineQueue struct {
	mu     sync.Mutex
	path   string
	items  []*models.QueueItem
	policy RetryPolicy

	// seen holds the item ids on disk as of the last read or write.
	seen map[string]bool

	now        func() time.Time
	logger     zerolog.Logger
	deadLetter DeadLetterSink
}

// New builds a queue with defaults applied. Call Load to restore items.
func New(opts Options) *OfflineQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = models.DefaultBaseDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base := zerolog.Nop()
	if opts.Logger != nil {
		base = opts.Logger.With().Str("component", "offline_queue").Logger()
	}

	return &OfflineQueue{
		path: opts.Path,
		policy: RetryPolicy{
			MaxRetries:    opts.MaxRetries,
			InitialDelay:  opts.BaseDelay,
			BackoffFactor: 2,
		},
		now:        opts.Now,
		logger:     base,
		deadLetter: opts.DeadLetter,
	}
}

// MaxRetries returns the attempt bound.
func (q *OfflineQueue) MaxRetries() int {
	return q.policy.MaxRetries
}

// Load replaces the in-memory queue with the file contents. A missing file
// yields an empty queue; unreadable or corrupt content is logged and dropped.
func (q *OfflineQueue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.seen = nil
	if q.path == "" {
		return nil
	}

	lock, err := q.lockFile()
	if err != nil {
		q.logger.Warn().Err(err).Msg("queue lock failed, loading without lock")
	} else {
		defer func() { _ = lock.Unlock() }()
	}

	items, err := q.readFile()
	if err != nil {
		q.logger.Error().Err(err).Str("path", q.path).Msg("offline queue unreadable, starting empty")
		return nil
	}

	q.seen = make(map[string]bool, len(items))
	for _, item := range items {
		q.items = append(q.items, item)
		q.seen[item.ID] = true
	}
	q.logger.Info().Int("items", len(q.items)).Msg("offline queue loaded")
	return nil
}

// Refresh merges changes other processes made to the file since the last
// read or write. It returns how many items were picked up.
func (q *OfflineQueue) Refresh() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.path == "" {
		return 0, nil
	}
	lock, err := q.lockFile()
	if err != nil {
		return 0, fmt.Errorf("lock queue file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	disk, err := q.readFile()
	if err != nil {
		return 0, err
	}
	added := q.mergeLocked(disk)
	if added > 0 {
		q.logger.Info().Int("items", added).Msg("picked up externally queued items")
	}
	return added, nil
}

// readFile decodes the queue file. A missing file is an empty queue.
func (q *OfflineQueue) readFile() ([]*models.QueueItem, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read offline queue: %w", err)
	}

	var items []*models.QueueItem
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode offline queue: %w", err)
		}
	}

	valid := items[:0]
	for _, item := range items {
		if item != nil && item.ID != "" {
			valid = append(valid, item)
		}
	}
	return valid, nil
}

// mergeLocked reconciles memory with the file. Items on disk this instance
// has never seen were added elsewhere and are adopted. Items this instance
// saw on disk that are now gone were removed elsewhere and are dropped.
// Items present on both sides keep the in-memory state.
func (q *OfflineQueue) mergeLocked(disk []*models.QueueItem) int {
	inMemory := make(map[string]bool, len(q.items))
	for _, item := range q.items {
		inMemory[item.ID] = true
	}

	onDisk := make(map[string]bool, len(disk))
	added := 0
	for _, item := range disk {
		onDisk[item.ID] = true
		if inMemory[item.ID] || q.seen[item.ID] {
			continue
		}
		q.items = append(q.items, item)
		added++
	}

	kept := q.items[:0]
	for _, item := range q.items {
		if q.seen[item.ID] && !onDisk[item.ID] {
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.seen = onDisk
	return added
}

// Save writes the whole queue atomically.
func (q *OfflineQueue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked()
}

func (q *OfflineQueue) saveLocked() error {
	if q.path == "" {
		return nil
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}

	lock, err := q.lockFile()
	if err != nil {
		return fmt.Errorf("lock queue file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if disk, err := q.readFile(); err != nil {
		q.logger.Warn().Err(err).Msg("offline queue file unreadable, overwriting")
	} else {
		q.mergeLocked(disk)
	}

	items := q.items
	if items == nil {
		items = []*models.QueueItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace queue file: %w", err)
	}

	q.seen = make(map[string]bool, len(q.items))
	for _, item := range q.items {
		q.seen[item.ID] = true
	}
	return nil
}

func (q *OfflineQueue) lockFile() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(q.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}

// persistLocked saves and logs failures; mutations never fail on disk errors.
func (q *OfflineQueue) persistLocked() {
	if err := q.saveLocked(); err != nil {
		q.logger.Warn().Err(err).Str("path", q.path).Msg("offline queue not persisted")
	}
}

// Add enqueues a change ready for immediate processing.
func (q *OfflineQueue) Add(change models.ChangeRecord) models.QueueItem {
	now := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.items {
		if existing.ID == change.ID {
			return cloneItem(existing)
		}
	}

	change.RetryCount = 0
	change.Payload = change.Payload.Clone()
	item := &models.QueueItem{
		ChangeRecord: change,
		QueuedAt:     now,
		NextAttempt:  now,
	}
	q.items = append(q.items, item)
	q.persistLocked()

	q.logger.Debug().Str("item_id", item.ID).Str("task_id", item.TaskID).Msg("queued")
	return cloneItem(item)
}

// ReadyItems returns items eligible for an attempt now, ordered by their
// next attempt time and then insertion order.
func (q *OfflineQueue) ReadyItems() []models.QueueItem {
	now := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if !q.policy.Exhausted(item.RetryCount) && item.NextAttempt <= now {
			ready = append(ready, cloneItem(item))
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].NextAttempt < ready[j].NextAttempt
	})
	return ready
}

// MarkProcessed removes the item. It reports whether the item was queued.
func (q *OfflineQueue) MarkProcessed(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(itemID)
	if idx < 0 {
		return false
	}
	q.removeLocked(idx)
	q.persistLocked()
	return true
}

// MarkFailed records a failed attempt and reschedules the item with
// exponential backoff, or evicts it once MaxRetries attempts failed.
// It reports whether the item was evicted.
func (q *OfflineQueue) MarkFailed(ctx context.Context, itemID string, cause error) bool {
	now := q.now()
	nowMs := now.UnixMilli()

	q.mu.Lock()
	idx := q.indexLocked(itemID)
	if idx < 0 {
		q.mu.Unlock()
		return false
	}

	item := q.items[idx]
	item.RetryCount++
	item.LastAttempt = &nowMs
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	item.LastError = &msg

	if q.policy.Exhausted(item.RetryCount) {
		evicted := cloneItem(item)
		q.removeLocked(idx)
		q.persistLocked()
		q.mu.Unlock()

		q.logger.Warn().Str("item_id", itemID).Str("task_id", evicted.TaskID).Int("retries", evicted.RetryCount).
			Str("last_error", msg).Msg("queue item dropped after max retries")
		q.pushDeadLetter(ctx, evicted)
		return true
	}

	item.NextAttempt = now.Add(q.policy.NextDelay(item.RetryCount)).UnixMilli()
	q.persistLocked()
	next := item.NextAttempt
	retries := item.RetryCount
	q.mu.Unlock()

	q.logger.Warn().Str("item_id", itemID).Int("retries", retries).Int64("next_attempt", next).
		Str("error", msg).Msg("queue item rescheduled")
	return false
}

// Evict removes an item the remote rejected permanently and hands it to the
// dead-letter sink. It reports whether the item was queued.
func (q *OfflineQueue) Evict(ctx context.Context, itemID string, cause error) bool {
	nowMs := q.now().UnixMilli()

	q.mu.Lock()
	idx := q.indexLocked(itemID)
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	item := q.items[idx]
	item.LastAttempt = &nowMs
	if cause != nil {
		msg := cause.Error()
		item.LastError = &msg
	}
	evicted := cloneItem(item)
	q.removeLocked(idx)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Warn().Str("item_id", itemID).Str("task_id", evicted.TaskID).Err(cause).Msg("queue item rejected")
	q.pushDeadLetter(ctx, evicted)
	return true
}

func (q *OfflineQueue) pushDeadLetter(ctx context.Context, item models.QueueItem) {
	if q.deadLetter == nil {
		return
	}
	if err := q.deadLetter.Push(ctx, item); err != nil {
		q.logger.Warn().Err(err).Str("item_id", item.ID).Msg("dead-letter push failed")
	}
}

// DropTask removes every queued item for taskID and returns how many were removed.
func (q *OfflineQueue) DropTask(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if item.TaskID != taskID {
			kept = append(kept, item)
		}
	}
	removed := len(q.items) - len(kept)
	if removed > 0 {
		q.items = kept
		q.persistLocked()
	}
	return removed
}

// Stats summarizes the queue.
func (q *OfflineQueue) Stats() models.QueueStats {
	now := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := models.QueueStats{Total: len(q.items)}
	for _, item := range q.items {
		switch {
		case q.policy.Exhausted(item.RetryCount):
			stats.Failed++
		case item.NextAttempt <= now:
			stats.Ready++
		default:
			stats.Pending++
		}
		if stats.OldestItem == nil || item.QueuedAt < *stats.OldestItem {
			queued := item.QueuedAt
			stats.OldestItem = &queued
		}
	}
	return stats
}

// Items returns a copy of every queued item in insertion order.
func (q *OfflineQueue) Items() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, cloneItem(item))
	}
	return out
}

// Cleanup drops items older than maxAge that exhausted their retries.
// Items still eligible for retry are kept regardless of age.
func (q *OfflineQueue) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = models.DefaultQueueMaxAge
	}
	cutoff := q.now().Add(-maxAge).UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if item.QueuedAt < cutoff && q.policy.Exhausted(item.RetryCount) {
			continue
		}
		kept = append(kept, item)
	}
	removed := len(q.items) - len(kept)
	if removed > 0 {
		q.items = kept
		q.persistLocked()
		q.logger.Info().Int("removed", removed).Msg("offline queue cleaned up")
	}
	return removed
}

func (q *OfflineQueue) indexLocked(itemID string) int {
	for i, item := range q.items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

func (q *OfflineQueue) removeLocked(idx int) {
	copy(q.items[idx:], q.items[idx+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

func cloneItem(item *models.QueueItem) models.QueueItem {
	c := *item
	c.Payload = item.Payload.Clone()
	if item.LastAttempt != nil {
		v := *item.LastAttempt
		c.LastAttempt = &v
	}
	if item.LastError != nil {
		v := *item.LastError
		c.LastError = &v
	}
	return c
}
