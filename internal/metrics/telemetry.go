package metrics

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the telemetry counters.
type Snapshot struct {
	SyncOperations    int64         `json:"syncOperations"`
	ConflictsResolved int64         `json:"conflictsResolved"`
	WebhooksProcessed int64         `json:"webhooksProcessed"`
	ErrorsEncountered int64         `json:"errorsEncountered"`
	LastSync          *time.Time    `json:"lastSync"`
	AverageSyncTime   time.Duration `json:"averageSyncTime"`
	CacheHits         int64         `json:"cacheHits"`
	CacheMisses       int64         `json:"cacheMisses"`
}

// Telemetry keeps process-wide sync counters and mirrors them into the
// Prometheus collectors. Counters only grow until Reset.
type Telemetry struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// RecordSync counts a finished cycle and folds its duration into the running average.
func (t *Telemetry) RecordSync(direction string, duration time.Duration, finishedAt time.Time) {
	t.mu.Lock()
	n := t.snap.SyncOperations
	t.snap.AverageSyncTime = time.Duration((int64(t.snap.AverageSyncTime)*n + int64(duration)) / (n + 1))
	t.snap.SyncOperations = n + 1
	last := finishedAt
	t.snap.LastSync = &last
	t.mu.Unlock()

	syncOperations.WithLabelValues(direction).Inc()
	syncDuration.Observe(duration.Seconds())
}

func (t *Telemetry) RecordConflictResolved(winner string) {
	t.mu.Lock()
	t.snap.ConflictsResolved++
	t.mu.Unlock()
	conflictsResolved.WithLabelValues(winner).Inc()
}

func (t *Telemetry) RecordWebhook() {
	t.mu.Lock()
	t.snap.WebhooksProcessed++
	t.mu.Unlock()
	webhooksProcessed.Inc()
}

func (t *Telemetry) RecordError(origin string) {
	t.mu.Lock()
	t.snap.ErrorsEncountered++
	t.mu.Unlock()
	errorsEncountered.WithLabelValues(origin).Inc()
}

func (t *Telemetry) RecordCacheHit() {
	t.mu.Lock()
	t.snap.CacheHits++
	t.mu.Unlock()
	cacheHits.Inc()
}

func (t *Telemetry) RecordCacheMiss() {
	t.mu.Lock()
	t.snap.CacheMisses++
	t.mu.Unlock()
	cacheMisses.Inc()
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	if t.snap.LastSync != nil {
		last := *t.snap.LastSync
		s.LastSync = &last
	}
	return s
}

// Reset zeroes the counters. Prometheus collectors are cumulative and are left alone.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{}
}
