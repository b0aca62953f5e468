// Package engine runs synchronization cycles between the local task store
// and the remote board.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/database"
	"taskbridge/internal/events"
	"taskbridge/internal/metrics"
	"taskbridge/internal/models"
	"taskbridge/internal/queue"
	"taskbridge/internal/remote"
	"taskbridge/internal/tracker"

	"github.com/rs/zerolog"
)

var (
	ErrSyncDisabled       = errors.New("sync integration is disabled")
	ErrMissingCredentials = errors.New("remote credentials are not configured")
)

// LocalStore is the subset of the task store the engine writes through.
type LocalStore interface {
	SaveTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	LoadTasks(ctx context.Context, opts database.LoadOptions) ([]models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Task, error)
	SetRemoteID(ctx context.Context, taskID, remoteID string) error
}

// Connectivity reports whether the remote service is reachable.
type Connectivity interface {
	IsOnline() bool
	Status() models.ConnectivityStatus
}

// Options wires an Engine.
type Options struct {
	Config       config.SyncConfig
	Credentials  string
	Remote       remote.Backend
	Store        LocalStore
	Tracker      *tracker.Tracker
	Queue        *queue.OfflineQueue
	Connectivity Connectivity
	Telemetry    *metrics.Telemetry
	Bus          *events.EventBus
	Prompter     Prompter
	Now          func() time.Time
	Logger       *zerolog.Logger
}

// Status is the engine's externally visible state.
type Status struct {
	Syncing      bool                      `json:"syncing"`
	Policy       models.ConflictPolicy     `json:"conflict_policy"`
	AutoSync     bool                      `json:"auto_sync"`
	Telemetry    metrics.Snapshot          `json:"telemetry"`
	Queue        models.QueueStats         `json:"queue"`
	Connectivity models.ConnectivityStatus `json:"connectivity"`
}

// Engine orchestrates sync cycles. At most one cycle runs at a time.
type Engine struct {
	cfg       config.SyncConfig
	remote    remote.Backend
	store     LocalStore
	tracker   *tracker.Tracker
	queue     *queue.OfflineQueue
	conn      Connectivity
	telemetry *metrics.Telemetry
	bus       *events.EventBus
	prompter  Prompter
	now       func() time.Time
	logger    zerolog.Logger

	syncing atomic.Bool
	trigger chan models.SyncDirection

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the configuration and builds an engine. It fails with
// ErrSyncDisabled or ErrMissingCredentials before touching any collaborator.
func New(opts Options) (*Engine, error) {
	if !opts.Config.Enabled {
		return nil, ErrSyncDisabled
	}
	if opts.Credentials == "" || opts.Remote == nil {
		return nil, ErrMissingCredentials
	}
	if opts.Store == nil || opts.Tracker == nil || opts.Queue == nil {
		return nil, errors.New("engine requires a store, tracker and queue")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Telemetry == nil {
		opts.Telemetry = metrics.NewTelemetry()
	}
	base := zerolog.Nop()
	if opts.Logger != nil {
		base = opts.Logger.With().Str("component", "sync_engine").Logger()
	}

	e := &Engine{
		cfg:       opts.Config,
		remote:    opts.Remote,
		store:     opts.Store,
		tracker:   opts.Tracker,
		queue:     opts.Queue,
		conn:      opts.Connectivity,
		telemetry: opts.Telemetry,
		bus:       opts.Bus,
		prompter:  opts.Prompter,
		now:       opts.Now,
		logger:    base,
		trigger:   make(chan models.SyncDirection, 1),
	}

	if e.bus != nil {
		e.bus.Subscribe(events.EventOnline, func(*events.Event) error {
			e.RequestSync(models.DirectionBoth)
			return nil
		})
	}
	return e, nil
}

// Telemetry returns the engine's counters.
func (e *Engine) Telemetry() *metrics.Telemetry { return e.telemetry }

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool { return e.syncing.Load() }

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.IsOnline()
}

// Status snapshots telemetry, queue and connectivity.
func (e *Engine) Status() Status {
	st := Status{
		Syncing:   e.syncing.Load(),
		Policy:    e.cfg.Policy(),
		AutoSync:  e.cfg.AutoSync,
		Telemetry: e.telemetry.Snapshot(),
		Queue:     e.queue.Stats(),
	}
	if e.conn != nil {
		st.Connectivity = e.conn.Status()
	} else {
		st.Connectivity = models.ConnectivityStatus{IsOnline: true}
	}
	return st
}

// Ready checks that the local store answers and the remote accepts our credentials.
func (e *Engine) Ready(ctx context.Context) error {
	if _, err := e.store.LoadTasks(ctx, database.LoadOptions{}); err != nil {
		return fmt.Errorf("local store: %w", err)
	}
	if !e.online() {
		return errors.New("remote unreachable")
	}
	return nil
}

// SyncWithMonday runs one cycle, or returns already_syncing when another is in flight.
func (e *Engine) SyncWithMonday(ctx context.Context, opts models.SyncOptions) (*models.SyncResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug().Msg("sync already in progress")
		return &models.SyncResult{Status: models.SyncStatusAlreadySyncing}, nil
	}
	defer e.syncing.Store(false)

	direction := opts.Direction
	if direction == "" {
		direction = models.DirectionBoth
	}
	start := e.now()
	result := &models.SyncResult{Status: models.SyncStatusCompleted}

	if err := e.runCycle(ctx, direction, result); err != nil {
		e.telemetry.RecordError("sync")
		e.logger.Error().Err(err).Str("direction", string(direction)).Msg("sync cycle failed")
		_ = e.bus.PublishJSON(events.EventSyncError, events.SyncErrorPayload{
			Direction: string(direction),
			Error:     err.Error(),
		})
		return nil, err
	}

	finished := e.now()
	result.Duration = finished.Sub(start)
	e.telemetry.RecordSync(string(direction), result.Duration, finished)
	metrics.SetQueueSize(e.queue.Stats().Total)

	e.logger.Info().
		Str("direction", string(direction)).
		Dur("duration", result.Duration).
		Int("queue_processed", result.QueueProcessed).
		Int("conflicts", result.Conflicts).
		Int("pushed", result.Pushed).
		Int("pulled", result.Pulled).
		Int("remote_deleted", result.RemoteDeleted).
		Bool("integrity_ok", result.Integrity.OK()).
		Msg("sync completed")

	_ = e.bus.PublishJSON(events.EventSyncCompleted, events.SyncCompletedPayload{
		Direction:       string(direction),
		Duration:        result.Duration,
		Conflicts:       result.Conflicts,
		Pushed:          result.Pushed,
		Pulled:          result.Pulled,
		IntegrityOK:     result.Integrity.OK(),
		IntegrityIssues: len(result.Integrity.Mismatches),
	})
	return result, nil
}

func (e *Engine) runCycle(ctx context.Context, direction models.SyncDirection, result *models.SyncResult) error {
	online := e.online()

	if _, err := e.queue.Refresh(); err != nil {
		e.logger.Warn().Err(err).Msg("offline queue not refreshed from disk")
	}
	if online {
		e.drainQueue(ctx, result)
	}

	for _, conflict := range e.tracker.DetectConflicts() {
		if err := e.resolve(ctx, conflict); err != nil {
			return fmt.Errorf("resolve conflict for %s: %w", conflict.TaskID, err)
		}
		result.Conflicts++
	}

	if direction.Includes(models.DirectionPush) && online {
		e.pushLocalChanges(ctx, result)
	}

	var snapshot []models.Task
	pulled := false
	if direction.Includes(models.DirectionPull) && online {
		tasks, err := e.remote.LoadAllTasks(ctx)
		switch {
		case err == nil:
			snapshot, pulled = tasks, true
			if err := e.applyPull(ctx, tasks, result); err != nil {
				return err
			}
		case remote.IsRetryable(err):
			e.logger.Warn().Err(err).Msg("pull skipped")
		default:
			return fmt.Errorf("load remote tasks: %w", err)
		}
	}

	report, err := e.validateIntegrity(ctx, snapshot, pulled, online)
	if err != nil {
		return err
	}
	result.Integrity = report
	return nil
}

// drainQueue applies every ready queue item in nextAttempt order.
func (e *Engine) drainQueue(ctx context.Context, result *models.SyncResult) {
	for _, item := range e.queue.ReadyItems() {
		err := e.apply(ctx, item.ChangeRecord)
		if err == nil {
			e.queue.MarkProcessed(item.ID)
			e.tracker.MarkSynced(item.ID)
			result.QueueProcessed++
			continue
		}
		result.QueueFailed++
		if remote.KindOf(err) == remote.KindValidation {
			e.queue.Evict(ctx, item.ID, err)
			e.tracker.Drop(item.ID)
			continue
		}
		if e.queue.MarkFailed(ctx, item.ID, err) {
			e.tracker.Drop(item.ID)
		}
	}
}

// pushLocalChanges is the best-effort path for changes not yet applied. A
// change is dropped from the pending set after PushMaxRetries failures; its
// queue copy keeps retrying.
func (e *Engine) pushLocalChanges(ctx context.Context, result *models.SyncResult) {
	for _, change := range e.tracker.PendingChanges() {
		err := e.apply(ctx, change)
		if err == nil {
			e.tracker.MarkSynced(change.ID)
			e.queue.MarkProcessed(change.ID)
			result.Pushed++
			continue
		}
		result.PushFailed++
		e.logFailure(err, change, "push failed")
		if e.tracker.RecordPushFailure(change.ID) >= models.PushMaxRetries {
			e.tracker.Drop(change.ID)
			e.logger.Warn().Str("change_id", change.ID).Str("task_id", change.TaskID).Msg("change dropped from pending set")
		}
	}
}

// apply sends one change to the remote board.
func (e *Engine) apply(ctx context.Context, change models.ChangeRecord) error {
	switch change.Type {
	case models.ChangeDelete:
		remoteID := e.remoteIDFor(ctx, change)
		if remoteID == "" {
			return nil
		}
		err := e.remote.DeleteTask(ctx, remoteID)
		if remote.KindOf(err) == remote.KindNotFound {
			return nil
		}
		return err

	case models.ChangeStatusChange:
		if remoteID := e.remoteIDFor(ctx, change); remoteID != "" && change.Payload != nil {
			err := e.remote.UpdateTaskStatus(ctx, remoteID, change.Payload.Status)
			if err == nil || remote.KindOf(err) != remote.KindNotFound {
				return err
			}
		}
		return e.upsert(ctx, change)

	default:
		return e.upsert(ctx, change)
	}
}

func (e *Engine) upsert(ctx context.Context, change models.ChangeRecord) error {
	if change.Payload == nil {
		return &remote.Error{Kind: remote.KindValidation, Op: "push", Err: errors.New("change has no payload")}
	}
	task := change.Payload.Clone()
	task.ID = change.TaskID
	task.RemoteID = e.remoteIDFor(ctx, change)

	remoteID, err := e.remote.CreateOrUpdateTask(ctx, task)
	if task.RemoteID != "" && remote.KindOf(err) == remote.KindNotFound {
		// The item was deleted remotely; the local value won, so recreate it.
		e.logger.Info().Str("task_id", change.TaskID).Str("remote_id", task.RemoteID).Msg("remote item gone, recreating")
		task.RemoteID = ""
		remoteID, err = e.remote.CreateOrUpdateTask(ctx, task)
	}
	if err != nil {
		return err
	}
	if remoteID != "" && remoteID != task.RemoteID {
		if err := e.store.SetRemoteID(ctx, change.TaskID, remoteID); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
			e.logger.Warn().Err(err).Str("task_id", change.TaskID).Msg("remote id not persisted")
		}
	}
	return nil
}

// remoteIDFor prefers the stored mapping, which is set after the first push.
func (e *Engine) remoteIDFor(ctx context.Context, change models.ChangeRecord) string {
	if stored, err := e.store.GetTask(ctx, change.TaskID); err == nil && stored.RemoteID != "" {
		return stored.RemoteID
	}
	if change.Payload != nil {
		return change.Payload.RemoteID
	}
	return ""
}

func (e *Engine) logFailure(err error, change models.ChangeRecord, msg string) {
	ev := e.logger.Error()
	if remote.IsRetryable(err) {
		ev = e.logger.Warn()
	}
	ev.Err(err).Str("change_id", change.ID).Str("task_id", change.TaskID).Str("type", string(change.Type)).Msg(msg)
}

// applyPull records remote observations and applies remote content to tasks
// that have no pending local change. Tasks with pending changes are left for
// conflict detection on the next cycle.
func (e *Engine) applyPull(ctx context.Context, tasks []models.Task, result *models.SyncResult) error {
	pending := e.pendingTasks()
	now := e.now().UnixMilli()
	present := make(map[string]bool, len(tasks))

	for i := range tasks {
		rt := tasks[i]
		if rt.RemoteID == "" {
			continue
		}
		present[rt.RemoteID] = true
		local, err := e.store.FindByRemoteID(ctx, rt.RemoteID)
		if err != nil && !errors.Is(err, database.ErrTaskNotFound) {
			return fmt.Errorf("find task by remote id %s: %w", rt.RemoteID, err)
		}

		switch {
		case local != nil:
			rt.ID = local.ID
		case rt.ID == "":
			rt.ID = rt.RemoteID
		}

		hash, _ := tracker.ContentHash(&rt)
		if prev, ok := e.tracker.RemoteHash(rt.ID); ok && prev == hash {
			continue
		}
		observed := now
		if !rt.UpdatedAt.IsZero() {
			observed = rt.UpdatedAt.UnixMilli()
		}
		e.tracker.RecordRemoteChangeAt(rt.ID, &rt, observed)

		if pending[rt.ID] {
			continue
		}
		if local != nil {
			if localHash, _ := tracker.ContentHash(local); localHash == hash {
				e.tracker.Reconcile(rt.ID, local)
				continue
			}
		}
		if err := e.store.SaveTask(ctx, &rt); err != nil {
			return fmt.Errorf("save pulled task %s: %w", rt.ID, err)
		}
		e.tracker.Reconcile(rt.ID, &rt)
		result.Pulled++
	}
	return e.applyRemoteDeletions(ctx, present, pending, result)
}

// applyRemoteDeletions removes local tasks whose remote item is gone. Tasks
// never pushed, or with pending changes, are kept; a pending change against
// a deleted item surfaces as a conflict once the deletion is observed.
func (e *Engine) applyRemoteDeletions(ctx context.Context, present, pending map[string]bool, result *models.SyncResult) error {
	local, err := e.store.LoadTasks(ctx, database.LoadOptions{ForceRefresh: true})
	if err != nil {
		return fmt.Errorf("load local tasks: %w", err)
	}
	for _, task := range local {
		if task.RemoteID == "" || present[task.RemoteID] {
			continue
		}
		if pending[task.ID] {
			if hash, ok := e.tracker.RemoteHash(task.ID); !ok || hash != tracker.TombstoneHash {
				e.tracker.RecordRemoteDeletion(task.ID)
			}
			continue
		}
		if err := e.store.DeleteTask(ctx, task.ID); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
			return fmt.Errorf("delete task %s removed remotely: %w", task.ID, err)
		}
		e.tracker.Reconcile(task.ID, nil)
		result.RemoteDeleted++
		e.logger.Info().Str("task_id", task.ID).Str("remote_id", task.RemoteID).Msg("task deleted remotely, removed locally")
	}
	return nil
}

func (e *Engine) pendingTasks() map[string]bool {
	pending := make(map[string]bool)
	for _, change := range e.tracker.PendingChanges() {
		pending[change.TaskID] = true
	}
	for _, item := range e.queue.Items() {
		pending[item.TaskID] = true
	}
	return pending
}

// SaveLocalTask writes the task to the local store and records the change.
func (e *Engine) SaveLocalTask(ctx context.Context, task *models.Task) (string, error) {
	if task == nil || task.ID == "" {
		return "", errors.New("task id is required")
	}
	changeType := models.ChangeUpdate
	if _, err := e.store.GetTask(ctx, task.ID); errors.Is(err, database.ErrTaskNotFound) {
		changeType = models.ChangeCreate
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = e.now()
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return "", err
	}
	saved, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	return e.RecordLocalChange(ctx, task.ID, changeType, saved), nil
}

// DeleteLocalTask removes the task locally and records the deletion with its remote id.
func (e *Engine) DeleteLocalTask(ctx context.Context, taskID string) (string, error) {
	existing, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return "", err
	}
	return e.RecordLocalChange(ctx, taskID, models.ChangeDelete, existing), nil
}

// RecordLocalChange tracks and enqueues a change that already succeeded
// locally, then applies it immediately when online and idle. Remote failures
// leave the change queued for retry.
func (e *Engine) RecordLocalChange(ctx context.Context, taskID string, changeType models.ChangeType, data *models.Task) string {
	changeID := e.tracker.RecordLocalChange(taskID, changeType, data)
	e.queue.Add(models.ChangeRecord{
		ID:        changeID,
		TaskID:    taskID,
		Type:      changeType,
		Payload:   data,
		Timestamp: e.now().UnixMilli(),
	})
	metrics.SetQueueSize(e.queue.Stats().Total)

	if !e.online() || !e.syncing.CompareAndSwap(false, true) {
		return changeID
	}
	defer e.syncing.Store(false)

	change := models.ChangeRecord{ID: changeID, TaskID: taskID, Type: changeType, Payload: data}
	if err := e.apply(ctx, change); err != nil {
		e.logFailure(err, change, "immediate push failed, left queued")
		e.queue.MarkFailed(ctx, changeID, err)
		return changeID
	}
	e.queue.MarkProcessed(changeID)
	e.tracker.MarkSynced(changeID)
	metrics.SetQueueSize(e.queue.Stats().Total)
	return changeID
}

// RequestSync asks the running loop for a cycle without blocking. It reports
// false when the loop is not running, a request is already pending, or a
// cycle is in flight. Callers without a loop run SyncWithMonday themselves.
func (e *Engine) RequestSync(direction models.SyncDirection) bool {
	if e.syncing.Load() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	select {
	case e.trigger <- direction:
		return true
	default:
		return false
	}
}

// Start runs the background loop: periodic syncs when auto-sync is on and
// requested syncs. It is a no-op when already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(loopCtx, e.done)

	e.logger.Info().
		Bool("auto_sync", e.cfg.AutoSync).
		Dur("interval", e.cfg.Interval()).
		Str("policy", string(e.cfg.Policy())).
		Msg("sync engine started")
}

// Stop ends the loop and waits for an in-flight cycle. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info().Msg("sync engine stopped")
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if e.cfg.AutoSync {
		interval := e.cfg.Interval()
		if interval < models.MinSyncInterval {
			interval = models.MinSyncInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			e.runScheduled(ctx, models.DirectionBoth)
			e.Cleanup()
		case direction := <-e.trigger:
			e.runScheduled(ctx, direction)
		}
	}
}

func (e *Engine) runScheduled(ctx context.Context, direction models.SyncDirection) {
	// Cycles are not cancelled midway; shutdown waits for the current one.
	if _, err := e.SyncWithMonday(context.WithoutCancel(ctx), models.SyncOptions{Direction: direction}); err != nil {
		e.logger.Warn().Err(err).Msg("scheduled sync failed")
	}
}

// Cleanup prunes synced change records and exhausted queue items.
func (e *Engine) Cleanup() {
	maxAge := e.cfg.CleanupMaxAge
	if maxAge <= 0 {
		maxAge = models.DefaultQueueMaxAge
	}
	changes := e.tracker.Cleanup(maxAge)
	items := e.queue.Cleanup(maxAge)
	if changes > 0 || items > 0 {
		e.logger.Info().Int("changes", changes).Int("queue_items", items).Msg("housekeeping done")
	}
}
