package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskbridge/internal/database"
	"taskbridge/internal/events"
	"taskbridge/internal/models"
)

const promptTimeout = 2 * time.Minute

func (e *Engine) resolve(ctx context.Context, conflict models.ConflictRecord) error {
	policy := e.cfg.Policy()
	if !policy.Valid() {
		policy = models.PolicyNewest
	}
	winner := e.chooseWinner(ctx, conflict, policy)

	if err := e.applyResolution(ctx, conflict, winner); err != nil {
		return err
	}

	e.telemetry.RecordConflictResolved(string(winner))
	e.logger.Info().
		Str("task_id", conflict.TaskID).
		Str("policy", string(policy)).
		Str("winner", string(winner)).
		Msg("conflict resolved")
	_ = e.bus.PublishJSON(events.EventConflictResolved, events.ConflictResolvedPayload{
		TaskID: conflict.TaskID,
		Winner: string(winner),
		Policy: string(policy),
	})
	return nil
}

// chooseWinner returns PolicyLocal or PolicyMonday.
func (e *Engine) chooseWinner(ctx context.Context, conflict models.ConflictRecord, policy models.ConflictPolicy) models.ConflictPolicy {
	switch policy {
	case models.PolicyLocal, models.PolicyMonday:
		return policy
	case models.PolicyPrompt:
		if e.prompter != nil {
			promptCtx, cancel := context.WithTimeout(ctx, promptTimeout)
			choice, err := e.prompter.Choose(promptCtx, conflict)
			cancel()
			if err == nil && (choice == models.PolicyLocal || choice == models.PolicyMonday) {
				return choice
			}
			if err != nil && !errors.Is(err, ErrNonInteractive) {
				e.logger.Warn().Err(err).Str("task_id", conflict.TaskID).Msg("prompt failed, using newest")
			}
		}
		return newest(conflict)
	default:
		return newest(conflict)
	}
}

// newest picks the later side. Ties keep the local value. A nil Remote is a
// remote deletion and competes on its timestamp like any other value.
func newest(conflict models.ConflictRecord) models.ConflictPolicy {
	switch {
	case conflict.Local == nil:
		return models.PolicyMonday
	case conflict.RemoteTimestamp > conflict.LocalTimestamp:
		return models.PolicyMonday
	default:
		return models.PolicyLocal
	}
}

// applyResolution writes the winning value locally and realigns the tracker.
// Applying the same resolution twice leaves the same local state.
func (e *Engine) applyResolution(ctx context.Context, conflict models.ConflictRecord, winner models.ConflictPolicy) error {
	existing, err := e.store.GetTask(ctx, conflict.TaskID)
	if err != nil && !errors.Is(err, database.ErrTaskNotFound) {
		return fmt.Errorf("load task: %w", err)
	}

	if winner == models.PolicyLocal {
		task := conflict.Local.Clone()
		if task == nil || existing == nil {
			// The local side is a deletion; the pending change carries it.
			e.tracker.Reconcile(conflict.TaskID, task)
			return nil
		}
		task.ID = conflict.TaskID
		if task.RemoteID == "" {
			task.RemoteID = existing.RemoteID
		}
		if err := e.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("save local winner: %w", err)
		}
		e.tracker.Reconcile(conflict.TaskID, task)
		return nil
	}

	if conflict.Remote == nil {
		if existing != nil {
			if err := e.store.DeleteTask(ctx, conflict.TaskID); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
				return fmt.Errorf("apply remote deletion: %w", err)
			}
		}
		e.supersede(conflict.TaskID)
		e.tracker.Reconcile(conflict.TaskID, nil)
		return nil
	}

	task := conflict.Remote.Clone()
	task.ID = conflict.TaskID
	if task.RemoteID == "" && existing != nil {
		task.RemoteID = existing.RemoteID
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.UnixMilli(conflict.RemoteTimestamp)
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save remote winner: %w", err)
	}
	e.supersede(conflict.TaskID)
	e.tracker.Reconcile(conflict.TaskID, task)
	return nil
}

// supersede discards the task's pending local changes and their queue items.
func (e *Engine) supersede(taskID string) {
	superseded := e.tracker.SupersedeTask(taskID)
	dropped := e.queue.DropTask(taskID)
	if superseded > 0 || dropped > 0 {
		e.logger.Debug().Str("task_id", taskID).Int("changes", superseded).Int("queue_items", dropped).
			Msg("local changes superseded by remote value")
	}
}
