package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"taskbridge/internal/database"
	"taskbridge/internal/models"
	"taskbridge/internal/queue"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:     "sync",
		GroupID: "run",
		Short:   "Run one sync cycle and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, ok := models.ParseDirection(direction)
			if !ok {
				return fmt.Errorf("invalid direction %q: use push, pull or both", direction)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			a.monitor.CheckConnectivity(ctx)
			result, err := a.engine.SyncWithMonday(ctx, models.SyncOptions{Direction: dir})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", string(models.DirectionBoth), "push, pull or both")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "ops",
		Short:   "Show connectivity, offline queue and telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.monitor.CheckConnectivity(ctx)
			return printJSON(a.engine.Status())
		},
	}
}

func newRecordCmd() *cobra.Command {
	var (
		title       string
		status      string
		priority    string
		description string
		remove      bool
	)
	cmd := &cobra.Command{
		Use:     "record <task-id>",
		GroupID: "ops",
		Short:   "Save or delete a local task and propagate the change",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.monitor.CheckConnectivity(ctx)
			taskID := args[0]

			var changeID string
			if remove {
				changeID, err = a.engine.DeleteLocalTask(ctx, taskID)
			} else {
				var task *models.Task
				task, err = mergeTask(ctx, a.store, taskID, cmd, title, status, priority, description)
				if err != nil {
					return err
				}
				changeID, err = a.engine.SaveLocalTask(ctx, task)
			}
			if err != nil {
				return err
			}

			stats := a.queue.Stats()
			fmt.Printf("change %s recorded for task %s (queued: %d)\n", changeID, taskID, stats.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&status, "status", "", "todo, in_progress, done or blocked")
	cmd.Flags().StringVar(&priority, "priority", "", "task priority")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the task instead of saving it")
	return cmd
}

// mergeTask applies the flags that were set onto the stored task, or starts a new one.
func mergeTask(ctx context.Context, store *database.TaskStore, taskID string, cmd *cobra.Command, title, status, priority, description string) (*models.Task, error) {
	task, err := store.GetTask(ctx, taskID)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrTaskNotFound):
		if title == "" {
			return nil, fmt.Errorf("--title is required for a new task")
		}
		task = &models.Task{ID: taskID}
	default:
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("title") {
		task.Title = title
	}
	if flags.Changed("status") {
		if !models.ValidStatus(status) {
			return nil, fmt.Errorf("invalid status %q", status)
		}
		task.Status = status
	}
	if flags.Changed("priority") {
		task.Priority = priority
	}
	if flags.Changed("description") {
		task.Description = description
	}
	task.UpdatedAt = time.Now()
	return task, nil
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		GroupID: "ops",
		Short:   "Inspect and maintain the offline queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()
			return printJSON(a.queue.Items())
		},
	}

	var maxAge time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop exhausted items older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			age := maxAge
			if age <= 0 {
				age = a.cfg.Sync.CleanupMaxAge
			}
			removed := a.queue.Cleanup(age)
			fmt.Printf("removed %d queue items\n", removed)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&maxAge, "max-age", 0, "age threshold (default sync.cleanup_max_age)")

	var limit int64
	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "Print items evicted after exhausting their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if a.redis == nil {
				return fmt.Errorf("dead letters need redis.address to be configured")
			}
			items, err := queue.NewRedisDeadLetter(a.redis).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
	deadLetters.Flags().Int64Var(&limit, "limit", 50, "maximum items to print")

	cmd.AddCommand(list, cleanup, deadLetters)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
