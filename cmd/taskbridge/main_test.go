package main

import (
	"context"
	"path/filepath"
	"testing"

	"taskbridge/internal/database"
	"taskbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"serve", "sync", "status", "record", "queue"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cleanup, _, err := root.Find([]string{"queue", "cleanup"})
	require.NoError(t, err)
	assert.NotNil(t, cleanup.Flags().Lookup("max-age"))
}

func TestMergeTask(t *testing.T) {
	store, err := database.NewTaskStore(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	record := newRecordCmd()
	_, err = mergeTask(ctx, store, "T1", record, "", "", "", "")
	assert.Error(t, err, "new task without title")

	require.NoError(t, record.Flags().Set("title", "Write docs"))
	task, err := mergeTask(ctx, store, "T1", record, "Write docs", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Write docs", task.Title)
	require.NoError(t, store.SaveTask(ctx, task))

	update := newRecordCmd()
	require.NoError(t, update.Flags().Set("status", models.StatusDone))
	task, err = mergeTask(ctx, store, "T1", update, "", models.StatusDone, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Write docs", task.Title)
	assert.Equal(t, models.StatusDone, task.Status)

	bad := newRecordCmd()
	require.NoError(t, bad.Flags().Set("status", "later"))
	_, err = mergeTask(ctx, store, "T1", bad, "", "later", "", "")
	assert.Error(t, err)
}
