package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskbridge/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	hits, misses atomic.Int32
}

func (o *countingObserver) RecordCacheHit()  { o.hits.Add(1) }
func (o *countingObserver) RecordCacheMiss() { o.misses.Add(1) }

type graphQLHandler func(t *testing.T, req graphQLRequest) (int, any)

func setupMonday(t *testing.T, handle graphQLHandler) (*MondayClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))
		assert.Equal(t, mondayAPIVersion, r.Header.Get("API-Version"))

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handle(t, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)

	client := NewMondayClient(MondayOptions{
		APIURL:  server.URL,
		Token:   "test-token",
		BoardID: "42",
		Columns: Columns{Status: "status", Priority: "priority", Description: "text", TaskID: "task_id"},
		Timeout: 2 * time.Second,
	})
	return client, server
}

func data(v any) map[string]any { return map[string]any{"data": v} }

func TestMondayTestConnection(t *testing.T) {
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		assert.Contains(t, req.Query, "me")
		return http.StatusOK, data(map[string]any{"me": map[string]any{"id": 7}})
	})
	assert.NoError(t, client.TestConnection(context.Background()))
}

func TestMondayCreateTask(t *testing.T) {
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		require.Contains(t, req.Query, "create_item")
		assert.Equal(t, "42", req.Variables["board"])
		assert.Equal(t, "Write docs", req.Variables["name"])

		var cols map[string]any
		require.NoError(t, json.Unmarshal([]byte(req.Variables["cols"].(string)), &cols))
		assert.Equal(t, map[string]any{"label": "Working on it"}, cols["status"])
		assert.Equal(t, "T1", cols["task_id"])
		return http.StatusOK, data(map[string]any{"create_item": map[string]any{"id": "9001"}})
	})

	id, err := client.CreateOrUpdateTask(context.Background(), &models.Task{
		ID: "T1", Title: "Write docs", Status: models.StatusInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)
}

func TestMondayUpdateTaskInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		require.Contains(t, req.Query, "change_multiple_column_values")
		assert.Equal(t, "9001", req.Variables["item"])
		var cols map[string]any
		require.NoError(t, json.Unmarshal([]byte(req.Variables["cols"].(string)), &cols))
		assert.Equal(t, "Renamed", cols["name"])
		return http.StatusOK, data(map[string]any{"change_multiple_column_values": map[string]any{"id": "9001"}})
	})
	client.redis = rdb
	client.cacheTTL = time.Minute
	require.NoError(t, mr.Set(itemCachePrefix+"9001", `{"title":"Old"}`))

	id, err := client.CreateOrUpdateTask(context.Background(), &models.Task{
		ID: "T1", RemoteID: "9001", Title: "Renamed", Status: models.StatusDone,
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)
	assert.False(t, mr.Exists(itemCachePrefix+"9001"))
}

func TestMondayValidation(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		calls.Add(1)
		return http.StatusOK, data(nil)
	})
	ctx := context.Background()

	_, err := client.CreateOrUpdateTask(ctx, &models.Task{ID: "T1"})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = client.CreateOrUpdateTask(ctx, &models.Task{ID: "T1", Title: "x", Status: "later"})
	assert.Equal(t, KindValidation, KindOf(err))

	assert.Equal(t, KindValidation, KindOf(client.UpdateTaskStatus(ctx, "1", "nope")))
	assert.Equal(t, KindValidation, KindOf(client.DeleteTask(ctx, "")))
	assert.Zero(t, calls.Load())
}

func TestMondayErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     any
		want     Kind
		retrying bool
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]any{"error_message": "slow"}, KindRateLimited, true},
		{"server error", http.StatusBadGateway, map[string]any{}, KindTransient, true},
		{"unauthorized", http.StatusUnauthorized, map[string]any{}, KindAuth, false},
		{"graphql error", http.StatusOK, map[string]any{"errors": []map[string]any{{"message": "Field 'x' doesn't exist"}}}, KindValidation, false},
		{"complexity budget", http.StatusOK, map[string]any{"error_code": "ComplexityException", "error_message": "budget exhausted"}, KindRateLimited, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
				return tc.status, tc.body
			})
			err := client.DeleteTask(context.Background(), "9001")
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
			assert.Equal(t, tc.retrying, IsRetryable(err))
		})
	}
}

func TestMondayTransportErrorIsTransient(t *testing.T) {
	client, server := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		return http.StatusOK, data(nil)
	})
	server.Close()

	err := client.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestMondayLoadAllTasksPaginates(t *testing.T) {
	item := func(id, name, status string) map[string]any {
		return map[string]any{
			"id":         id,
			"name":       name,
			"updated_at": "2025-03-01T10:00:00Z",
			"column_values": []map[string]any{
				{"id": "status", "text": status},
				{"id": "priority", "text": "High"},
				{"id": "text", "text": "desc " + id},
				{"id": "task_id", "text": "T" + id},
			},
		}
	}
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		if strings.Contains(req.Query, "next_items_page") {
			assert.Equal(t, "c1", req.Variables["cursor"])
			return http.StatusOK, data(map[string]any{"next_items_page": map[string]any{
				"cursor": nil,
				"items":  []any{item("2", "Second", "Stuck")},
			}})
		}
		return http.StatusOK, data(map[string]any{"boards": []any{map[string]any{"items_page": map[string]any{
			"cursor": "c1",
			"items":  []any{item("1", "First", "Done")},
		}}}})
	})

	tasks, err := client.LoadAllTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "1", tasks[0].RemoteID)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, models.StatusDone, tasks[0].Status)
	assert.Equal(t, "high", tasks[0].Priority)
	assert.Equal(t, "desc 1", tasks[0].Description)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), tasks[0].UpdatedAt.UTC())
	assert.Equal(t, models.StatusBlocked, tasks[1].Status)
}

func TestMondayGetItemCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	observer := &countingObserver{}

	var calls atomic.Int32
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		calls.Add(1)
		require.Contains(t, req.Query, "items(ids")
		return http.StatusOK, data(map[string]any{"items": []any{map[string]any{
			"id": "77", "name": "Cached", "updated_at": "2025-03-01T10:00:00Z",
			"column_values": []any{},
		}}})
	})
	client.redis = rdb
	client.cacheTTL = time.Minute
	client.observer = observer

	ctx := context.Background()
	first, err := client.GetItem(ctx, "77")
	require.NoError(t, err)
	second, err := client.GetItem(ctx, "77")
	require.NoError(t, err)

	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), observer.hits.Load())
	assert.Equal(t, int32(1), observer.misses.Load())
}

func TestMondayGetItemNotFound(t *testing.T) {
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		return http.StatusOK, data(map[string]any{"items": []any{}})
	})
	_, err := client.GetItem(context.Background(), "404")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMondayGetItemFreshBypassesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var name atomic.Value
	name.Store("Before")
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		return http.StatusOK, data(map[string]any{"items": []any{map[string]any{
			"id": "77", "name": name.Load().(string), "updated_at": "2025-03-01T10:00:00Z",
			"column_values": []any{map[string]any{"id": "status", "text": "Done"}},
		}}})
	})
	client.redis = rdb
	client.cacheTTL = time.Minute

	ctx := context.Background()
	_, err := client.GetItem(ctx, "77")
	require.NoError(t, err)
	name.Store("After")

	cached, err := client.GetItem(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "Before", cached.Title)

	fresh, err := client.GetItemFresh(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "After", fresh.Title)
	assert.Equal(t, models.StatusDone, fresh.Status)

	again, err := client.GetItem(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "After", again.Title)
}

func TestMondayOversizedResponseIsNotRetryable(t *testing.T) {
	client, _ := setupMonday(t, func(t *testing.T, req graphQLRequest) (int, any) {
		return http.StatusOK, data(map[string]any{"items": []any{map[string]any{
			"id": "77", "name": strings.Repeat("x", 512), "column_values": []any{},
		}}})
	})
	client.maxResponse = 128

	_, err := client.GetItem(context.Background(), "77")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "exceeds 128 bytes")
}

func TestStatusFromLabel(t *testing.T) {
	assert.Equal(t, models.StatusInProgress, StatusFromLabel("working on it"))
	assert.Equal(t, models.StatusTodo, StatusFromLabel(""))
	assert.Equal(t, models.StatusTodo, StatusFromLabel("Something custom"))
}
