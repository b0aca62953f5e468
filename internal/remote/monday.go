package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskbridge/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	mondayAPIVersion = "2024-10"
	itemsPageLimit   = 100
	itemCachePrefix  = "taskbridge:item:"

	// DefaultMaxResponseBytes caps a single API response body.
	DefaultMaxResponseBytes = 8 << 20
)

// monday status labels for each local status.
var statusLabels = map[string]string{
	models.StatusTodo:       "Not Started",
	models.StatusInProgress: "Working on it",
	models.StatusDone:       "Done",
	models.StatusBlocked:    "Stuck",
}

// StatusFromLabel maps a monday status label back to a local status.
// Unknown and empty labels map to todo.
func StatusFromLabel(label string) string {
	for status, l := range statusLabels {
		if strings.EqualFold(l, strings.TrimSpace(label)) {
			return status
		}
	}
	return models.StatusTodo
}

// Columns maps task fields to board column ids.
type Columns struct {
	Status      string
	Priority    string
	Description string
	// TaskID holds the local task id; optional.
	TaskID string
}

// MondayOptions configures a MondayClient.
type MondayOptions struct {
	APIURL     string
	Token      string
	BoardID    string
	Columns    Columns
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	Redis      *redis.Client
	CacheTTL   time.Duration
	Observer   CacheObserver
	Logger     *zerolog.Logger
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// MondayClient talks to the monday.com GraphQL API.
type MondayClient struct {
	apiURL      string
	token       string
	boardID     string
	columns     Columns
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxResponse int64

	redis    *redis.Client
	cacheTTL time.Duration
	observer CacheObserver
	logger   zerolog.Logger
}

var _ Backend = (*MondayClient)(nil)

func NewMondayClient(opts MondayOptions) *MondayClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "monday_client").Logger()
	}
	return &MondayClient{
		apiURL:      opts.APIURL,
		token:       opts.Token,
		boardID:     opts.BoardID,
		columns:     opts.Columns,
		timeout:     opts.Timeout,
		httpClient:  opts.HTTPClient,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		maxResponse: opts.MaxResponseBytes,
		redis:       opts.Redis,
		cacheTTL:    opts.CacheTTL,
		observer:    opts.Observer,
		logger:      logger,
	}
}

// BoardID returns the board the client operates on.
func (c *MondayClient) BoardID() string { return c.boardID }

func (c *MondayClient) TestConnection(ctx context.Context) error {
	var out struct {
		Me struct {
			ID json.Number `json:"id"`
		} `json:"me"`
	}
	return c.query(ctx, "me", `query { me { id } }`, nil, &out)
}

func (c *MondayClient) CreateOrUpdateTask(ctx context.Context, task *models.Task) (string, error) {
	if task == nil || strings.TrimSpace(task.Title) == "" {
		return "", &Error{Kind: KindValidation, Op: "create_or_update", Err: errors.New("task title is required")}
	}
	if task.Status != "" && !models.ValidStatus(task.Status) {
		return "", &Error{Kind: KindValidation, Op: "create_or_update", Err: fmt.Errorf("invalid status %q", task.Status)}
	}

	cols, err := c.columnValues(task)
	if err != nil {
		return "", &Error{Kind: KindValidation, Op: "create_or_update", Err: err}
	}

	if task.RemoteID == "" {
		var out struct {
			CreateItem struct {
				ID string `json:"id"`
			} `json:"create_item"`
		}
		err := c.query(ctx, "create_item",
			`mutation ($board: ID!, $name: String!, $cols: JSON!) { create_item(board_id: $board, item_name: $name, column_values: $cols) { id } }`,
			map[string]any{"board": c.boardID, "name": task.Title, "cols": cols}, &out)
		if err != nil {
			return "", err
		}
		return out.CreateItem.ID, nil
	}

	withName, err := c.columnValuesWithName(task)
	if err != nil {
		return "", &Error{Kind: KindValidation, Op: "create_or_update", Err: err}
	}
	var out struct {
		Change struct {
			ID string `json:"id"`
		} `json:"change_multiple_column_values"`
	}
	err = c.query(ctx, "change_multiple_column_values",
		`mutation ($board: ID!, $item: ID!, $cols: JSON!) { change_multiple_column_values(board_id: $board, item_id: $item, column_values: $cols) { id } }`,
		map[string]any{"board": c.boardID, "item": task.RemoteID, "cols": withName}, &out)
	c.invalidate(ctx, task.RemoteID)
	if err != nil {
		return "", err
	}
	return task.RemoteID, nil
}

func (c *MondayClient) DeleteTask(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return &Error{Kind: KindValidation, Op: "delete_item", Err: errors.New("remote id is required")}
	}
	var out struct {
		DeleteItem struct {
			ID string `json:"id"`
		} `json:"delete_item"`
	}
	err := c.query(ctx, "delete_item", `mutation ($item: ID!) { delete_item(item_id: $item) { id } }`,
		map[string]any{"item": remoteID}, &out)
	c.invalidate(ctx, remoteID)
	return err
}

func (c *MondayClient) UpdateTaskStatus(ctx context.Context, remoteID, status string) error {
	if !models.ValidStatus(status) {
		return &Error{Kind: KindValidation, Op: "update_status", Err: fmt.Errorf("invalid status %q", status)}
	}
	cols, err := json.Marshal(map[string]any{
		c.columns.Status: map[string]string{"label": statusLabels[status]},
	})
	if err != nil {
		return &Error{Kind: KindValidation, Op: "update_status", Err: err}
	}
	var out json.RawMessage
	err = c.query(ctx, "update_status",
		`mutation ($board: ID!, $item: ID!, $cols: JSON!) { change_multiple_column_values(board_id: $board, item_id: $item, column_values: $cols) { id } }`,
		map[string]any{"board": c.boardID, "item": remoteID, "cols": string(cols)}, &out)
	c.invalidate(ctx, remoteID)
	return err
}

type mondayColumnValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type mondayItem struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	UpdatedAt    string              `json:"updated_at"`
	ColumnValues []mondayColumnValue `json:"column_values"`
}

type itemsPage struct {
	Cursor *string      `json:"cursor"`
	Items  []mondayItem `json:"items"`
}

const itemFields = `id name updated_at column_values { id text }`

func (c *MondayClient) LoadAllTasks(ctx context.Context) ([]models.Task, error) {
	var first struct {
		Boards []struct {
			ItemsPage itemsPage `json:"items_page"`
		} `json:"boards"`
	}
	err := c.query(ctx, "items_page",
		fmt.Sprintf(`query ($board: [ID!]) { boards(ids: $board) { items_page(limit: %d) { cursor items { %s } } } }`, itemsPageLimit, itemFields),
		map[string]any{"board": []string{c.boardID}}, &first)
	if err != nil {
		return nil, err
	}
	if len(first.Boards) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "items_page", Err: fmt.Errorf("board %s not found", c.boardID)}
	}

	page := first.Boards[0].ItemsPage
	tasks := make([]models.Task, 0, len(page.Items))
	for {
		for _, item := range page.Items {
			tasks = append(tasks, c.toTask(item))
		}
		if page.Cursor == nil || *page.Cursor == "" {
			break
		}
		var next struct {
			NextItemsPage itemsPage `json:"next_items_page"`
		}
		err := c.query(ctx, "next_items_page",
			fmt.Sprintf(`query ($cursor: String!) { next_items_page(limit: %d, cursor: $cursor) { cursor items { %s } } }`, itemsPageLimit, itemFields),
			map[string]any{"cursor": *page.Cursor}, &next)
		if err != nil {
			return nil, err
		}
		page = next.NextItemsPage
	}
	return tasks, nil
}

func (c *MondayClient) GetItem(ctx context.Context, remoteID string) (*models.Task, error) {
	var cached models.Task
	if c.readCache(ctx, remoteID, &cached) {
		return &cached, nil
	}
	return c.fetchItem(ctx, remoteID)
}

// GetItemFresh skips the item cache and refreshes it with the result.
// Webhook deliveries use it since a cached copy predates the event.
func (c *MondayClient) GetItemFresh(ctx context.Context, remoteID string) (*models.Task, error) {
	task, err := c.fetchItem(ctx, remoteID)
	if err != nil && KindOf(err) == KindNotFound {
		c.invalidate(ctx, remoteID)
	}
	return task, err
}

func (c *MondayClient) fetchItem(ctx context.Context, remoteID string) (*models.Task, error) {
	var out struct {
		Items []mondayItem `json:"items"`
	}
	err := c.query(ctx, "items",
		fmt.Sprintf(`query ($ids: [ID!]) { items(ids: $ids) { %s } }`, itemFields),
		map[string]any{"ids": []string{remoteID}}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "items", Err: fmt.Errorf("item %s", remoteID)}
	}
	task := c.toTask(out.Items[0])
	c.writeCache(ctx, remoteID, task)
	return &task, nil
}

func (c *MondayClient) toTask(item mondayItem) models.Task {
	task := models.Task{RemoteID: item.ID, Title: item.Name, Status: models.StatusTodo}
	for _, cv := range item.ColumnValues {
		switch cv.ID {
		case c.columns.Status:
			task.Status = StatusFromLabel(cv.Text)
		case c.columns.Priority:
			task.Priority = strings.ToLower(cv.Text)
		case c.columns.Description:
			task.Description = cv.Text
		case c.columns.TaskID:
			task.ID = cv.Text
		}
	}
	if ts, err := time.Parse(time.RFC3339, item.UpdatedAt); err == nil {
		task.UpdatedAt = ts
	}
	return task
}

func (c *MondayClient) columnMap(task *models.Task) map[string]any {
	cols := map[string]any{}
	if c.columns.Status != "" {
		status := task.Status
		if status == "" {
			status = models.StatusTodo
		}
		cols[c.columns.Status] = map[string]string{"label": statusLabels[status]}
	}
	if c.columns.Priority != "" && task.Priority != "" {
		cols[c.columns.Priority] = map[string]string{"label": task.Priority}
	}
	if c.columns.Description != "" {
		cols[c.columns.Description] = task.Description
	}
	if c.columns.TaskID != "" && task.ID != "" {
		cols[c.columns.TaskID] = task.ID
	}
	return cols
}

func (c *MondayClient) columnValues(task *models.Task) (string, error) {
	data, err := json.Marshal(c.columnMap(task))
	return string(data), err
}

func (c *MondayClient) columnValuesWithName(task *models.Task) (string, error) {
	cols := c.columnMap(task)
	cols["name"] = task.Title
	data, err := json.Marshal(cols)
	return string(data), err
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data         json.RawMessage `json:"data"`
	Errors       []graphQLError  `json:"errors"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

func (c *MondayClient) query(ctx context.Context, op, query string, vars map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindRateLimited, Op: op, Err: err}
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)
	req.Header.Set("API-Version", mondayAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(raw)) > c.maxResponse {
		// A retry returns the same oversized body.
		return &Error{Kind: KindValidation, Op: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("response exceeds %d bytes", c.maxResponse)}
	}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("monday call")

	if resp.StatusCode >= 300 {
		return &Error{Kind: KindForStatus(resp.StatusCode), Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if gr.ErrorCode != "" || gr.ErrorMessage != "" {
		return &Error{Kind: kindForCode(gr.ErrorCode), Op: op, StatusCode: resp.StatusCode, Err: errors.New(gr.ErrorMessage)}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return &Error{Kind: kindForCode(gr.Errors[0].Extensions.Code), Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.Join(msgs, "; "))}
	}
	if out == nil || len(gr.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return &Error{Kind: KindValidation, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func kindForCode(code string) Kind {
	switch code {
	case "ComplexityException", "RATE_LIMIT_EXCEEDED", "maxConcurrencyExceeded":
		return KindRateLimited
	case "UserUnauthorizedException", "UNAUTHENTICATED":
		return KindAuth
	case "ResourceNotFoundException", "InvalidItemIdException":
		return KindNotFound
	case "INTERNAL_SERVER_ERROR":
		return KindTransient
	default:
		return KindValidation
	}
}

func (c *MondayClient) readCache(ctx context.Context, remoteID string, out *models.Task) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, itemCachePrefix+remoteID).Result()
	if err != nil || json.Unmarshal([]byte(val), out) != nil {
		if c.observer != nil {
			c.observer.RecordCacheMiss()
		}
		return false
	}
	if c.observer != nil {
		c.observer.RecordCacheHit()
	}
	return true
}

func (c *MondayClient) writeCache(ctx context.Context, remoteID string, task models.Task) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, itemCachePrefix+remoteID, data, c.cacheTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("remote_id", remoteID).Msg("item cache write failed")
	}
}

func (c *MondayClient) invalidate(ctx context.Context, remoteID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, itemCachePrefix+remoteID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("remote_id", remoteID).Msg("item cache invalidation failed")
	}
}
