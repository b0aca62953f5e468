// Package google provides a Google Sheets task backend.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskbridge/internal/models"
	"taskbridge/internal/remote"

	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Row layout: remote id, task id, title, status, priority, description, updated at.
const lastColumn = "G"

var errRowNotFound = errors.New("task row not found")

// SheetsBackend stores tasks as rows of a single sheet. Column A holds
// the remote id and is the row key.
type SheetsBackend struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	now           func() time.Time

	rowCache map[string]int
	cacheMu  sync.RWMutex
}

var _ remote.Backend = (*SheetsBackend)(nil)

func NewSheetsBackend(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*SheetsBackend, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return newSheetsBackend(srv, spreadsheetID, sheetName), nil
}

func newSheetsBackend(srv *sheets.Service, spreadsheetID, sheetName string) *SheetsBackend {
	if sheetName == "" {
		sheetName = "Tasks"
	}
	return &SheetsBackend{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		now:           time.Now,
		rowCache:      make(map[string]int),
	}
}

// ServiceAccountEmail returns the client_email of a service account key file.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}

	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}

	return creds.ClientEmail, nil
}

func (s *SheetsBackend) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	return wrapErr("test_connection", err)
}

// WarmUpCache rebuilds the row index from column A.
func (s *SheetsBackend) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return wrapErr("warm_up_cache", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)

	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue
		}
		if id := cellString(row[0]); id != "" {
			s.rowCache[id] = i + 1
		}
	}
	return nil
}

func (s *SheetsBackend) CreateOrUpdateTask(ctx context.Context, task *models.Task) (string, error) {
	if task == nil || strings.TrimSpace(task.Title) == "" {
		return "", &remote.Error{Kind: remote.KindValidation, Op: "upsert_row", Err: errors.New("task title is required")}
	}
	if task.Status != "" && !models.ValidStatus(task.Status) {
		return "", &remote.Error{Kind: remote.KindValidation, Op: "upsert_row", Err: fmt.Errorf("invalid status %q", task.Status)}
	}

	remoteID := task.RemoteID
	if remoteID != "" {
		rowIdx, err := s.FindTaskRow(ctx, remoteID)
		switch {
		case err == nil:
			rangeData := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn, rowIdx)
			_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
				Values: [][]interface{}{s.rowValues(remoteID, task)},
			}).ValueInputOption("RAW").Context(ctx).Do()
			if err != nil {
				return "", wrapErr("update_row", err)
			}
			return remoteID, nil
		case !errors.Is(err, errRowNotFound):
			return "", err
		}
	} else {
		remoteID = uuid.NewString()
	}

	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{s.rowValues(remoteID, task)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return "", wrapErr("append_row", err)
	}
	if resp.Updates != nil {
		if row, ok := rowFromRange(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(remoteID, row)
		}
	}
	return remoteID, nil
}

// DeleteTask clears the task row. Row indexes of other tasks stay valid.
func (s *SheetsBackend) DeleteTask(ctx context.Context, remoteID string) error {
	rowIdx, err := s.FindTaskRow(ctx, remoteID)
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn, rowIdx)
	_, err = s.service.Spreadsheets.Values.Clear(s.spreadsheetID, rangeData, &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return wrapErr("clear_row", err)
	}
	s.deleteCachedRow(remoteID)
	return nil
}

func (s *SheetsBackend) UpdateTaskStatus(ctx context.Context, remoteID, status string) error {
	if !models.ValidStatus(status) {
		return &remote.Error{Kind: remote.KindValidation, Op: "update_status", Err: fmt.Errorf("invalid status %q", status)}
	}
	rowIdx, err := s.FindTaskRow(ctx, remoteID)
	if err != nil {
		return err
	}

	statusRange := fmt.Sprintf("%s!D%d:D%d", s.sheetName, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, statusRange, &sheets.ValueRange{
		Values: [][]interface{}{{status}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return wrapErr("update_status", err)
	}

	updatedRange := fmt.Sprintf("%s!G%d:G%d", s.sheetName, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, updatedRange, &sheets.ValueRange{
		Values: [][]interface{}{{s.now().UTC().Format(time.RFC3339)}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return wrapErr("update_status", err)
}

func (s *SheetsBackend) LoadAllTasks(ctx context.Context) ([]models.Task, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, fmt.Sprintf("%s!A:%s", s.sheetName, lastColumn)).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("load_rows", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)

	tasks := make([]models.Task, 0, len(resp.Values))
	for i, row := range resp.Values {
		if i == 0 {
			continue // header
		}
		task, ok := taskFromRow(row)
		if !ok {
			continue
		}
		s.rowCache[task.RemoteID] = i + 1
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *SheetsBackend) GetItem(ctx context.Context, remoteID string) (*models.Task, error) {
	rowIdx, err := s.FindTaskRow(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	rangeData := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn, rowIdx)
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, rangeData).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("get_row", err)
	}
	if len(resp.Values) == 0 {
		s.deleteCachedRow(remoteID)
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "get_row", Err: errRowNotFound}
	}
	task, ok := taskFromRow(resp.Values[0])
	if !ok || task.RemoteID != remoteID {
		s.deleteCachedRow(remoteID)
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "get_row", Err: errRowNotFound}
	}
	return &task, nil
}

// FindTaskRow locates the 1-based row for remoteID, using the row cache first.
func (s *SheetsBackend) FindTaskRow(ctx context.Context, remoteID string) (int, error) {
	if remoteID == "" {
		return 0, &remote.Error{Kind: remote.KindValidation, Op: "find_row", Err: errors.New("remote id is required")}
	}

	if row, ok := s.getCachedRow(remoteID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, wrapErr("find_row", err)
	}

	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if cellString(row[0]) == remoteID {
			rowIdx := i + 1 // Values are zero-based; sheet rows are 1-based
			s.setCachedRow(remoteID, rowIdx)
			return rowIdx, nil
		}
	}

	return 0, &remote.Error{Kind: remote.KindNotFound, Op: "find_row", Err: errRowNotFound}
}

func (s *SheetsBackend) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsBackend) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func (s *SheetsBackend) deleteCachedRow(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.rowCache, id)
}

func (s *SheetsBackend) rowValues(remoteID string, task *models.Task) []interface{} {
	status := task.Status
	if status == "" {
		status = models.StatusTodo
	}
	updated := task.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	return []interface{}{
		remoteID,
		task.ID,
		task.Title,
		status,
		task.Priority,
		task.Description,
		updated.UTC().Format(time.RFC3339),
	}
}

func taskFromRow(row []interface{}) (models.Task, bool) {
	cell := func(i int) string {
		if i < len(row) {
			return cellString(row[i])
		}
		return ""
	}
	task := models.Task{
		RemoteID:    cell(0),
		ID:          cell(1),
		Title:       cell(2),
		Status:      cell(3),
		Priority:    cell(4),
		Description: cell(5),
	}
	if task.RemoteID == "" {
		return models.Task{}, false
	}
	if !models.ValidStatus(task.Status) {
		task.Status = models.StatusTodo
	}
	if ts, err := time.Parse(time.RFC3339, cell(6)); err == nil {
		task.UpdatedAt = ts
	}
	return task, true
}

func cellString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// rowFromRange extracts the first row number from an A1 range such as "Tasks!A10:G10".
func rowFromRange(a1 string) (int, bool) {
	if idx := strings.LastIndex(a1, "!"); idx >= 0 {
		a1 = a1[idx+1:]
	}
	if idx := strings.Index(a1, ":"); idx >= 0 {
		a1 = a1[:idx]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	row, err := strconv.Atoi(digits)
	if err != nil || row <= 0 {
		return 0, false
	}
	return row, true
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &remote.Error{Kind: remote.KindForStatus(gerr.Code), StatusCode: gerr.Code, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &remote.Error{Kind: remote.KindTransient, Op: op, Err: err}
}
