// Package webhook ingests monday.com push notifications.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"taskbridge/internal/database"
	"taskbridge/internal/events"
	"taskbridge/internal/models"
	"taskbridge/internal/remote"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// LocalResolver maps remote item ids to local tasks.
type LocalResolver interface {
	// FindByRemoteID returns database.ErrTaskNotFound when nothing matches.
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Task, error)
}

// ItemFetcher reads the current remote snapshot of an item.
type ItemFetcher interface {
	GetItem(ctx context.Context, remoteID string) (*models.Task, error)
}

// freshFetcher is implemented by backends that cache items; the webhook
// path must not see a copy older than the event.
type freshFetcher interface {
	GetItemFresh(ctx context.Context, remoteID string) (*models.Task, error)
}

// ChangeRecorder receives remote observations.
type ChangeRecorder interface {
	RecordRemoteChange(taskID string, data *models.Task)
	RecordRemoteDeletion(taskID string)
}

// SyncTrigger starts a sync cycle without waiting for it.
type SyncTrigger interface {
	RequestSync(direction models.SyncDirection) bool
}

// WebhookCounter counts processed events.
type WebhookCounter interface {
	RecordWebhook()
}

// Options configures a Handler.
type Options struct {
	BoardID          string
	Columns          remote.Columns
	AutoSync         bool
	RequireSignature bool
	Verifier         *Verifier
	Store            LocalResolver
	Remote           ItemFetcher
	Tracker          ChangeRecorder
	Trigger          SyncTrigger
	Telemetry        WebhookCounter
	Bus              *events.EventBus
	Logger           *zerolog.Logger
}

// Handler serves the webhook endpoint.
type Handler struct {
	opts   Options
	logger zerolog.Logger
}

func NewHandler(opts Options) *Handler {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "webhook").Logger()
	}
	if opts.RequireSignature && opts.Verifier == nil {
		logger.Error().Msg("signature required but no signing secret configured; all events will be rejected")
	}
	if !opts.RequireSignature && opts.Verifier == nil {
		logger.Warn().Msg("webhook signature verification disabled")
	}
	return &Handler{opts: opts, logger: logger}
}

// ID accepts both JSON numbers and strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Event is the inbound change notification.
type Event struct {
	Type          string          `json:"type"`
	BoardID       ID              `json:"boardId"`
	PulseID       ID              `json:"pulseId"`
	PulseName     string          `json:"pulseName"`
	ColumnID      string          `json:"columnId"`
	Value         json.RawMessage `json:"value"`
	PreviousValue json.RawMessage `json:"previousValue"`
}

// monday event types that remove an item from the board.
var deletionEvents = map[string]bool{
	"delete_pulse":  true,
	"item_deleted":  true,
	"archive_pulse": true,
	"item_archived": true,
}

// eventValue covers the value shapes of name, status and text columns.
type eventValue struct {
	Name  string `json:"name"`
	Text  string `json:"text"`
	Label *struct {
		Text string `json:"text"`
	} `json:"label"`
}

type envelope struct {
	Challenge *string `json:"challenge"`
	Event     *Event  `json:"event"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.logger.Warn().Err(err).Msg("malformed webhook body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	switch {
	case env.Challenge != nil:
		writeJSON(w, http.StatusOK, map[string]string{"challenge": *env.Challenge})
		return
	case env.Event == nil || env.Event.PulseID == "":
		h.logger.Warn().Msg("webhook body is neither challenge nor event")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	if err := h.verify(r.Header.Get("Authorization")); err != nil {
		h.logger.Warn().Err(err).Str("pulse_id", string(env.Event.PulseID)).Msg("webhook rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	if err := h.ProcessWebhookEvent(r.Context(), *env.Event); err != nil {
		h.logger.Error().Err(err).Str("pulse_id", string(env.Event.PulseID)).Msg("webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *Handler) verify(header string) error {
	present := strings.TrimSpace(header) != ""
	switch {
	case h.opts.RequireSignature && h.opts.Verifier == nil:
		return ErrInvalidSignature
	case h.opts.RequireSignature && !present:
		return ErrInvalidSignature
	case present && h.opts.Verifier != nil:
		return h.opts.Verifier.Verify(header)
	}
	return nil
}

// ProcessWebhookEvent records a remote change for the event's item and,
// with auto-sync, requests a pull cycle. Events for other boards are dropped.
// Delete and archive events record a tombstone instead of a snapshot.
func (h *Handler) ProcessWebhookEvent(ctx context.Context, ev Event) error {
	remoteID := string(ev.PulseID)
	log := h.logger.With().Str("remote_id", remoteID).Str("event_type", ev.Type).Logger()

	if h.opts.BoardID != "" && string(ev.BoardID) != h.opts.BoardID {
		log.Info().Str("board_id", string(ev.BoardID)).Msg("event for another board dropped")
		return nil
	}

	var local *models.Task
	if h.opts.Store != nil {
		found, err := h.opts.Store.FindByRemoteID(ctx, remoteID)
		switch {
		case err == nil:
			local = found
		case !errors.Is(err, database.ErrTaskNotFound):
			return fmt.Errorf("resolve local task: %w", err)
		}
	}

	deleted := deletionEvents[ev.Type]

	var snapshot *models.Task
	if h.opts.Remote != nil && !deleted {
		item, err := h.fetch(ctx, remoteID)
		if err != nil {
			log.Warn().Err(err).Msg("remote item fetch failed, using event data")
		} else {
			snapshot = item
		}
	}

	taskID := remoteID
	switch {
	case local != nil:
		taskID = local.ID
	case snapshot != nil && snapshot.ID != "":
		taskID = snapshot.ID
	}

	if deleted {
		if local == nil {
			log.Info().Msg("deletion for unknown item ignored")
			return nil
		}
		if h.opts.Tracker != nil {
			h.opts.Tracker.RecordRemoteDeletion(taskID)
		}
	} else {
		data := snapshot.Clone()
		if data == nil {
			data = local.Clone()
		}
		if data == nil {
			data = &models.Task{Status: models.StatusTodo}
		}
		h.applyEvent(data, ev)
		data.ID = taskID
		data.RemoteID = remoteID

		if h.opts.Tracker != nil {
			h.opts.Tracker.RecordRemoteChange(taskID, data)
		}
	}
	if h.opts.Telemetry != nil {
		h.opts.Telemetry.RecordWebhook()
	}
	if err := h.opts.Bus.PublishJSON(events.EventRemoteChange, events.RemoteChangePayload{
		TaskID:    taskID,
		RemoteID:  remoteID,
		EventType: ev.Type,
		ColumnID:  ev.ColumnID,
	}); err != nil {
		log.Error().Err(err).Msg("publish remote change")
	}

	log.Info().Str("task_id", taskID).Bool("deleted", deleted).Msg("remote change recorded")

	if h.opts.AutoSync && h.opts.Trigger != nil {
		if !h.opts.Trigger.RequestSync(models.DirectionPull) {
			log.Debug().Msg("pull sync already pending")
		}
	}
	return nil
}

func (h *Handler) fetch(ctx context.Context, remoteID string) (*models.Task, error) {
	if f, ok := h.opts.Remote.(freshFetcher); ok {
		return f.GetItemFresh(ctx, remoteID)
	}
	return h.opts.Remote.GetItem(ctx, remoteID)
}

// applyEvent overlays the fields the event carries. They describe the state
// after the change, so they win over any fetched snapshot.
func (h *Handler) applyEvent(task *models.Task, ev Event) {
	if ev.PulseName != "" {
		task.Title = ev.PulseName
	}
	if len(ev.Value) == 0 {
		return
	}
	var v eventValue
	if err := json.Unmarshal(ev.Value, &v); err != nil {
		h.logger.Debug().Err(err).Str("column_id", ev.ColumnID).Msg("event value not decoded")
		return
	}

	label := ""
	if v.Label != nil {
		label = v.Label.Text
	}
	cols := h.opts.Columns
	switch {
	case ev.Type == "change_name" || ev.Type == "update_name":
		if v.Name != "" {
			task.Title = v.Name
		}
	case ev.ColumnID != "" && ev.ColumnID == cols.Status,
		ev.ColumnID == "" && ev.Type == "change_status_column_value":
		if label != "" {
			task.Status = remote.StatusFromLabel(label)
		}
	case ev.ColumnID != "" && ev.ColumnID == cols.Priority:
		if label != "" {
			task.Priority = strings.ToLower(label)
		}
	case ev.ColumnID != "" && ev.ColumnID == cols.Description:
		task.Description = v.Text
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

var _ http.Handler = (*Handler)(nil)
