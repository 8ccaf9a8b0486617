package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"syncbridge/internal/engine"
	"syncbridge/internal/sync/types"
)

// docWebhookPayload is the document store's webhook shape: the changed
// document wrapped with its type, name and hook event.
type docWebhookPayload struct {
	Doctype string         `json:"doctype"`
	Name    string         `json:"name"`
	Event   string         `json:"event"`
	Doc     map[string]any `json:"doc"`

	Timestamp  string `json:"timestamp,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// tableWebhookPayload is the table store's webhook shape: the affected row
// plus its previous version on updates and deletes.
type tableWebhookPayload struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record,omitempty"`

	Timestamp  string `json:"timestamp,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// WebhookResult is the response body for accepted webhooks.
type WebhookResult struct {
	Outcome     engine.Outcome `json:"outcome"`
	OperationID string         `json:"operationId,omitempty"`
}

func (h *Handler) handleDocWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSignedBody(w, r)
	if !ok {
		return
	}

	var payload docWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid webhook payload")
		return
	}

	op, ok := docOpKind(payload.Event)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Unknown hook event: "+payload.Event)
		return
	}
	if payload.Doctype == "" || payload.Name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "doctype and name are required")
		return
	}

	event := &types.ChangeEvent{
		ID:         uuid.NewString(),
		Origin:     types.SystemDoc,
		EntityType: payload.Doctype,
		Key:        payload.Name,
		Op:         op,
		Payload:    types.RecordFromNative(payload.Doc),
		Timestamp:  eventTimestamp(payload.Timestamp, payload.Doc, "modified"),
		DeliveryID: deliveryID(r, payload.DeliveryID),
	}
	h.processEvent(w, r, event)
}

func (h *Handler) handleTableWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSignedBody(w, r)
	if !ok {
		return
	}

	var payload tableWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid webhook payload")
		return
	}

	op, ok := tableOpKind(payload.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Unknown change type: "+payload.Type)
		return
	}
	if payload.Table == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "table is required")
		return
	}

	// Deletes carry the row only in old_record.
	row := payload.Record
	if op == types.OpDelete && row == nil {
		row = payload.OldRecord
	}
	key := rowKey(row)
	if key == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "record id is required")
		return
	}

	event := &types.ChangeEvent{
		ID:         uuid.NewString(),
		Origin:     types.SystemTable,
		EntityType: payload.Table,
		Key:        key,
		Op:         op,
		Payload:    types.RecordFromNative(payload.Record),
		Timestamp:  eventTimestamp(payload.Timestamp, row, "updated_at"),
		DeliveryID: deliveryID(r, payload.DeliveryID),
	}
	h.processEvent(w, r, event)
}

// readSignedBody reads the request body and verifies its HMAC signature
// when a webhook secret is configured.
func (h *Handler) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
		} else {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		}
		return nil, false
	}

	if h.cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Webhook-Signature")
		if sig == "" || !verifySignature(h.cfg.WebhookSecret, body, sig) {
			h.logger.Warn("webhook signature rejected", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid webhook signature")
			return nil, false
		}
	}
	return body, true
}

func (h *Handler) processEvent(w http.ResponseWriter, r *http.Request, event *types.ChangeEvent) {
	res, err := h.engine.HandleIncomingEvent(r.Context(), event)
	if err != nil {
		if types.IsFatal(err) {
			// Intake store unavailable: tell the sender to redeliver.
			h.logger.Error("event intake failed", "event_id", event.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Event intake unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, WebhookResult{Outcome: res.Outcome, OperationID: res.OperationID})
}

func docOpKind(event string) (types.OpKind, bool) {
	switch event {
	case "after_insert":
		return types.OpCreate, true
	case "after_update", "on_update", "on_submit":
		return types.OpUpdate, true
	case "after_delete", "on_trash":
		return types.OpDelete, true
	default:
		return "", false
	}
}

func tableOpKind(changeType string) (types.OpKind, bool) {
	switch changeType {
	case "INSERT":
		return types.OpCreate, true
	case "UPDATE":
		return types.OpUpdate, true
	case "DELETE":
		return types.OpDelete, true
	default:
		return "", false
	}
}

// rowKey extracts the primary key from a table row.
func rowKey(row map[string]any) string {
	switch v := row["id"].(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; table keys are integral.
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// eventTimestamp picks the event time: an explicit payload timestamp, the
// record's own modified field, or receipt time as a last resort.
func eventTimestamp(explicit string, record map[string]any, modifiedField string) time.Time {
	candidates := []string{explicit}
	if v, ok := record[modifiedField].(string); ok {
		candidates = append(candidates, v)
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, c); err == nil {
				return t
			}
		}
	}
	return time.Now()
}

// deliveryID prefers the transport header over the body field.
func deliveryID(r *http.Request, fromBody string) string {
	if id := r.Header.Get("X-Delivery-ID"); id != "" {
		return id
	}
	return fromBody
}
