package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/schema"

	"syncbridge/internal/mapping"
	"syncbridge/internal/queue"
	"syncbridge/internal/sync/types"
)

// opsListQuery are the supported list filters, decoded from the query
// string.
type opsListQuery struct {
	Status []string `schema:"status"`
	Target string   `schema:"target"`
	Entity string   `schema:"entity"`
	Limit  int      `schema:"limit"`
}

func (h *Handler) handleListOps(w http.ResponseWriter, r *http.Request) {
	var q opsListQuery
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters")
		return
	}

	filter := queue.ListFilter{
		Target:     types.System(q.Target),
		EntityType: q.Entity,
		Limit:      q.Limit,
	}
	for _, s := range q.Status {
		filter.Statuses = append(filter.Statuses, types.OpStatus(s))
	}

	ops, err := h.engine.ListOperations(r.Context(), filter)
	if err != nil {
		h.logger.Error("list operations failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (h *Handler) handleGetOp(w http.ResponseWriter, r *http.Request) {
	op, err := h.engine.GetOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		if queue.IsNotFound(err) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Operation not found")
			return
		}
		h.logger.Error("get operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to get operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleRetryOp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.RetryFailed(r.Context(), id); err != nil {
		if queue.IsNotFound(err) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Operation not found")
			return
		}
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resubmitted"})
}

func (h *Handler) handleCancelOp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.CancelOperation(r.Context(), id); err != nil {
		if queue.IsNotFound(err) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Operation not found")
			return
		}
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// resolveRequest picks the winning side of a parked manual conflict.
type resolveRequest struct {
	Winner types.System `json:"winner"`
}

func (h *Handler) handleResolveOp(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if !req.Winner.IsValid() {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "winner must be doc or table")
		return
	}

	id := r.PathValue("id")
	if err := h.engine.ResolveConflict(r.Context(), id, req.Winner); err != nil {
		if queue.IsNotFound(err) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Operation not found")
			return
		}
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "winner": req.Winner})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": stats})
}

// mappingSummary is the read-only view of one configured mapping.
type mappingSummary struct {
	Name         string `json:"name"`
	SourceEntity string `json:"sourceEntity"`
	TargetEntity string `json:"targetEntity"`
	Direction    string `json:"direction"`
	Strategy     string `json:"strategy"`
	Fields       int    `json:"fields"`
}

func (h *Handler) handleListMappings(w http.ResponseWriter, _ *http.Request) {
	set := h.engine.Mappings()
	out := make([]mappingSummary, 0, set.Len())
	for _, mp := range set.All() {
		out = append(out, summarize(mp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": out})
}

func summarize(mp *mapping.SyncMapping) mappingSummary {
	return mappingSummary{
		Name:         mp.Name,
		SourceEntity: mp.SourceEntity,
		TargetEntity: mp.TargetEntity,
		Direction:    string(mp.Direction),
		Strategy:     string(mp.Strategy),
		Fields:       len(mp.Fields),
	}
}

func (h *Handler) handleReloadMappings(w http.ResponseWriter, _ *http.Request) {
	if h.mappingsFile == "" {
		writeError(w, http.StatusConflict, ErrCodeConflict, "No mappings file configured")
		return
	}
	if err := h.engine.ReloadMappings(h.mappingsFile); err != nil {
		// The previous set stays active on any reload error.
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "mappings": h.engine.Mappings().Len()})
}
