package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/savegress/chartsync/internal/conflict"
	"github.com/savegress/chartsync/internal/engine"
	"github.com/savegress/chartsync/internal/security"
	"github.com/savegress/chartsync/pkg/models"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates new handlers
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

// requestCtx attaches the caller identity and any emergency token from the
// request headers, so the security layer can authorize and audit.
func requestCtx(r *http.Request) *http.Request {
	ctx := r.Context()
	if actor := r.Header.Get("X-User-ID"); actor != "" {
		ctx = security.WithActor(ctx, actor)
	}
	if token := r.Header.Get("X-Emergency-Token"); token != "" {
		ctx = security.WithEmergencyToken(ctx, token)
	}
	return r.WithContext(ctx)
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chartsync",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Clinical resource handlers

// PutResource stores a clinical resource and queues it for sync
func (h *Handlers) PutResource(w http.ResponseWriter, r *http.Request) {
	r = requestCtx(r)
	rt := models.ResourceType(chi.URLParam(r, "type"))

	var resource models.ClinicalResource
	if err := json.NewDecoder(r.Body).Decode(&resource); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	resource.ResourceType = rt
	if id := chi.URLParam(r, "id"); id != "" {
		resource.ID = id
	}
	if resource.ID == "" {
		respondError(w, http.StatusBadRequest, "Resource id is required")
		return
	}

	rec, err := h.engine.Put(r.Context(), &resource)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"resourceType": rec.ResourceType,
		"id":           rec.ResourceID,
		"version":      rec.Version,
		"syncStatus":   rec.SyncStatus,
	})
}

// GetResource reads a clinical resource
func (h *Handlers) GetResource(w http.ResponseWriter, r *http.Request) {
	r = requestCtx(r)
	rt := models.ResourceType(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")

	resource, err := h.engine.Get(r.Context(), rt, id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, resource)
}

// QueryResources runs an index lookup. Exactly one of the supported query
// parameters selects the index.
func (h *Handlers) QueryResources(w http.ResponseWriter, r *http.Request) {
	r = requestCtx(r)

	var keyType models.IndexKeyType
	var value string
	switch {
	case r.URL.Query().Get("patient") != "":
		keyType, value = models.IndexByPatient, r.URL.Query().Get("patient")
	case r.URL.Query().Get("encounter") != "":
		keyType, value = models.IndexByEncounter, r.URL.Query().Get("encounter")
	case r.URL.Query().Get("date") != "":
		keyType, value = models.IndexByDate, r.URL.Query().Get("date")
	case r.URL.Query().Get("status") != "":
		keyType, value = models.IndexByStatus, r.URL.Query().Get("status")
	default:
		respondError(w, http.StatusBadRequest, "One of patient, encounter, date or status is required")
		return
	}

	keys, err := h.engine.Query(r.Context(), keyType, value)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	// The index spans types; filter to the requested one.
	rt := models.ResourceType(chi.URLParam(r, "type"))
	var out []models.ResourceKey
	for _, k := range keys {
		if k.Type == rt {
			out = append(out, k)
		}
	}
	respond(w, http.StatusOK, map[string]interface{}{"results": out, "count": len(out)})
}

// DeleteResource deletes a clinical resource locally and remotely
func (h *Handlers) DeleteResource(w http.ResponseWriter, r *http.Request) {
	r = requestCtx(r)
	rt := models.ResourceType(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")

	if err := h.engine.Delete(r.Context(), rt, id); err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetHistory returns a resource's version history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	rt := models.ResourceType(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")

	history, err := h.engine.History(r.Context(), rt, id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"versions": history})
}

// Sync handlers

// SyncStatus reports the engine's sync state
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

// SyncNow triggers an immediate sync pass
func (h *Handlers) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SyncNow(r.Context()); err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"status": "syncing"})
}

// PauseSync suspends dispatching
func (h *Handlers) PauseSync(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	respond(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeSync re-enables dispatching
func (h *Handlers) ResumeSync(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	respond(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// SetOnline feeds the host's connectivity signal
func (h *Handlers) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.engine.SetOnline(req.Online)
	respond(w, http.StatusOK, map[string]bool{"online": req.Online})
}

// ListFailed returns queue items that exhausted their retries
func (h *Handlers) ListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.FailedItems(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// RequeueFailed returns a failed item to the live queue
func (h *Handlers) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RequeueFailed(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// ExportSyncData exports a diagnostic bundle of sync state
func (h *Handlers) ExportSyncData(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.engine.ExportSyncData(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, bundle)
}

// ImportSyncData restores queued work and conflicts from a bundle
func (h *Handlers) ImportSyncData(w http.ResponseWriter, r *http.Request) {
	var bundle engine.ExportBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.engine.ImportSyncData(r.Context(), &bundle); err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "imported"})
}

// Conflict handlers

// ListConflicts lists conflicts, open by default
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	conflicts, err := h.engine.Conflicts(r.Context(), resolved)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts, "count": len(conflicts)})
}

// GetConflict returns one conflict
func (h *Handlers) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Conflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, c)
}

// ResolveConflict applies an operator's resolution decision
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	r = requestCtx(r)
	id := chi.URLParam(r, "id")

	var req struct {
		Action     models.ResolutionAction `json:"action"`
		Fields     map[string]interface{}  `json:"fields,omitempty"`
		ResolvedBy string                  `json:"resolvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.engine.ResolveConflict(r.Context(), id, req.Action, req.Fields, req.ResolvedBy)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// Cache handlers

// Cleanup evicts synced records older than the given horizon
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int `json:"olderThanDays"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OlderThanDays <= 0 {
		respondError(w, http.StatusBadRequest, "olderThanDays must be a positive integer")
		return
	}

	removed, err := h.engine.Cleanup(r.Context(), time.Duration(req.OlderThanDays)*24*time.Hour)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"removed": removed})
}

// Prefetch pulls resources related to the given one
func (h *Handlers) Prefetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceType models.ResourceType `json:"resourceType"`
		ID           string              `json:"id"`
		Depth        int                 `json:"depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	fetched, err := h.engine.Prefetch(r.Context(), models.ResourceKey{Type: req.ResourceType, ID: req.ID}, req.Depth)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"fetched": fetched})
}

// SetEpisodeRoot marks or clears an active episode anchor
func (h *Handlers) SetEpisodeRoot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceType models.ResourceType `json:"resourceType"`
		ID           string              `json:"id"`
		Active       bool                `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key := models.ResourceKey{Type: req.ResourceType, ID: req.ID}
	if err := h.engine.SetEpisodeRoot(r.Context(), key, req.Active); err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// Audit handlers

// ListAuditEvents returns buffered access log entries
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter := security.EntryFilter{
		Actor:  r.URL.Query().Get("actor"),
		Action: r.URL.Query().Get("action"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("emergency"); v != "" {
		b := v == "true"
		filter.Emergency = &b
	}

	entries := h.engine.Audit().Entries(filter)
	respond(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// GetAuditStats returns audit statistics
func (h *Handlers) GetAuditStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.engine.Audit().GetStats())
}

// Security handlers

// IssueEmergencyToken issues a break-glass token
func (h *Handlers) IssueEmergencyToken(w http.ResponseWriter, r *http.Request) {
	issuer := h.engine.Emergency()
	if issuer == nil {
		respondError(w, http.StatusNotImplemented, "Emergency access is not configured")
		return
	}

	var req security.EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IssuedBy == "" {
		req.IssuedBy = r.Header.Get("X-User-ID")
	}

	token, err := issuer.Issue(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusCreated, token)
}

// RotateKeys forces a master key rotation
func (h *Handlers) RotateKeys(w http.ResponseWriter, r *http.Request) {
	migrated, err := h.engine.RotateKeys(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"migrated": migrated,
		"schedule": h.engine.RotationSchedule(),
	})
}

// GetRotationSchedule reports the key rotation schedule
func (h *Handlers) GetRotationSchedule(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.engine.RotationSchedule())
}

// Event feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamEvents upgrades to a websocket and forwards engine events until the
// client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("event feed upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.engine.Subscribe()
	defer cancel()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range ch {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// Helper functions

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

// respondEngineError maps engine sentinel errors onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAuthorization):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrQuarantined), errors.Is(err, models.ErrIntegrity):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrQuotaExceeded):
		respondError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, models.ErrEngineClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, conflict.ErrManualRequired), errors.Is(err, conflict.ErrRebaseRequired):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
