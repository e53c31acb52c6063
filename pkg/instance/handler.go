package instance

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaygate/core/internal/httpserver"
	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/audit"
)

// auditKinds restricts the query-string "status" filter on the audit log
// endpoint to the status values audit.Entry actually uses.
var auditKinds = map[string]bool{
	audit.StatusSuccess: true,
	audit.StatusFailure: true,
	audit.StatusPending: true,
}

// Handler provides the HTTP surface for instance CRUD and lifecycle
// operations. It is mounted under a path carrying the owning user's id;
// the credential plane treats "user" as opaque (see instance.CreateSeed),
// so the handler never authenticates the caller itself — that is the
// responsibility of whatever fronts this API.
type Handler struct {
	manager     *Manager
	audit       *audit.Writer
	auditReader audit.Reader
	logger      *slog.Logger
}

// NewHandler creates an instance Handler. auditReader may be nil, in which
// case the audit-log endpoint responds with a 503 rather than panicking —
// the credential plane can run without query-side audit access.
func NewHandler(manager *Manager, auditLog *audit.Writer, auditReader audit.Reader, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, audit: auditLog, auditReader: auditReader, logger: logger}
}

// Routes returns a chi.Router with instance routes mounted under a
// {userID}/instances prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{instanceID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/toggle", h.handleToggle)
		r.Post("/renew", h.handleRenew)
		r.Delete("/", h.handleDelete)
		r.Get("/audit", h.handleAuditLog)
	})
	return r
}

func userID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		return uuid.Nil, relayerr.New(relayerr.KindInvalidInstanceID, "user id is not a valid uuid")
	}
	return id, nil
}

func instanceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "instanceID"))
	if err != nil {
		return uuid.Nil, relayerr.New(relayerr.KindInvalidInstanceID, "instance id is not a valid uuid")
	}
	return id, nil
}

// CreateRequest is the JSON body for POST /{userID}/instances.
type CreateRequest struct {
	ServiceTypeID string     `json:"service_type_id" validate:"required,uuid"`
	CustomName    string     `json:"custom_name" validate:"required,min=1,max=255"`
	ExpiresAt     *time.Time `json:"expires_at"`
	APIKey        string     `json:"api_key"`
	ClientID      string     `json:"client_id"`
	ClientSecret  string     `json:"client_secret"`
}

// Response is the JSON response for a single instance. Credentials never
// appear here; only instance-facing lifecycle fields do.
type Response struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	ServiceTypeID uuid.UUID  `json:"service_type_id"`
	CustomName    string     `json:"custom_name"`
	Status        Status     `json:"status"`
	OAuthStatus   string     `json:"oauth_status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	UsageCount    int64      `json:"usage_count"`
	RenewedCount  int64      `json:"renewed_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toResponse(inst *Instance) Response {
	return Response{
		ID:            inst.ID,
		UserID:        inst.UserID,
		ServiceTypeID: inst.ServiceTypeID,
		CustomName:    inst.CustomName,
		Status:        inst.Status,
		OAuthStatus:   string(inst.OAuthStatus),
		ExpiresAt:     inst.ExpiresAt,
		LastUsedAt:    inst.LastUsedAt,
		UsageCount:    inst.UsageCount,
		RenewedCount:  inst.RenewedCount,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	svcTypeID, err := uuid.Parse(req.ServiceTypeID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_type_id is not a valid uuid")
		return
	}

	seed := CreateSeed{
		UserID:        owner,
		ServiceTypeID: svcTypeID,
		CustomName:    req.CustomName,
		ExpiresAt:     req.ExpiresAt,
		APIKey:        req.APIKey,
		ClientID:      req.ClientID,
		ClientSecret:  req.ClientSecret,
	}

	inst, err := h.manager.Create(r.Context(), seed)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{InstanceID: inst.ID, UserID: &owner, Operation: "create", Status: audit.StatusSuccess})
	}

	httpserver.Respond(w, http.StatusCreated, toResponse(inst))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	limit := httpserver.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		limit = n
	}

	filters := ListFilters{Limit: limit, Cursor: r.URL.Query().Get("cursor")}
	if s := r.URL.Query().Get("status"); s != "" {
		status := Status(s)
		filters.Status = &status
	}

	items, nextCursor, err := h.manager.List(r.Context(), owner, filters)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	resp := make([]Response, len(items))
	for i := range items {
		resp[i] = toResponse(&items[i])
	}

	page := map[string]any{"items": resp}
	if nextCursor != "" {
		page["next_cursor"] = nextCursor
	}
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	inst, err := h.manager.Get(r.Context(), id, owner)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(inst))
}

// ToggleRequest is the JSON body for POST /{userID}/instances/{instanceID}/toggle.
type ToggleRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	var req ToggleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	inst, err := h.manager.Toggle(r.Context(), id, owner, req.Active)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{InstanceID: id, UserID: &owner, Operation: "toggle", Status: audit.StatusSuccess})
	}
	httpserver.Respond(w, http.StatusOK, toResponse(inst))
}

// RenewRequest is the JSON body for POST /{userID}/instances/{instanceID}/renew.
type RenewRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	var req RenewRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	inst, err := h.manager.Renew(r.Context(), id, owner, req.ExpiresAt)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{InstanceID: id, UserID: &owner, Operation: "renew", Status: audit.StatusSuccess})
	}
	httpserver.Respond(w, http.StatusOK, toResponse(inst))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}

	if err := h.manager.Delete(r.Context(), id, owner); err != nil {
		writeHandlerErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{InstanceID: id, UserID: &owner, Operation: "delete", Status: audit.StatusSuccess})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAuditLog lists audit entries for one instance (C1's query_audit
// operation), verifying ownership through the manager before reading.
func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	owner, err := userID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	id, err := instanceID(r)
	if err != nil {
		writeHandlerErr(w, err)
		return
	}
	if _, err := h.manager.Get(r.Context(), id, owner); err != nil {
		writeHandlerErr(w, err)
		return
	}
	if h.auditReader == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "service_unavailable", "audit query is not available")
		return
	}

	limit := httpserver.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		limit = n
	}

	filters := audit.Filters{Limit: limit, Cursor: r.URL.Query().Get("cursor")}
	if s := r.URL.Query().Get("status"); s != "" {
		if !auditKinds[s] {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "status must be one of success, failure, pending")
			return
		}
		filters.Status = s
	}
	filters.Operation = r.URL.Query().Get("operation")

	entries, nextCursor, err := h.auditReader.QueryAudit(r.Context(), id, filters)
	if err != nil {
		h.logger.Error("querying audit log", "error", err, "instance_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to query audit log")
		return
	}

	page := map[string]any{"items": entries}
	if nextCursor != "" {
		page["next_cursor"] = nextCursor
	}
	httpserver.Respond(w, http.StatusOK, page)
}

// writeHandlerErr renders a relayerr.Error in the uniform envelope, falling
// back to an internal_error response for anything unclassified.
func writeHandlerErr(w http.ResponseWriter, err error) {
	rerr, ok := relayerr.As(err)
	if !ok {
		rerr = relayerr.Wrap(relayerr.KindInternal, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rerr.Status())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  rerr.Status(),
		"code":    string(rerr.Kind),
		"message": rerr.Message,
		"details": rerr.Details,
	})
}
