package registry

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaygate/core/internal/httpserver"
)

// Handler exposes the read-only registry surface: listing and looking up
// Service Types. Bootstrap seeding and administration are out of scope
// here (see Store in registry.go).
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a registry Handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with registry routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") != "false"

	types, err := h.store.ListServiceTypes(r.Context(), activeOnly)
	if err != nil {
		h.logger.Error("listing service types", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list service types")
		return
	}
	httpserver.Respond(w, http.StatusOK, types)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service type id")
		return
	}

	svcType, err := h.store.GetServiceType(r.Context(), id)
	if err != nil {
		h.logger.Error("getting service type", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "service type not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, svcType)
}
