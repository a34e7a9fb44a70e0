package warning

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the warning service over HTTP.
type Handler struct {
	service *InMemoryService
}

// NewHandler creates a handler over the given service.
func NewHandler(service *InMemoryService) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the warning endpoints on a chi router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/monitoring/warnings", h.handleList)
	r.Post("/monitoring/warnings/{id}/acknowledge", h.handleAcknowledge)
	r.Delete("/monitoring/warnings", h.handleClear)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.GetWarnings())
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.Acknowledge(id) {
		http.Error(w, `{"error":"warning not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}
