package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/httpx"
)

// CatalogSource is the subset of services.LocalCatalogCache used by the HTTP layer.
type CatalogSource interface {
	Snapshot() domain.CatalogSnapshot
	Refresh(ctx context.Context, session domain.Session) (domain.CatalogSnapshot, error)
}

type CatalogHandlers struct {
	catalog CatalogSource
}

func NewCatalogHandlers(catalog CatalogSource) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.get)
	r.Post("/refresh", h.refresh)
}

func (h *CatalogHandlers) get(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.catalog.Snapshot())
}

// refresh pulls a fresh snapshot. On failure the cached snapshot stays in service and the
// backend error is returned to the caller.
func (h *CatalogHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.catalog.Refresh(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snapshot)
}
