package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListOwners returns all bound owners with their registration counts.
func (h *Handlers) handleListOwners(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	owners := h.reg.ListOwners()

	hasMore := false
	if len(owners) > limit {
		owners = owners[:limit]
		hasMore = true
	}

	writeJSONResponse(w, owners, hasMore, "")
}

// handleOwner returns one owner by id.
func (h *Handlers) handleOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	if ownerID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "owner id is required")
		return
	}

	for _, info := range h.reg.ListOwners() {
		if info.ID == ownerID {
			writeJSONResponse(w, info, false, "")
			return
		}
	}

	writeErrorResponse(w, http.StatusNotFound, "owner not found")
}
