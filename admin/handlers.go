package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/cluster"
	"github.com/maxpert/fanout/registry"
	"github.com/maxpert/fanout/subscription"
)

// JournalStats exposes outbox depth without binding the handlers to a
// concrete journal implementation. Nil when journaling is disabled.
type JournalStats interface {
	Depth() uint64
}

// Handlers serves the introspection API: registry counts, topics and their
// registered documents, owners, observed peers, and journal depth.
type Handlers struct {
	nodeID    uint64
	reg       *registry.Registry
	store     *subscription.Store
	peers     *cluster.View
	journal   JournalStats
	startedAt time.Time
}

// NewHandlers creates the admin handlers. peers and journal may be nil when
// the node runs without a cluster view or a journal.
func NewHandlers(nodeID uint64, reg *registry.Registry, store *subscription.Store, peers *cluster.View, journal JournalStats) *Handlers {
	return &Handlers{
		nodeID:    nodeID,
		reg:       reg,
		store:     store,
		peers:     peers,
		journal:   journal,
		startedAt: time.Now(),
	}
}

// handleRoot identifies the node.
func (h *Handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"service": "fanout",
		"node_id": h.nodeID,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
