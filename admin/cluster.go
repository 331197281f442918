package admin

import (
	"net/http"
)

// handleClusterPeers handles GET /admin/cluster/peers
func (h *Handlers) handleClusterPeers(w http.ResponseWriter, r *http.Request) {
	if h.peers == nil {
		writeErrorResponse(w, http.StatusNotFound, "cluster view not enabled")
		return
	}

	peers := h.peers.Peers()
	resp := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, map[string]interface{}{
			"node_id":    p.NodeID,
			"last_seen":  p.LastSeen,
			"last_event": p.LastEvent,
			"envelopes":  p.Envelopes,
		})
	}

	writeJSONResponse(w, resp, false, "")
}

// handleJournal handles GET /admin/journal
func (h *Handlers) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeErrorResponse(w, http.StatusNotFound, "journal not enabled")
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"depth": h.journal.Depth(),
	}, false, "")
}
