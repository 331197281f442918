package admin

import "net/http"

// handleStats returns registry statistics
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"node_id":       h.nodeID,
		"owners":        h.reg.OwnerCount(),
		"topics":        h.reg.TopicCount(),
		"subscriptions": h.reg.SubscriptionCount(),
		"contexts":      h.reg.ContextCount(),
		"presence_size": h.reg.Presence().Size(),
	}

	if h.peers != nil {
		response["peers"] = h.peers.Count()
	}
	if h.journal != nil {
		response["journal_depth"] = h.journal.Depth()
	}

	writeJSONResponse(w, response, false, "")
}

// handleHealth returns a basic liveness check
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"healthy": true,
		"stats": map[string]interface{}{
			"owners":        h.reg.OwnerCount(),
			"subscriptions": h.reg.SubscriptionCount(),
		},
	}

	writeJSONResponse(w, response, false, "")
}
