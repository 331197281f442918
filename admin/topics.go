package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/glob"

	"github.com/maxpert/fanout/registry"
)

// handleListTopics returns live topics, optionally narrowed by a glob in the
// match query parameter.
func (h *Handlers) handleListTopics(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	topics := h.reg.ListTopics()

	if pattern := r.URL.Query().Get("match"); pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid match pattern: "+err.Error())
			return
		}
		matched := topics[:0]
		for _, t := range topics {
			if g.Match(t.Topic) {
				matched = append(matched, t)
			}
		}
		topics = matched
	}

	hasMore := false
	if len(topics) > limit {
		topics = topics[:limit]
		hasMore = true
	}

	writeJSONResponse(w, topics, hasMore, "")
}

// handleTopicDocuments returns the documents registered on one topic. Plans
// stay opaque; only their sizes are reported.
func (h *Handlers) handleTopicDocuments(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if topic == "" {
		writeErrorResponse(w, http.StatusBadRequest, "topic is required")
		return
	}

	entries := h.reg.LookupDuplicate(topic)
	if len(entries) == 0 {
		writeErrorResponse(w, http.StatusNotFound, "topic not found")
		return
	}

	resp := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, documentSummary(e))
	}

	writeJSONResponse(w, resp, false, "")
}

func documentSummary(e registry.Entry) map[string]interface{} {
	return map[string]interface{}{
		"owner":           e.Owner,
		"subscription_id": e.SubscriptionID,
		"context_id":      e.ContextID,
		"source":          e.Source,
		"plan_bytes":      len(e.Plan),
	}
}
