package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	// Node banner and liveness stay open; everything else is behind auth
	r.Get("/", handlers.handleRoot)
	r.Get("/health", handlers.handleHealth)

	r.With(chiAuthMiddleware).Get("/stats", handlers.handleStats)

	r.With(chiAuthMiddleware).Get("/topics", handlers.handleListTopics)
	r.With(chiAuthMiddleware).Get("/topics/{topic}/documents", handlers.handleTopicDocuments)

	r.With(chiAuthMiddleware).Get("/owners", handlers.handleListOwners)
	r.With(chiAuthMiddleware).Get("/owners/{ownerID}", handlers.handleOwner)

	r.Route("/cluster", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/peers", handlers.handleClusterPeers)
	})

	r.With(chiAuthMiddleware).Get("/journal", handlers.handleJournal)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
