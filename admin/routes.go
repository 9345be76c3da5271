package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Route("/watch", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/status", handlers.handleStatus)
		r.Get("/rows", handlers.handleRows)
		r.Post("/start", handlers.handleStart)
		r.Post("/stop", handlers.handleStop)
		r.Put("/register", handlers.handleRegister)
	})

	r.With(AuthMiddleware).Get("/store/stats", handlers.handleStoreStats)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/watch/*")
}
