package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the admin API router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/check", h.CheckCompletions)
		r.Route("/{campaignID}", func(r chi.Router) {
			r.Post("/send", h.SendCampaign)
			r.Get("/stats", h.CampaignStats)
			r.Post("/pause", h.PauseCampaign)
			r.Post("/resume", h.ResumeCampaign)
		})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/pause", h.QueuePause)
		r.Post("/resume", h.QueueResume)
		r.Post("/clean", h.QueueClean)
	})

	return r
}
