package ui

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all UI routes on the given router.
func (ui *UI) RegisterRoutes(r chi.Router) {
	r.Get("/", ui.HandleDashboard)
	r.Get("/workers", ui.HandleWorkers)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", ui.HandleJobList)
		r.Get("/{id}", ui.HandleJobDetail)
	})
}
