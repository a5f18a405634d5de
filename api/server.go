/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/tiers/*          Tier catalog
  /api/periods/*        Available periods, configs, preview, distribute
  /api/distributions    Distribution audit log
  /api/customers/*      Per-customer credits
  /api/quests/*         Quests and their period allow-lists
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint (when enabled)
  /                     Endpoint index

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the settings the router needs from config.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.CreateTier)
			r.Put("/{id}", h.UpdateTier)
			r.Delete("/{id}", h.DeleteTier)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Post("/generate", h.GeneratePeriods)
			r.Get("/{type}", h.ListAvailablePeriods)
			r.Get("/{type}/configs", h.ListPeriodConfigs)

			r.Route("/{type}/{identifier}", func(r chi.Router) {
				r.Get("/config", h.GetPeriodConfig)
				r.Put("/config", h.UpdatePeriodConfig)
				r.Post("/cancel", h.CancelPeriod)
				r.Get("/preview", h.PreviewPeriod)
				r.Post("/distribute", h.DistributePeriod)
			})
		})

		r.Get("/distributions", h.ListDistributions)
		r.Get("/customers/{id}/credits", h.ListCustomerCredits)

		r.Route("/quests", func(r chi.Router) {
			r.Get("/", h.ListQuests)
			r.Post("/", h.CreateQuest)
			r.Get("/buckets", h.QuestBuckets)
			r.Get("/{id}", h.GetQuest)
			r.Put("/{id}/periods", h.SetQuestPeriods)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Period Rewards</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Period Rewards API</h1>
<p>Leaderboard reward distribution for weekly, monthly and yearly periods.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/tiers?period_type=weekly">/api/tiers?period_type=weekly</a> - Weekly tier catalog</li>
<li><a href="/api/periods/weekly">/api/periods/weekly</a> - Available weekly periods</li>
<li><a href="/api/distributions">/api/distributions</a> - Distribution log</li>
<li><a href="/api/quests">/api/quests</a> - Quests</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
