package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the bank bridge.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(MetricsMiddleware(a.Metrics))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Post("/logout", a.handleLogout)
	r.Post("/register", a.handleRegister)

	r.Get("/account", a.handleAccount)
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/balance", a.handleBalance)
		r.Get("/history", a.handleHistory)
	})

	return r
}
