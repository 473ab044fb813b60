package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 31536000

// Routes constructs the HTTP router with the gateway endpoints. Requests that
// match no route go to the reverse proxy when one is configured.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.Auth.Middleware)

		r.Get("/auth/status", a.handleStatus)
		r.Get("/auth/me", a.handleMe)
		r.Get("/auth/failed", a.handleFailed)

		if a.Flow != nil {
			r.Get("/auth/login", a.handleLogin)
			r.Get(a.Identity.CallbackPath(), a.Flow.HandleCallback)
			r.Get("/auth/logout", a.handleLogout)
			r.Post("/auth/logout", a.handleLogout)
		}

		if a.Proxy != nil {
			r.Handle("/*", a.Proxy)
		}
	})

	return r
}
