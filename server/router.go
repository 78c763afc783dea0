package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login and session endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins(), a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.NotFound(a.handleNotFound)
	r.MethodNotAllowed(a.handleMethodNotAllowed)

	r.Get("/", a.handleIndex)

	r.Post("/auth/session", a.handleLogin)
	r.Post("/auth/google", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(a.Flow))
		r.Get("/auth/me", a.handleMe)
		r.Get("/protected", a.handleProtected)
	})

	return r
}
