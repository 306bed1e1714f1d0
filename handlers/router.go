package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/mapleleafu/tabletop/tabletop-backend/middleware"
)

// NewRouter wires the routes of h. When jwtSecret is empty the API routes
// are served without authentication.
func NewRouter(h *Handler, jwtSecret []byte, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	// Public routes
	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	// Secured routes
	api := r.PathPrefix("/api").Subrouter()
	if len(jwtSecret) > 0 {
		api.Use(middleware.JWTValidation(jwtSecret))
	}
	api.HandleFunc("/games/{game}/entities", h.FetchGameEntities).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)
}
