package handlers

import (
	"net/http"

	"github.com/CrowderSoup/boardsync/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// NewRouter wires the API routes behind authentication and CORS
func NewRouter(authService *services.AuthService, boardHandler *BoardHandler, allowedOrigins []string) http.Handler {
	auth := NewAuthMiddleware(authService)

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Auth)

	api.HandleFunc("/auth/verify", VerifyToken).Methods(http.MethodGet)
	api.HandleFunc("/stages", boardHandler.Stages).Methods(http.MethodGet)
	api.HandleFunc("/records", boardHandler.Records).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}", boardHandler.UpdateRecord).Methods(http.MethodPut)
	api.HandleFunc("/ws", boardHandler.HandleWebSocket)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
