package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// NewRouter wires the admission engine's handlers onto a gorilla/mux
// router, wrapped in a permissive CORS layer per spec.md §6
// ("all origins, all methods, all headers").
func NewRouter(h *Handlers) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", h.ServiceInfo).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/{editor_public_key_base64}", h.Get).Methods(http.MethodGet)
	router.HandleFunc("/{editor_public_key_base64}", h.Put).Methods(http.MethodPut)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return corsMiddleware.Handler(router)
}
