package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"

	"github.com/angelmondragon/mediasearch-backend/api/responses"
)

const corsMaxAge = 5 * time.Minute

// CORS allows the configured browser origins. Uploads are multipart POSTs and
// the only custom header clients read back is the request id.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", responses.RequestIDHeader},
		ExposedHeaders:   []string{responses.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           int(corsMaxAge.Seconds()),
	}).Handler
}
