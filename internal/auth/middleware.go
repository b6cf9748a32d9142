package auth

import (
	"net/http"
	"strings"

	"github.com/websterhq/webster/internal/observability"
)

// Middleware enforces bearer auth on the wrapped handler. A disabled
// service passes every request through untouched.
func Middleware(service *Service, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if bearer := bearerToken(r); bearer != "" {
				identity, err := service.Authenticate(bearer)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
					return
				}
				logger.Warn(r.Context(), "bearer validation failed", "error", err)
			}

			if apiKey := apiKeyHeader(r); apiKey != "" {
				identity, err := service.ValidateToken(apiKey)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
					return
				}
				logger.Warn(r.Context(), "api key validation failed", "error", err)
			}

			// EventSource clients cannot set headers; accept the
			// credential as a query parameter for the stream endpoints.
			if token := r.URL.Query().Get("token"); token != "" {
				identity, err := service.Authenticate(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
					return
				}
				logger.Warn(r.Context(), "query token validation failed", "error", err)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		})
	}
}

func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return strings.TrimSpace(value[len(prefix):])
	}
	return ""
}

func apiKeyHeader(r *http.Request) string {
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
