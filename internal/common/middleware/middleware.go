package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

// Context keys
type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ActorIDKey       contextKey = "actor_id"
	RequestIDKey     contextKey = "request_id"
)

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// GetActorID retrieves the acting user ID from context
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(ActorIDKey).(string); ok {
		return v
	}
	return ""
}

// CorrelationID middleware adds a correlation ID to each request
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorExtractor reads the acting user from the X-Actor-ID header. The
// marketplace gateway in front of this service authenticates the user and
// forwards the identity; authorization against the resource stays with the
// domain services.
func ActorExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorID := r.Header.Get("X-Actor-ID"); actorID != "" {
			ctx := context.WithValue(r.Context(), ActorIDKey, actorID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// Logger creates a structured logging middleware
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recoverer recovers from panics and logs them
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]interface{}{
						"error": map[string]string{
							"code":    "INTERNAL_ERROR",
							"message": "An unexpected error occurred",
						},
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
