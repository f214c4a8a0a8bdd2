// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers behind the middleware push partial responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint replaces owner, task and checklist item ids with
// placeholders so label cardinality stays bounded.
func normalizeEndpoint(path string) string {
	if !strings.HasPrefix(path, "/api/owners/") {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/api/owners/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		return path
	}
	parts[0] = ":owner"

	switch {
	case len(parts) == 2 && (parts[1] == "tasks" || parts[1] == "refresh"):
	case len(parts) == 3 && parts[1] == "tasks" && parts[2] == "stream":
	case len(parts) == 3 && parts[1] == "tasks":
		parts[2] = ":id"
	case len(parts) == 4 && parts[1] == "tasks":
		switch parts[3] {
		case "time", "comments", "complete":
			parts[2] = ":id"
		default:
			return path
		}
	case len(parts) == 5 && parts[1] == "tasks" && parts[3] == "checklist":
		parts[2] = ":id"
		parts[4] = ":item"
	default:
		return path
	}

	return "/api/owners/" + strings.Join(parts, "/")
}
