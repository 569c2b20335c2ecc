package server

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/atlet99/ego-cse/internal/monitoring"
)

const (
	requestIDHeader = "X-Request-ID"
	// Longest client supplied request ID that is echoed back
	maxRequestIDLength = 64
)

type contextKey string

const requestIDKey contextKey = "request_id"

// friendFeedRoute splits a /friendfeed/ path into its nickname and the rest
var friendFeedRoute = regexp.MustCompile(`^/friendfeed/[^/]+(/.*)?$`)

// Route labels for paths that are not per-user pages
var staticRoutes = map[string]bool{
	"/":                true,
	"/faq/":            true,
	"/user/":           true,
	statsPath:          true,
	resetPath:          true,
	healthPath:         true,
	metricsPath:        true,
	"/faq":             true,
	"/statsstatsstats": true,
}

// Route suffixes below /friendfeed/{nickname}
var userRouteSuffixes = map[string]bool{
	"":                   true,
	"/":                  true,
	"/osd":               true,
	"/osd/":              true,
	"/cref":              true,
	"/cref/":             true,
	"/annotations":       true,
	"/annotations/":      true,
	"/annotations/list":  true,
	"/annotations/list/": true,
}

// middleware wraps a handler
type middleware func(http.Handler) http.Handler

// chain applies middlewares so the first one is outermost
func chain(h http.Handler, middlewares ...middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDFromContext returns the request ID stored by RequestIDMiddleware
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware assigns every request an ID, reusing a sane client
// supplied X-Request-ID, and echoes it in the response
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		r.Header.Set(requestIDHeader, id)
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one line per completed request
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := monitoring.NewResponseWriter(w)

		next.ServeHTTP(rw, r)

		s.logger.Info("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()))
	})
}

// LowercaseMiddleware permanently redirects /friendfeed/ paths that contain
// upper case letters to their lower case form
func LowercaseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lower := cases.Lower(language.Und).String(r.URL.Path)
		if lower == r.URL.Path || !strings.HasPrefix(lower, "/friendfeed/") {
			next.ServeHTTP(w, r)
			return
		}

		target := lower
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// redirectWithSlash permanently redirects to the request path plus "/"
func redirectWithSlash(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// routeLabel maps a request to a low-cardinality route for metrics and spans
func routeLabel(r *http.Request) string {
	path := r.URL.Path
	if staticRoutes[path] {
		return path
	}
	if m := friendFeedRoute.FindStringSubmatch(path); m != nil && userRouteSuffixes[m[1]] {
		return "/friendfeed/{nickname}" + m[1]
	}
	return "other"
}
