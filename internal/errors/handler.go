package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// PageRenderer renders the HTML error page for a status
type PageRenderer interface {
	RenderErrorPage(w io.Writer, status int, message, details string) error
}

// Recorder receives a count of handled errors by code
type Recorder interface {
	RecordError(code string)
}

// Handler provides centralized error handling and response formatting
type Handler struct {
	logger   *slog.Logger
	renderer PageRenderer
	recorder Recorder
	debug    bool
}

// NewHandler creates a new error handler. When debug is set, error details
// and stack traces are shown on the rendered page.
func NewHandler(logger *slog.Logger, renderer PageRenderer, recorder Recorder, debug bool) *Handler {
	return &Handler{
		logger:   logger,
		renderer: renderer,
		recorder: recorder,
		debug:    debug,
	}
}

// HandleError processes and responds to errors with an HTML error page
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := h.processError(err, r)

	h.logError(serviceErr, r)

	if h.recorder != nil {
		h.recorder.RecordError(string(serviceErr.Code))
	}

	if serviceErr.RetryAfter != nil {
		w.Header().Set("Retry-After", formatRetryAfter(*serviceErr.RetryAfter))
	}

	status := serviceErr.HTTPStatusCode()
	details := ""
	if h.debug {
		details = serviceErr.Error()
		if trace, ok := serviceErr.Context["stack_trace"].(string); ok {
			details += "\n\n" + trace
		}
	}

	// Render into a buffer so a failing template never leaves a half-written page
	var buf bytes.Buffer
	if h.renderer != nil {
		renderErr := h.renderer.RenderErrorPage(&buf, status, serviceErr.PublicMessage(), details)
		if renderErr == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(status)
			if _, writeErr := w.Write(buf.Bytes()); writeErr != nil {
				h.logger.Debug("Failed to write error page", "error", writeErr)
			}
			return
		}
		h.logger.Error("Failed to render error page", "error", renderErr, "status", status)
	}

	http.Error(w, serviceErr.PublicMessage(), status)
}

// processError converts any error to ServiceError with request context.
// The result is always a fresh copy; err may be shared by concurrent requests.
func (h *Handler) processError(err error, r *http.Request) *ServiceError {
	serviceErr, ok := AsServiceError(err)
	if !ok {
		serviceErr = classifyError(err)
	} else {
		serviceErr = serviceErr.clone()
	}
	return h.enhanceWithRequestContext(serviceErr, r)
}

// classifyError converts generic errors to structured ServiceError
func classifyError(err error) *ServiceError {
	switch {
	case err == nil:
		return NewError(ErrCodeInternalError).WithMessage("Unknown error").Build()
	case isTimeout(err):
		return NewError(ErrCodeTimeout).
			WithMessage("Request timed out").
			WithCause(err).
			Build()
	default:
		return NewError(ErrCodeInternalError).
			WithSeverity(SeverityHigh).
			WithMessage("Internal server error").
			WithCause(err).
			Build()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}

// enhanceWithRequestContext adds request-specific context to ServiceError
func (h *Handler) enhanceWithRequestContext(serviceErr *ServiceError, r *http.Request) *ServiceError {
	if serviceErr.Context == nil {
		serviceErr.Context = make(map[string]interface{})
	}

	serviceErr.Context["request_method"] = r.Method
	serviceErr.Context["request_path"] = r.URL.Path
	serviceErr.Context["remote_addr"] = r.RemoteAddr

	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		serviceErr.RequestID = requestID
	}

	if h.debug {
		serviceErr.Context["stack_trace"] = getStackTrace()
	}

	return serviceErr
}

// logError logs the error with appropriate level and context
func (h *Handler) logError(serviceErr *ServiceError, r *http.Request) {
	attrs := []slog.Attr{
		slog.String("error_code", string(serviceErr.Code)),
		slog.String("error_category", string(serviceErr.Category)),
		slog.String("error_severity", string(serviceErr.Severity)),
		slog.String("error_message", serviceErr.Message),
		slog.String("request_method", r.Method),
		slog.String("request_path", r.URL.Path),
		slog.Int("http_status", serviceErr.HTTPStatusCode()),
	}

	if serviceErr.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", serviceErr.RequestID))
	}
	if serviceErr.Details != "" {
		attrs = append(attrs, slog.String("error_details", serviceErr.Details))
	}
	if serviceErr.Cause != nil {
		attrs = append(attrs, slog.String("underlying_error", serviceErr.Cause.Error()))
	}

	h.logger.LogAttrs(r.Context(), getLogLevel(serviceErr.Severity), "Request failed", attrs...)
}

// getLogLevel determines appropriate log level based on error severity
func getLogLevel(severity Severity) slog.Level {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// ErrorMiddleware recovers panics raised by next and answers them with the
// error page
func (h *Handler) ErrorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := NewError(ErrCodeInternalError).
					WithSeverity(SeverityCritical).
					WithMessage("Panic occurred during request processing").
					WithDetails(formatPanic(rec)).
					Build()
				h.HandleError(w, r, err)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// getStackTrace captures stack trace for debugging
func getStackTrace() string {
	const stackTraceBufferSize = 4096
	buf := make([]byte, stackTraceBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// formatPanic formats panic information for logging
func formatPanic(rec interface{}) string {
	switch v := rec.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatRetryAfter formats a retry-after duration as whole seconds, minimum 1
func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
