package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRenderer struct {
	status  int
	message string
	details string
	err     error
}

func (s *stubRenderer) RenderErrorPage(w io.Writer, status int, message, details string) error {
	if s.err != nil {
		return s.err
	}
	s.status, s.message, s.details = status, message, details
	_, err := fmt.Fprintf(w, "<h1>%d</h1><p>%s</p>", status, message)
	return err
}

type stubRecorder struct {
	codes []string
}

func (s *stubRecorder) RecordError(code string) {
	s.codes = append(s.codes, code)
}

func TestServiceError_Defaults(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		category ErrorCategory
		severity Severity
		status   int
	}{
		{ErrCodeInvalidRequest, CategoryClientError, SeverityLow, http.StatusBadRequest},
		{ErrCodeNotFound, CategoryClientError, SeverityLow, http.StatusNotFound},
		{ErrCodeUserPrivate, CategoryClientError, SeverityLow, http.StatusForbidden},
		{ErrCodeRateLimited, CategoryRateLimitError, SeverityMedium, http.StatusTooManyRequests},
		{ErrCodeTimeout, CategoryTimeoutError, SeverityMedium, http.StatusRequestTimeout},
		{ErrCodeFriendFeedAPIError, CategoryExternalError, SeverityMedium, http.StatusBadGateway},
		{ErrCodeRenderFailed, CategoryServerError, SeverityCritical, http.StatusInternalServerError},
		{ErrCodeInternalError, CategoryServerError, SeverityCritical, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code).WithMessage("boom").Build()
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.status, err.HTTPStatusCode())
			assert.NotEmpty(t, err.PublicMessage())
		})
	}
}

func TestServiceError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(ErrCodeFriendFeedAPIError).
		WithMessagef("could not load friendfeed user %s", "alice123").
		WithCause(cause).
		WithContext("nickname", "alice123").
		Build()

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "FRIENDFEED_API_ERROR: could not load friendfeed user alice123 (caused by: dial tcp: refused)", err.Error())

	wrapped := fmt.Errorf("profile: %w", err)
	found, ok := AsServiceError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "alice123", found.Context["nickname"])
	assert.True(t, HasCode(wrapped, ErrCodeNotFound, ErrCodeFriendFeedAPIError))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.False(t, HasCode(cause, ErrCodeFriendFeedAPIError))
}

func TestServiceError_UserMessageOverride(t *testing.T) {
	err := NewError(ErrCodeNotFound).WithUserMessage("User bob not found").Build()
	assert.Equal(t, "User bob not found", err.PublicMessage())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", NotFound("User x not found"), false},
		{"invalid request", InvalidRequest("nickname required"), false},
		{"upstream outage", NewError(ErrCodeFriendFeedAPIError).Build(), true},
		{"upstream bad payload", NewError(ErrCodeFriendFeedAPIError).WithCategory(CategoryServerError).Build(), false},
		{"timeout", NewError(ErrCodeTimeout).Build(), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain error", errors.New("bad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	cfg := FriendFeedRetryConfig(3, time.Millisecond)
	cfg.Jitter = false
	retryer := NewRetryer(cfg, discardLogger())

	var calls int32
	err := retryer.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		if attempt < 3 {
			return NewError(ErrCodeFriendFeedAPIError).WithMessage("503").Build()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryer_StopsOnPermanentError(t *testing.T) {
	retryer := NewRetryer(FriendFeedRetryConfig(5, time.Millisecond), discardLogger())

	var calls int
	err := retryer.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NotFound("User %s not found", "ghost")
	})

	assert.True(t, HasCode(err, ErrCodeNotFound))
	assert.Equal(t, 1, calls)
}

func TestRetryer_ReturnsLastErrorWhenExhausted(t *testing.T) {
	retryer := NewRetryer(FriendFeedRetryConfig(2, time.Millisecond), discardLogger())

	var calls int
	err := retryer.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NewError(ErrCodeFriendFeedAPIError).WithMessagef("attempt %d", attempt).Build()
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	serviceErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "attempt 2", serviceErr.Message)
}

func TestRetryer_CanceledContext(t *testing.T) {
	retryer := NewRetryer(nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryer.Execute(ctx, func(ctx context.Context, attempt int) error {
		t.Fatal("operation must not run on a canceled context")
		return nil
	})
	assert.True(t, HasCode(err, ErrCodeTimeout))
}

func TestRetryer_CalculateDelayCapped(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	retryer := NewRetryer(cfg, discardLogger())

	assert.Equal(t, time.Second, retryer.calculateDelay(1))
	assert.Equal(t, 2*time.Second, retryer.calculateDelay(2))
	assert.Equal(t, 3*time.Second, retryer.calculateDelay(5))
}

func TestHandler_RendersErrorPage(t *testing.T) {
	renderer := &stubRenderer{}
	recorder := &stubRecorder{}
	handler := NewHandler(discardLogger(), renderer, recorder, false)

	req := httptest.NewRequest(http.MethodGet, "/friendfeed/ghost/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()

	handler.HandleError(rec, req, NewError(ErrCodeNotFound).WithUserMessage("User ghost not found").Build())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "User ghost not found")
	assert.Equal(t, http.StatusNotFound, renderer.status)
	assert.Empty(t, renderer.details, "details are hidden outside debug mode")
	assert.Equal(t, []string{"NOT_FOUND"}, recorder.codes)
}

func TestHandler_DebugShowsDetails(t *testing.T) {
	renderer := &stubRenderer{}
	handler := NewHandler(discardLogger(), renderer, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/friendfeed/alice/", nil)
	rec := httptest.NewRecorder()
	handler.HandleError(rec, req, errors.New("template exploded"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, renderer.details, "template exploded")
	assert.Contains(t, renderer.details, "goroutine")
}

func TestHandler_FallsBackToPlainText(t *testing.T) {
	handler := NewHandler(discardLogger(), &stubRenderer{err: errors.New("no templates")}, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.HandleError(rec, req, NewError(ErrCodeRateLimited).WithRetryAfter(1500*time.Millisecond).Build())

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "Too many requests")
}

func TestHandler_ClassifiesTimeouts(t *testing.T) {
	handler := NewHandler(discardLogger(), nil, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.HandleError(rec, req, fmt.Errorf("fetch: %w", context.DeadlineExceeded))

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestErrorMiddleware_RecoversPanics(t *testing.T) {
	renderer := &stubRenderer{}
	handler := NewHandler(discardLogger(), renderer, nil, false)

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil profile")
	})

	rec := httptest.NewRecorder()
	handler.ErrorMiddleware(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/faq/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, http.StatusInternalServerError, renderer.status)
}

func TestFormatRetryAfter(t *testing.T) {
	assert.Equal(t, "1", formatRetryAfter(0))
	assert.Equal(t, "1", formatRetryAfter(300*time.Millisecond))
	assert.Equal(t, "42", formatRetryAfter(42*time.Second))
	assert.Equal(t, "300", formatRetryAfter(5*time.Minute))
}

func TestHandler_SharedErrorIsNotMutated(t *testing.T) {
	handler := NewHandler(discardLogger(), nil, nil, true)
	shared := NotFound("User %s not found", "ghost")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/friendfeed/ghost%d/", i), nil)
			req.Header.Set("X-Request-ID", fmt.Sprintf("req-%d", i))
			rec := httptest.NewRecorder()
			handler.HandleError(rec, req, shared)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, shared.Context)
	assert.Empty(t, shared.RequestID)
}

func TestProcessError_CopiesRequestContext(t *testing.T) {
	handler := NewHandler(discardLogger(), nil, nil, false)
	shared := NewError(ErrCodeRateLimited).WithContext("route", "/").WithRetryAfter(time.Second).Build()

	first := handler.processError(shared, httptest.NewRequest(http.MethodGet, "/a/", nil))
	second := handler.processError(shared, httptest.NewRequest(http.MethodGet, "/b/", nil))

	assert.Equal(t, "/a/", first.Context["request_path"])
	assert.Equal(t, "/b/", second.Context["request_path"])
	assert.Equal(t, "/", first.Context["route"])
	assert.Equal(t, map[string]interface{}{"route": "/"}, shared.Context)
	assert.NotSame(t, shared.RetryAfter, first.RetryAfter)
}
