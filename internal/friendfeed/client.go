// Package friendfeed provides a client for the FriendFeed user API and the
// helpers that turn a profile into Custom Search Engine inputs.
package friendfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atlet99/ego-cse/internal/cache"
	"github.com/atlet99/ego-cse/internal/config"
	"github.com/atlet99/ego-cse/internal/errors"
	"github.com/atlet99/ego-cse/internal/monitoring"
	"github.com/atlet99/ego-cse/internal/version"
)

const (
	// Fields requested for profile lookups
	profileFields = "name,nickname,services"
	// Fields requested for friend lookups
	friendFields = "nickname,subscriptions"

	// Cache namespaces for loaded profiles
	profileNamespace = "friendfeed:profile"
	friendNamespace  = "friendfeed:friends"

	// Upper bound on a profile document
	maxBodySize = 1 << 20
)

// Metrics receives FriendFeed call outcomes
type Metrics interface {
	RecordUpstreamRequest(operation, status string, duration time.Duration)
}

// Client represents a FriendFeed API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryer    *errors.Retryer
	loader     *cache.Loader
	tracer     *monitoring.Tracer
	metrics    Metrics
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for API calls
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLoader caches loaded profiles through loader
func WithLoader(loader *cache.Loader) Option {
	return func(c *Client) {
		c.loader = loader
	}
}

// WithTracer traces every API call with tracer
func WithTracer(tracer *monitoring.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithMetrics records every API call in metrics
func WithMetrics(metrics Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// NewClient creates a new FriendFeed API client
func NewClient(cfg *config.Config, logger *slog.Logger, opts ...Option) *Client {
	rateLimit := config.DefaultFriendFeedRateLimit
	if cfg.FriendFeedRateLimit > 0 {
		rateLimit = cfg.FriendFeedRateLimit
	}

	retryCfg := errors.FriendFeedRetryConfig(
		cfg.FriendFeedRetryMaxAttempts,
		time.Duration(cfg.FriendFeedRetryBaseDelayMs)*time.Millisecond,
	)

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.FriendFeedTimeout()},
		baseURL:    strings.TrimRight(cfg.FriendFeedBaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		retryer:    errors.NewRetryer(retryCfg, logger),
		tracer:     monitoring.NewNoopTracer(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile returns the profile for nickname with its name and linked services
func (c *Client) Profile(ctx context.Context, nickname string) (*Profile, error) {
	if nickname == "" {
		return nil, errors.InvalidRequest("nickname required")
	}
	return cache.Load(ctx, c.loader, profileNamespace, nickname, func(ctx context.Context) (*Profile, error) {
		return c.fetchProfile(ctx, "profile", nickname, profileFields)
	})
}

// Friends returns the lower-cased nicknames nickname is subscribed to
func (c *Client) Friends(ctx context.Context, nickname string) ([]string, error) {
	if nickname == "" {
		return nil, errors.InvalidRequest("nickname required")
	}
	return cache.Load(ctx, c.loader, friendNamespace, nickname, func(ctx context.Context) ([]string, error) {
		profile, err := c.fetchProfile(ctx, "friends", nickname, friendFields)
		if err != nil {
			return nil, err
		}
		return FriendNicknames(profile), nil
	})
}

// fetchProfile loads a profile document with retries
func (c *Client) fetchProfile(ctx context.Context, operation, nickname, fields string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/api/user/%s/profile?include=%s",
		c.baseURL, url.PathEscape(nickname), fields)

	var profile *Profile
	err := c.retryer.Execute(ctx, func(ctx context.Context, attempt int) error {
		var err error
		profile, err = c.doProfileRequest(ctx, operation, endpoint, nickname)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Loaded FriendFeed profile", "nickname", nickname, "operation", operation)
	return profile, nil
}

// doProfileRequest performs a single profile request and maps the response
// status to a service error
func (c *Client) doProfileRequest(ctx context.Context, operation, endpoint, nickname string) (*Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewError(errors.ErrCodeTimeout).
			WithMessage("Gave up waiting for the FriendFeed rate limiter").
			WithCause(err).
			Build()
	}

	start := time.Now()
	ctx, done := c.tracer.TraceExternalAPI(ctx, operation, endpoint)

	statusCode, body, err := c.get(ctx, endpoint)
	done(statusCode, err)
	c.recordRequest(operation, statusCode, err, time.Since(start))

	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFriendFeedAPIError).
			WithMessagef("Request for FriendFeed user %s failed", nickname).
			WithCause(err).
			WithContext("url", endpoint).
			Build()
	}

	switch {
	case statusCode == http.StatusOK:
	case statusCode == http.StatusNotFound:
		return nil, errors.NotFound("User %s not found", nickname)
	case statusCode == http.StatusUnauthorized:
		return nil, errors.NewError(errors.ErrCodeUserPrivate).
			WithMessagef("User %s is private", nickname).
			Build()
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return nil, errors.NewError(errors.ErrCodeFriendFeedAPIError).
			WithMessagef("FriendFeed returned status %d", statusCode).
			WithContext("url", endpoint).
			Build()
	default:
		return nil, errors.NewError(errors.ErrCodeFriendFeedAPIError).
			WithCategory(errors.CategoryServerError).
			WithMessagef("Unknown FriendFeed status %d", statusCode).
			WithContext("url", endpoint).
			Build()
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.NewError(errors.ErrCodeFriendFeedAPIError).
			WithCategory(errors.CategoryServerError).
			WithMessagef("Could not load FriendFeed user %s", nickname).
			Build()
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil || profile.isZero() {
		return nil, errors.NewError(errors.ErrCodeFriendFeedAPIError).
			WithCategory(errors.CategoryServerError).
			WithMessagef("Could not parse FriendFeed user %s", nickname).
			WithCause(err).
			Build()
	}

	return &profile, nil
}

// get sends a GET request and returns the status and body
func (c *Client) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) recordRequest(operation string, statusCode int, err error, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil {
		status = strconv.Itoa(statusCode)
	}
	c.metrics.RecordUpstreamRequest(operation, status, duration)
}
