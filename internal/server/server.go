// Package server provides the HTTP server for ego-cse. It serves the install
// page, OpenSearch description and Custom Search Engine documents for
// FriendFeed users.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlet99/ego-cse/internal/cache"
	"github.com/atlet99/ego-cse/internal/config"
	"github.com/atlet99/ego-cse/internal/errors"
	"github.com/atlet99/ego-cse/internal/friendfeed"
	"github.com/atlet99/ego-cse/internal/monitoring"
	"github.com/atlet99/ego-cse/internal/templates"
	"github.com/atlet99/ego-cse/internal/version"
)

const (
	healthPath  = "/health"
	metricsPath = "/metrics"
	statsPath   = "/statsstatsstats/"
	resetPath   = "/resetresetreset/"

	// Cache namespace for rendered pages, keyed by request path
	pageNamespace = "page"

	// Server timeout constants
	readHeaderTimeout = 30 * time.Second
)

// validNickname matches the nicknames FriendFeed hands out
var validNickname = regexp.MustCompile(`^\w+$`)

// ProfileSource loads FriendFeed profiles
type ProfileSource interface {
	Profile(ctx context.Context, nickname string) (*friendfeed.Profile, error)
}

// page is a rendered response as stored in the page cache
type page struct {
	ContentType string
	Body        []byte
}

// pageFunc renders the page for a nickname
type pageFunc func(ctx context.Context, nickname string) (*page, error)

// Server represents the main application server
type Server struct {
	*http.Server
	config       *config.Config
	logger       *slog.Logger
	renderer     *templates.Renderer
	profiles     ProfileSource
	cache        *cache.MultiLevelCache
	loader       *cache.Loader
	metrics      *monitoring.PrometheusMetrics
	tracer       *monitoring.Tracer
	rateLimiter  *HTTPRateLimiter
	errorHandler *errors.Handler
}

type options struct {
	registry *prometheus.Registry
	tracer   *monitoring.Tracer
	profiles ProfileSource
}

// Option configures a Server
type Option func(*options)

// WithRegistry registers the server's metrics on registry
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithTracer traces requests, renders and FriendFeed calls with tracer
func WithTracer(tracer *monitoring.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithProfileSource replaces the FriendFeed client
func WithProfileSource(profiles ProfileSource) Option {
	return func(o *options) {
		o.profiles = profiles
	}
}

// New creates a new server instance
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = monitoring.NewNoopTracer()
	}

	metrics := monitoring.NewPrometheusMetricsWithRegistry(o.registry, logger)

	renderer, err := templates.NewRenderer(cfg.PublicBaseURL, cfg.CSEURL, templates.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	// Create cache (multi-level for better performance)
	appCache := cache.NewMultiLevelCache(cfg.CacheL1Size, cfg.CacheL2Size)
	loader := cache.NewLoader(appCache, cfg.CacheExpiration(), logger)
	loader.SetObserver(metrics)
	loader.SetLoadTimeout(cfg.FriendFeedTimeout() * time.Duration(cfg.FriendFeedRetryMaxAttempts))

	profiles := o.profiles
	if profiles == nil {
		profiles = friendfeed.NewClient(cfg, logger,
			friendfeed.WithLoader(loader),
			friendfeed.WithTracer(o.tracer),
			friendfeed.WithMetrics(metrics))
	}

	s := &Server{
		config:       cfg,
		logger:       logger,
		renderer:     renderer,
		profiles:     profiles,
		cache:        appCache,
		loader:       loader,
		metrics:      metrics,
		tracer:       o.tracer,
		errorHandler: errors.NewHandler(logger, renderer, metrics, cfg.DevMode),
	}
	s.rateLimiter = NewHTTPRateLimiter(&RateLimiterConfig{
		DefaultRate:       cfg.RateLimitRPS,
		DefaultBurst:      cfg.RateLimitBurst,
		PerIP:             true,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	handler := chain(s.routes(),
		RequestIDMiddleware,
		monitoring.TracingMiddleware(s.tracer, routeLabel),
		monitoring.PrometheusMiddleware(metrics, routeLabel),
		s.LoggingMiddleware,
		s.errorHandler.ErrorMiddleware,
		LowercaseMiddleware,
		s.RateLimitMiddleware,
	)

	s.Server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// routes registers every endpoint on a new mux
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	s.handleWithSlash(mux, "/faq/", s.cachedPage(s.faqPage))
	mux.HandleFunc("GET /{$}", s.cachedPage(s.homePage))
	mux.HandleFunc("POST /user/{$}", s.handleUserRedirect)

	s.handleWithSlash(mux, "/friendfeed/{nickname}/", s.cachedPage(s.userPage))
	s.handleWithSlash(mux, "/friendfeed/{nickname}/osd/", s.cachedPage(s.osdPage))
	s.handleWithSlash(mux, "/friendfeed/{nickname}/cref/", s.cachedPage(s.crefPage))
	s.handleWithSlash(mux, "/friendfeed/{nickname}/annotations/", s.cachedPage(s.annotationsPage))
	s.handleWithSlash(mux, "/friendfeed/{nickname}/annotations/list/", s.cachedPage(s.annotationListPage))

	s.handleWithSlash(mux, statsPath, s.handleStats)
	if s.config.EnableCacheReset {
		mux.HandleFunc("POST "+resetPath+"{$}", s.handleReset)
	}

	mux.HandleFunc("GET "+healthPath, s.handleHealth)
	mux.HandleFunc("GET "+metricsPath, s.handleMetrics)

	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

// handleWithSlash registers a GET handler for path, which must end in "/",
// and a permanent redirect to it from the path without the slash
func (s *Server) handleWithSlash(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc("GET "+path+"{$}", h)
	mux.HandleFunc("GET "+strings.TrimSuffix(path, "/"), redirectWithSlash)
}

// cachedPage serves the page produced by fn, caching successful renders by
// request path
func (s *Server) cachedPage(fn pageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nickname := r.PathValue("nickname")
		if strings.Contains(r.Pattern, "{nickname}") && !validNickname.MatchString(nickname) {
			s.errorHandler.HandleError(w, r, errors.NotFound("Invalid nickname %q", nickname))
			return
		}

		p, err := cache.Load(r.Context(), s.loader, pageNamespace, r.URL.Path, func(ctx context.Context) (*page, error) {
			return fn(ctx, nickname)
		})
		if err != nil {
			s.errorHandler.HandleError(w, r, err)
			return
		}

		s.writePage(w, p)
	}
}

// writePage writes a rendered page with status 200
func (s *Server) writePage(w http.ResponseWriter, p *page) {
	w.Header().Set("Content-Type", p.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(p.Body); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

// render runs a template into a new page inside a trace span
func (s *Server) render(ctx context.Context, template, contentType string, fn func(w io.Writer) error) (*page, error) {
	var buf bytes.Buffer
	err := s.tracer.TraceRender(ctx, template, func() error {
		return fn(&buf)
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeRenderFailed).
			WithMessagef("Failed to render %s", template).
			WithCause(err).
			Build()
	}
	return &page{ContentType: contentType, Body: buf.Bytes()}, nil
}

func (s *Server) homePage(ctx context.Context, _ string) (*page, error) {
	return s.render(ctx, templates.HomeTemplate, templates.HTMLContentType, s.renderer.Home)
}

func (s *Server) faqPage(ctx context.Context, _ string) (*page, error) {
	return s.render(ctx, templates.FAQTemplate, templates.HTMLContentType, s.renderer.FAQ)
}

// userPage renders the install page for nickname
func (s *Server) userPage(ctx context.Context, nickname string) (*page, error) {
	profile, err := s.profiles.Profile(ctx, nickname)
	if err != nil {
		return nil, err
	}
	name := friendfeed.DisplayName(profile, nickname)

	return s.render(ctx, templates.UserTemplate, templates.HTMLContentType, func(w io.Writer) error {
		return s.renderer.User(w, name, nickname)
	})
}

// osdPage renders the OpenSearch description for nickname
func (s *Server) osdPage(ctx context.Context, nickname string) (*page, error) {
	profile, err := s.profiles.Profile(ctx, nickname)
	if err != nil {
		return nil, err
	}
	name := friendfeed.DisplayName(profile, nickname)

	return s.render(ctx, templates.OSDTemplate, templates.OSDContentType, func(w io.Writer) error {
		return s.renderer.OSD(w, name, nickname)
	})
}

// crefPage renders the CSE definition for nickname. Unknown and private
// users get an empty definition rather than an error page.
func (s *Server) crefPage(ctx context.Context, nickname string) (*page, error) {
	var name, annotations string

	profile, err := s.profiles.Profile(ctx, nickname)
	switch {
	case err == nil:
		name = friendfeed.DisplayName(profile, nickname)
		annotations, err = s.renderer.AnnotationListString(nickname, friendfeed.CSEPatterns(profile))
		if err != nil {
			s.logger.Warn("Failed to render annotations for cref", "nickname", nickname, "error", err)
			annotations = ""
		}
	case isUserError(err):
		s.logger.Debug("Rendering empty cref", "nickname", nickname, "error", err)
		nickname = ""
	default:
		return nil, err
	}

	return s.render(ctx, templates.CrefTemplate, templates.CrefContentType, func(w io.Writer) error {
		return s.renderer.Cref(w, name, nickname, annotations)
	})
}

// annotationsPage renders the annotations document for nickname, empty for
// unknown and private users
func (s *Server) annotationsPage(ctx context.Context, nickname string) (*page, error) {
	var annotations string

	profile, err := s.profiles.Profile(ctx, nickname)
	switch {
	case err == nil:
		annotations, err = s.renderer.AnnotationListString(nickname, friendfeed.CSEPatterns(profile))
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeRenderFailed).
				WithMessage("Failed to render annotation list").
				WithCause(err).
				Build()
		}
	case isUserError(err):
		s.logger.Debug("Rendering empty annotations", "nickname", nickname, "error", err)
	default:
		return nil, err
	}

	return s.render(ctx, templates.AnnotationsTemplate, templates.AnnotationsContentType, func(w io.Writer) error {
		return s.renderer.Annotations(w, annotations)
	})
}

// annotationListPage renders one annotation per CSE pattern of nickname
func (s *Server) annotationListPage(ctx context.Context, nickname string) (*page, error) {
	profile, err := s.profiles.Profile(ctx, nickname)
	if err != nil {
		return nil, err
	}
	patterns := friendfeed.CSEPatterns(profile)

	return s.render(ctx, templates.AnnotationListTemplate, templates.AnnotationsContentType, func(w io.Writer) error {
		return s.renderer.AnnotationList(w, nickname, patterns)
	})
}

// isUserError reports whether err means the user cannot be looked up
func isUserError(err error) bool {
	return errors.HasCode(err, errors.ErrCodeNotFound, errors.ErrCodeUserPrivate, errors.ErrCodeInvalidRequest)
}

// handleUserRedirect sends the home page form to the user's install page
func (s *Server) handleUserRedirect(w http.ResponseWriter, r *http.Request) {
	nickname := strings.TrimSpace(r.PostFormValue("nickname"))
	if nickname == "" {
		s.errorHandler.HandleError(w, r, errors.InvalidRequest("nickname required"))
		return
	}
	http.Redirect(w, r, "/friendfeed/"+url.PathEscape(nickname)+"/", http.StatusSeeOther)
}

// handleStats renders the cache statistics page
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.recordCacheSizes()
	p, err := s.render(r.Context(), templates.StatsTemplate, templates.HTMLContentType, func(w io.Writer) error {
		return s.renderer.Stats(w, stats, s.config.EnableCacheReset)
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writePage(w, p)
}

// handleReset flushes every cache and returns to the home page
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.loader.Flush()
	s.logger.Info("Caches flushed", "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write health response", "error", err)
	}
}

// handleMetrics refreshes cache gauges and serves Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.recordCacheSizes()
	s.metrics.Handler().ServeHTTP(w, r)
}

// handleNotFound renders the 404 page for unknown paths
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.errorHandler.HandleError(w, r, errors.NotFound("No route for %s %s", r.Method, r.URL.Path))
}

// recordCacheSizes publishes cache sizes and returns the combined stats
func (s *Server) recordCacheSizes() cache.Stats {
	s.metrics.RecordCacheSize("l1", s.cache.L1.GetStats().Size)
	s.metrics.RecordCacheSize("l2", s.cache.L2.GetStats().Size)
	return s.loader.Stats()
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		"port", s.config.Port,
		"public_base_url", s.config.PublicBaseURL,
		"cache_expiration", s.config.CacheExpiration().String())
	return s.ListenAndServe()
}

// Shutdown gracefully shuts down the server and releases the caches
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	s.cache.Close()
	return err
}

// GetCache returns the cache instance
func (s *Server) GetCache() cache.Cache {
	return s.cache
}

// GetRateLimiter returns the rate limiter instance
func (s *Server) GetRateLimiter() *HTTPRateLimiter {
	return s.rateLimiter
}
