// Package templates renders the HTML pages and CSE XML documents of the
// service from embedded Django-syntax templates.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"

	"github.com/atlet99/ego-cse/internal/cache"
)

// Template names
const (
	BaseTemplate           = "base.tmpl"
	UserTemplate           = "user.tmpl"
	OSDTemplate            = "osd.tmpl"
	CrefTemplate           = "cref.tmpl"
	AnnotationsTemplate    = "annotations.tmpl"
	AnnotationListTemplate = "annotation_list.tmpl"
	HomeTemplate           = "home.tmpl"
	FAQTemplate            = "faq.tmpl"
	NotFoundTemplate       = "404.tmpl"
	ServerErrorTemplate    = "500.tmpl"
	StatsTemplate          = "stats.tmpl"
)

// Content types of the rendered documents
const (
	HTMLContentType        = "text/html; charset=utf-8"
	OSDContentType         = "application/opensearchdescription+xml"
	CrefContentType        = "text/xml"
	AnnotationsContentType = "text/xml"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Metrics receives template render timings
type Metrics interface {
	RecordRender(template string, duration time.Duration)
}

// Renderer renders the service's templates. It is safe for concurrent use.
type Renderer struct {
	set     *pongo2.TemplateSet
	metrics Metrics
}

// Option configures a Renderer
type Option func(*Renderer)

// WithMetrics records render timings in metrics
func WithMetrics(metrics Metrics) Option {
	return func(r *Renderer) {
		r.metrics = metrics
	}
}

// NewRenderer parses every embedded template. baseURL is the absolute origin
// used in published links and cseURL the Google Custom Search endpoint.
func NewRenderer(baseURL, cseURL string, opts ...Option) (*Renderer, error) {
	files, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, fmt.Errorf("templates: open embedded files: %w", err)
	}

	set := pongo2.NewSet("ego-cse", pongo2.NewFSLoader(files))
	set.Globals["base_url"] = strings.TrimRight(baseURL, "/")
	set.Globals["cse_url"] = cseURL

	r := &Renderer{set: set}
	for _, opt := range opts {
		opt(r)
	}

	// Parse everything up front so a broken template fails at startup
	for _, name := range Names() {
		if _, err := set.FromCache(name); err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
	}

	return r, nil
}

// Names lists every template the renderer serves
func Names() []string {
	return []string{
		BaseTemplate, UserTemplate, OSDTemplate, CrefTemplate,
		AnnotationsTemplate, AnnotationListTemplate, HomeTemplate,
		FAQTemplate, NotFoundTemplate, ServerErrorTemplate, StatsTemplate,
	}
}

// Render executes the named template with data into w. Nothing is written
// when execution fails.
func (r *Renderer) Render(w io.Writer, name string, data pongo2.Context) error {
	start := time.Now()

	tpl, err := r.set.FromCache(name)
	if err != nil {
		return fmt.Errorf("templates: load %s: %w", name, err)
	}
	if err := tpl.ExecuteWriter(data, w); err != nil {
		return fmt.Errorf("templates: execute %s: %w", name, err)
	}

	if r.metrics != nil {
		r.metrics.RecordRender(name, time.Since(start))
	}
	return nil
}

// User renders the install page for a user's search engine
func (r *Renderer) User(w io.Writer, name, nickname string) error {
	return r.Render(w, UserTemplate, pongo2.Context{"name": name, "nickname": nickname})
}

// OSD renders the OpenSearch description document
func (r *Renderer) OSD(w io.Writer, name, nickname string) error {
	return r.Render(w, OSDTemplate, pongo2.Context{"name": name, "nickname": nickname})
}

// Cref renders the Custom Search Engine definition. annotations is an
// annotation list document produced by AnnotationList and is embedded
// verbatim.
func (r *Renderer) Cref(w io.Writer, name, nickname, annotations string) error {
	return r.Render(w, CrefTemplate, pongo2.Context{
		"name":        name,
		"nickname":    nickname,
		"annotations": annotations,
	})
}

// Annotations renders a standalone annotations document around an
// annotation list
func (r *Renderer) Annotations(w io.Writer, annotations string) error {
	return r.Render(w, AnnotationsTemplate, pongo2.Context{"annotations": annotations})
}

// AnnotationList renders one annotation per CSE site pattern, all labelled
// for nickname
func (r *Renderer) AnnotationList(w io.Writer, nickname string, patterns []string) error {
	return r.Render(w, AnnotationListTemplate, pongo2.Context{
		"nickname": nickname,
		"patterns": patterns,
	})
}

// AnnotationListString is AnnotationList returning the document as a string
func (r *Renderer) AnnotationListString(nickname string, patterns []string) (string, error) {
	var buf bytes.Buffer
	if err := r.AnnotationList(&buf, nickname, patterns); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Home renders the landing page
func (r *Renderer) Home(w io.Writer) error {
	return r.Render(w, HomeTemplate, nil)
}

// FAQ renders the FAQ page
func (r *Renderer) FAQ(w io.Writer) error {
	return r.Render(w, FAQTemplate, nil)
}

// NotFound renders the 404 page
func (r *Renderer) NotFound(w io.Writer) error {
	return r.Render(w, NotFoundTemplate, nil)
}

// ServerError renders the 500 page. details is shown verbatim when set.
func (r *Renderer) ServerError(w io.Writer, details string) error {
	return r.Render(w, ServerErrorTemplate, pongo2.Context{"details": details})
}

// Stats renders the cache statistics page
func (r *Renderer) Stats(w io.Writer, stats cache.Stats, resetEnabled bool) error {
	return r.Render(w, StatsTemplate, pongo2.Context{
		"stats":         stats,
		"reset_enabled": resetEnabled,
	})
}

// RenderErrorPage renders the 404 page for http.StatusNotFound and the
// generic error page for any other status
func (r *Renderer) RenderErrorPage(w io.Writer, status int, message, details string) error {
	name := ServerErrorTemplate
	if status == http.StatusNotFound {
		name = NotFoundTemplate
	}
	return r.Render(w, name, pongo2.Context{
		"status":  status,
		"message": message,
		"details": details,
	})
}
