package templates

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"

	"github.com/jaytaylor/html2text"
	"github.com/rs/zerolog"
)

// RenderError reports a template that exists but could not be parsed or executed.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("templates: render %s: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Rendered holds both bodies of a rendered template.
type Rendered struct {
	HTML string
	Text string
}

// Renderer renders templates from a Store with html/template autoescaping and
// derives a plain-text alternative. Parsed templates are cached by name.
type Renderer struct {
	store Store
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewRenderer creates a Renderer over store.
func NewRenderer(store Store, log zerolog.Logger) *Renderer {
	return &Renderer{
		store: store,
		log:   log,
		cache: make(map[string]*template.Template),
	}
}

// Render executes the named template with data.
//
// A missing template yields an error wrapping ErrNotFound; parse, execute and
// text-conversion failures yield *RenderError.
func (r *Renderer) Render(ctx context.Context, name string, data map[string]any) (Rendered, error) {
	tmpl, err := r.lookup(ctx, name)
	if err != nil {
		return Rendered{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Rendered{}, &RenderError{Template: name, Err: err}
	}

	html := buf.String()
	text, err := html2text.FromString(html, html2text.Options{PrettyTables: true})
	if err != nil {
		return Rendered{}, &RenderError{Template: name, Err: fmt.Errorf("plain text: %w", err)}
	}

	return Rendered{HTML: html, Text: text}, nil
}

// Invalidate drops a cached template so the next Render reloads it.
func (r *Renderer) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

func (r *Renderer) lookup(ctx context.Context, name string) (*template.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	src, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	tmpl, err = template.New(name).Option("missingkey=zero").Parse(string(src))
	if err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}

	r.mu.Lock()
	r.cache[name] = tmpl
	r.mu.Unlock()

	r.log.Debug().Str("template", name).Msg("template loaded")
	return tmpl, nil
}
