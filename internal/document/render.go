// Package document renders quote documents and turns them into files customers can download.
package document

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/pricing"
)

// TemplateQuote is the id of the customer quote template.
const TemplateQuote = "cotizacion"

// ErrUnknownTemplate is returned by Render for ids with no template.
var ErrUnknownTemplate = errors.New("unknown document template")

//go:embed templates/*.html
var embeddedTemplates embed.FS

// Business identifies the issuer printed on documents.
type Business struct {
	Name  string
	Phone string
	Email string
}

// Field is one labelled customer detail.
type Field struct {
	Label string
	Value string
}

// QuoteData is the input of the quote template.
type QuoteData struct {
	Folio      string
	IssuedAt   time.Time
	ValidUntil time.Time
	Business   Business
	Customer   []Field
	Quote      pricing.Quote
	Notes      string
}

// Renderer executes named HTML templates.
type Renderer struct {
	templates *template.Template
}

var funcs = template.FuncMap{
	"clp":  pricing.FormatCLP,
	"date": func(t time.Time) string { return t.Format("02-01-2006") },
	"size": func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
}

// NewRenderer loads the built-in templates. When dir is non-empty, *.html files found
// there replace built-in templates of the same name.
func NewRenderer(dir string) (*Renderer, error) {
	tmpl, err := template.New("documents").Funcs(funcs).ParseFS(embeddedTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in templates: %w", err)
	}
	if dir != "" {
		overrides, err := fs.Glob(os.DirFS(dir), "*.html")
		if err != nil {
			return nil, fmt.Errorf("failed to list templates in %s: %w", dir, err)
		}
		if len(overrides) > 0 {
			if tmpl, err = tmpl.ParseFS(os.DirFS(dir), "*.html"); err != nil {
				return nil, fmt.Errorf("failed to parse templates in %s: %w", dir, err)
			}
			slog.Info("Renderer: loaded template overrides", "dir", dir, "count", len(overrides))
		}
	}
	return &Renderer{templates: tmpl}, nil
}

// Render executes templateID against data.
func (r *Renderer) Render(templateID string, data interface{}) ([]byte, error) {
	t := r.templates.Lookup(templateID + ".html")
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", templateID, err)
	}
	return buf.Bytes(), nil
}
