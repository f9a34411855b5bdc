package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Document is a rendered file ready to be stored or attached.
type Document struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Converter turns rendered HTML into a distributable document.
type Converter interface {
	Convert(ctx context.Context, html []byte) (Document, error)
}

// Passthrough keeps documents as HTML. It is used when no PDF converter is configured.
type Passthrough struct{}

// Convert returns html unchanged.
func (Passthrough) Convert(ctx context.Context, html []byte) (Document, error) {
	return Document{Data: html, ContentType: "text/html; charset=utf-8", Ext: ".html"}, nil
}

// DefaultConvertTimeout bounds one Gotenberg request.
const DefaultConvertTimeout = 30 * time.Second

// GotenbergConverter converts HTML to PDF through a Gotenberg server's Chromium route.
type GotenbergConverter struct {
	baseURL string
	client  *http.Client
}

// GotenbergOption configures a GotenbergConverter.
type GotenbergOption func(*GotenbergConverter)

// WithHTTPClient sets the HTTP client used for conversions.
func WithHTTPClient(c *http.Client) GotenbergOption {
	return func(g *GotenbergConverter) { g.client = c }
}

// NewGotenbergConverter creates a converter for the server at baseURL.
func NewGotenbergConverter(baseURL string, opts ...GotenbergOption) *GotenbergConverter {
	g := &GotenbergConverter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultConvertTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Convert uploads html as index.html and returns the PDF Gotenberg produces.
func (g *GotenbergConverter) Convert(ctx context.Context, html []byte) (Document, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return Document{}, fmt.Errorf("failed to build conversion request: %w", err)
	}
	if _, err := part.Write(html); err != nil {
		return Document{}, fmt.Errorf("failed to build conversion request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Document{}, fmt.Errorf("failed to build conversion request: %w", err)
	}

	url := g.baseURL + "/forms/chromium/convert/html"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Document{}, fmt.Errorf("failed to create conversion request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	slog.Debug("GotenbergConverter.Convert: sending request", "url", url, "html_bytes", len(html))
	resp, err := g.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("conversion request failed: %w", err)
	}
	defer resp.Body.Close()

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read converted document: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("conversion failed with status %d: %s", resp.StatusCode, truncate(string(pdf), 200))
	}
	return Document{Data: pdf, ContentType: "application/pdf", Ext: ".pdf"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
