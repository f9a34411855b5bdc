// Package api provides the HTTP surface of QuotePipe.
//
// It exposes the Twilio webhook, admin endpoints to inspect and reload the flow
// definition or simulate a turn, the lead listing, health and metrics, and the
// generated quote documents under /static/.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/metrics"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/store"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLeadsLimit      = 100
)

// Opts holds configuration options for the HTTP server.
type Opts struct {
	Addr       string
	AdminToken string           // Bearer token required on admin routes; empty disables the check
	StaticDir  string           // served under /static/
	Webhook    http.HandlerFunc // Twilio inbound webhook; route is absent when nil
	Leads      store.LeadRepo
	Metrics    *metrics.Metrics
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken protects the admin routes with a Bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithStaticDir serves dir under /static/.
func WithStaticDir(dir string) Option {
	return func(o *Opts) { o.StaticDir = dir }
}

// WithTwilioWebhook mounts h at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithLeadRepo enables GET /leads.
func WithLeadRepo(repo store.LeadRepo) Option {
	return func(o *Opts) { o.Leads = repo }
}

// WithMetrics enables GET /metrics and reload counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server wraps http.Server with the QuotePipe routes.
type Server struct {
	http.Server
	engine *flow.Engine
	opts   Opts
}

// NewServer builds the router for engine.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		engine: engine,
		opts:   cfg,
	}
	s.Handler = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	if s.opts.Webhook != nil {
		router.HandleFunc("/webhook/twilio", s.opts.Webhook).Methods(http.MethodPost)
	}
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	if s.opts.StaticDir != "" {
		router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(noListing{http.Dir(s.opts.StaticDir)}))).Methods(http.MethodGet, http.MethodHead)
	}

	admin := router.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/admin/flow", s.flowHandler).Methods(http.MethodGet)
	admin.HandleFunc("/admin/flow/reload", s.reloadHandler).Methods(http.MethodPost)
	admin.HandleFunc("/admin/simulate", s.simulateHandler).Methods(http.MethodPost)
	admin.HandleFunc("/leads", s.leadsHandler).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.Addr)
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) != s.opts.AdminToken {
				slog.Warn("Server.requireAdmin: unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// noListing hides directory indexes under /static/.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

// marshalFailure is sent when a handler's payload cannot be encoded.
const marshalFailure = `{"status":"error","message":"Internal server error"}` + "\n"

// writeJSON encodes v before touching the response so an encoding failure can
// still change the status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("Server.writeJSON: failed to encode response", "error", err, "status", status)
		buf.Reset()
		buf.WriteString(marshalFailure)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Server.writeJSON: failed to write response", "error", err)
	}
}
