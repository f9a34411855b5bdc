// Package quote turns a completed intake into a priced quote: it renders and
// stores the quote document, delivers it to the customer, notifies staff and
// records the lead. Every step is best-effort; failures are logged and joined.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/document"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/pricing"
	"github.com/BTreeMap/QuotePipe/internal/store"
	"github.com/BTreeMap/QuotePipe/internal/util"
	"github.com/google/uuid"
)

// Variable names the default flow captures.
const (
	VarService = "servicio"
	VarSize    = "tamano"
	VarName    = "nombre"
	VarAddress = "direccion"
	VarCommune = "comuna"
	VarEmail   = "email"
	VarPhone   = "telefono"
)

const notAvailable = "N/D"

// DefaultValidity is how long a quote is honoured.
const DefaultValidity = 15 * 24 * time.Hour

// Sender delivers WhatsApp messages.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to, body string, media models.Media) error
}

// Recorder observes pipeline results (metrics).
type Recorder interface {
	Quote(status string)
}

// Completion is a finished intake handed over by the flow engine.
type Completion struct {
	SessionKey  string
	Recipient   string // channel address replies go to
	ProfileName string
	Data        models.DataBag
}

// Opts configures a Pipeline.
type Opts struct {
	AdminWhatsApp string
	AdminEmails   []string
	Business      document.Business
	Validity      time.Duration
	Renderer      *document.Renderer
	Converter     document.Converter
	Files         *document.FileStore
	Leads         store.LeadRepo
	Mailer        Mailer
	Recorder      Recorder
	Now           func() time.Time
}

// Option configures a Pipeline.
type Option func(*Opts)

// WithAdminWhatsApp sets the staff number that receives new-lead summaries.
func WithAdminWhatsApp(to string) Option {
	return func(o *Opts) { o.AdminWhatsApp = to }
}

// WithAdminEmails sets the addresses that receive new-lead summaries.
func WithAdminEmails(to ...string) Option {
	return func(o *Opts) { o.AdminEmails = to }
}

// WithBusiness sets the issuer printed on quotes.
func WithBusiness(b document.Business) Option {
	return func(o *Opts) { o.Business = b }
}

// WithValidity sets how long quotes are valid.
func WithValidity(d time.Duration) Option {
	return func(o *Opts) { o.Validity = d }
}

// WithDocuments enables quote documents.
func WithDocuments(r *document.Renderer, c document.Converter, files *document.FileStore) Option {
	return func(o *Opts) {
		o.Renderer = r
		o.Converter = c
		o.Files = files
	}
}

// WithLeadRepo persists completed intakes.
func WithLeadRepo(repo store.LeadRepo) Option {
	return func(o *Opts) { o.Leads = repo }
}

// WithMailer enables e-mail notifications.
func WithMailer(m Mailer) Option {
	return func(o *Opts) { o.Mailer = m }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Pipeline processes completed intakes.
type Pipeline struct {
	sender Sender
	opts   Opts
}

// NewPipeline creates a Pipeline that replies through sender.
func NewPipeline(sender Sender, opts ...Option) *Pipeline {
	o := Opts{
		Business: document.Business{Name: "Smart Plagas"},
		Validity: DefaultValidity,
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Renderer != nil && o.Converter == nil {
		o.Converter = document.Passthrough{}
	}
	slog.Debug("Quote pipeline created", "documents", o.Renderer != nil && o.Files != nil, "admin_whatsapp", o.AdminWhatsApp != "", "mailer", o.Mailer != nil, "leads", o.Leads != nil)
	return &Pipeline{sender: sender, opts: o}
}

// Process prices the intake and delivers the result. The returned lead reflects
// how far the pipeline got; the error joins every step that failed.
func (p *Pipeline) Process(ctx context.Context, c Completion) (models.Lead, error) {
	now := p.opts.Now()
	data := c.Data.Map()
	lead := models.Lead{
		ID:          uuid.NewString(),
		SessionKey:  c.SessionKey,
		Recipient:   c.Recipient,
		ProfileName: c.ProfileName,
		Service:     data[VarService],
		Size:        data[VarSize],
		Data:        data,
		CreatedAt:   now,
	}
	var errs []error

	q, qerr := pricing.QuoteFor(data[VarService], data[VarSize])
	folio := util.NewFolio("COT", now)
	var customerErr error
	if qerr != nil {
		slog.Info("Pipeline.Process: no automatic price, routing to staff", "reason", qerr, "participant", c.SessionKey)
		lead.Status = models.LeadStatusManual
		customerErr = p.sender.SendMessage(ctx, c.Recipient, p.manualMessage(data))
	} else {
		lead.Status = models.LeadStatusQuoted
		lead.Total = q.Total
		media, derr := p.buildDocument(ctx, folio, now, q, data)
		if derr != nil {
			errs = append(errs, derr)
		}
		body := p.quoteMessage(folio, q, data)
		if media != nil {
			lead.DocumentURL = media.URL
			customerErr = p.sender.SendMedia(ctx, c.Recipient, body, *media)
		} else {
			customerErr = p.sender.SendMessage(ctx, c.Recipient, body)
		}
	}
	if customerErr != nil {
		lead.Status = models.LeadStatusFailed
		errs = append(errs, fmt.Errorf("failed to deliver quote to customer: %w", customerErr))
	}

	summary := Summary(lead, q, qerr == nil, folio)
	if p.opts.AdminWhatsApp != "" {
		if err := p.sender.SendMessage(ctx, p.opts.AdminWhatsApp, summary); err != nil {
			errs = append(errs, fmt.Errorf("failed to notify admin on WhatsApp: %w", err))
		}
	}
	if p.opts.Mailer != nil && len(p.opts.AdminEmails) > 0 {
		subject := "Nuevo Cliente - " + p.opts.Business.Name
		if err := p.opts.Mailer.Send(ctx, p.opts.AdminEmails, subject, summary); err != nil {
			errs = append(errs, fmt.Errorf("failed to e-mail admin: %w", err))
		}
	}
	if p.opts.Leads != nil {
		if err := p.opts.Leads.SaveLead(ctx, lead); err != nil {
			errs = append(errs, fmt.Errorf("failed to save lead: %w", err))
		}
	}
	if p.opts.Recorder != nil {
		p.opts.Recorder.Quote(string(lead.Status))
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.Error("Pipeline.Process: completed with errors", "error", err, "participant", c.SessionKey, "lead_id", lead.ID, "status", lead.Status)
	} else {
		slog.Info("Pipeline.Process: lead processed", "participant", c.SessionKey, "lead_id", lead.ID, "status", lead.Status, "total", lead.Total)
	}
	return lead, err
}

// buildDocument renders, converts and stores the quote document. It returns nil
// media when documents are disabled.
func (p *Pipeline) buildDocument(ctx context.Context, folio string, now time.Time, q pricing.Quote, data map[string]string) (*models.Media, error) {
	if p.opts.Renderer == nil || p.opts.Files == nil {
		return nil, nil
	}
	html, err := p.opts.Renderer.Render(document.TemplateQuote, document.QuoteData{
		Folio:      folio,
		IssuedAt:   now,
		ValidUntil: now.Add(p.opts.Validity),
		Business:   p.opts.Business,
		Customer:   customerFields(data),
		Quote:      q,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render quote %s: %w", folio, err)
	}
	doc, err := p.opts.Converter.Convert(ctx, html)
	if err != nil {
		slog.Warn("Pipeline.buildDocument: conversion failed, sending HTML", "error", err, "folio", folio)
		if doc, err = (document.Passthrough{}).Convert(ctx, html); err != nil {
			return nil, fmt.Errorf("failed to prepare quote %s: %w", folio, err)
		}
	}
	url, err := p.opts.Files.Save(folio, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to store quote %s: %w", folio, err)
	}
	return &models.Media{URL: url, FileName: folio + doc.Ext, ContentType: doc.ContentType, Data: doc.Data}, nil
}

func (p *Pipeline) quoteMessage(folio string, q pricing.Quote, data map[string]string) string {
	return fmt.Sprintf("¡Gracias %s! Tu cotización N° %s para %s (%s %s) es de %s + IVA %s = %s. Un ejecutivo te contactará para coordinar.",
		orNA(data[VarName]), folio, q.Label, trimFloat(q.Size), q.Unit,
		pricing.FormatCLP(q.Net), pricing.FormatCLP(q.IVA), pricing.FormatCLP(q.Total))
}

func (p *Pipeline) manualMessage(data map[string]string) string {
	return fmt.Sprintf("¡Gracias %s! Recibimos tus datos y un ejecutivo te enviará la cotización a la brevedad.", orNA(data[VarName]))
}

// Summary formats the staff notification for a new lead.
func Summary(lead models.Lead, q pricing.Quote, priced bool, folio string) string {
	d := lead.Data
	var b strings.Builder
	b.WriteString("NUEVO CLIENTE - SMART PLAGAS\n\n")
	fmt.Fprintf(&b, "Nombre: %s\n", orNA(d[VarName]))
	fmt.Fprintf(&b, "Direccion: %s, %s\n", orNA(d[VarAddress]), orNA(d[VarCommune]))
	fmt.Fprintf(&b, "Email: %s\n", orNA(d[VarEmail]))
	fmt.Fprintf(&b, "Telefono: %s\n", orNA(d[VarPhone]))
	fmt.Fprintf(&b, "WhatsApp: %s\n", orNA(lead.Recipient))
	fmt.Fprintf(&b, "Servicio: %s\n", orNA(d[VarService]))
	if priced {
		fmt.Fprintf(&b, "Cotizacion: %s por %s\n", folio, pricing.FormatCLP(q.Total))
	} else {
		b.WriteString("Cotizacion: pendiente (manual)\n")
	}
	if lead.DocumentURL != "" {
		fmt.Fprintf(&b, "Documento: %s\n", lead.DocumentURL)
	}
	return b.String()
}

func customerFields(data map[string]string) []document.Field {
	fields := []document.Field{
		{Label: "Nombre", Value: data[VarName]},
		{Label: "Dirección", Value: joinNonEmpty(", ", data[VarAddress], data[VarCommune])},
		{Label: "Correo", Value: data[VarEmail]},
		{Label: "Teléfono", Value: data[VarPhone]},
	}
	out := fields[:0]
	for _, f := range fields {
		if f.Value != "" {
			out = append(out, f)
		}
	}
	return out
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return notAvailable
	}
	return s
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
