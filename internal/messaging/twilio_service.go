package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without replying; replies go out through the REST API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements the Service interface using the Twilio API for
// outbound messages and a webhook for inbound ones.
type TwilioService struct {
	client     twiliowhatsapp.Sender // real Twilio client or MockClient
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
	events     *emitter
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature does
// not match. publicURL is the webhook address as configured in the Twilio console;
// when empty it is rebuilt from the request.
func WithSignatureValidation(v *twiliowhatsapp.SignatureValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client: client,
		events: newEmitter("TwilioService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioService", recipient)
}

// Start is a no-op for Twilio; inbound traffic arrives through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.events.close()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.events.receipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendMedia sends media.URL as an attachment. Twilio fetches the file itself, so
// inline data cannot be delivered.
func (s *TwilioService) SendMedia(ctx context.Context, to string, body string, media models.Media) error {
	if s.events.stopped() {
		return ErrServiceStopped
	}
	if media.URL == "" {
		return fmt.Errorf("twilio media requires a public URL: %w", models.ErrEmptyMediaURL)
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMedia: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMedia(ctx, canonicalTo, body, media.URL); err != nil {
		return err
	}
	s.events.receipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Responses returns the channel for inbound messages posted to the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.events.responses
}

// WebhookHandler handles inbound Twilio webhook requests: customer messages are
// emitted on Responses() and status callbacks on Receipts(). The request is
// acknowledged with empty TwiML before the message is processed.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Validate(s.publicURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if status := r.PostFormValue("MessageStatus"); status != "" && status != "received" {
		s.handleStatusCallback(r, status)
		writeTwiML(w)
		return
	}

	from := r.PostFormValue("From")
	if from == "" {
		slog.Warn("TwilioService.WebhookHandler: missing From")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	response := models.Response{
		From:        from,
		AccountID:   r.PostFormValue("WaId"),
		ProfileName: r.PostFormValue("ProfileName"),
		Body:        r.PostFormValue("Body"),
		MessageID:   r.PostFormValue("MessageSid"),
		Time:        time.Now().Unix(),
	}
	if err := response.Validate(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected inbound message", "from", from, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if response.Body == "" && r.PostFormValue("NumMedia") != "" && r.PostFormValue("NumMedia") != "0" {
		slog.Debug("TwilioService.WebhookHandler: media-only message", "from", from, "num_media", r.PostFormValue("NumMedia"))
	}

	slog.Info("TwilioService.WebhookHandler: inbound message", "from", from, "message_id", response.MessageID, "body_length", len(response.Body))
	if !s.events.response(response) {
		// Twilio retries on 5xx; the dedup guard absorbs the redelivery.
		http.Error(w, "inbound queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeTwiML(w)
}

func (s *TwilioService) handleStatusCallback(r *http.Request, status string) {
	var st models.MessageStatus
	switch status {
	case "sent":
		st = models.MessageStatusSent
	case "delivered":
		st = models.MessageStatusDelivered
	case "read":
		st = models.MessageStatusRead
	case "failed", "undelivered":
		st = models.MessageStatusFailed
	default:
		slog.Debug("TwilioService ignoring status callback", "status", status)
		return
	}
	to := r.PostFormValue("To")
	if canonical, err := s.ValidateAndCanonicalizeRecipient(to); err == nil {
		to = canonical
	}
	s.events.receipt(models.Receipt{To: to, Status: st, Time: time.Now().Unix()})
}

// publicURL is the URL Twilio signed: the configured one, or the request's own
// address honoring X-Forwarded-Proto from a TLS-terminating proxy.
func (s *TwilioService) publicURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
