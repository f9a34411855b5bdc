package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/twiliowhatsapp"
)

const webhookURL = "https://bot.example.cl/webhook/twilio"

func twilioSignature(token, u string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := u
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, webhookURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	return rec
}

func inboundForm() url.Values {
	return url.Values{
		"From":        {"whatsapp:+56912345678"},
		"WaId":        {"56912345678"},
		"ProfileName": {"Ana"},
		"Body":        {"hola"},
		"MessageSid":  {"SM0001"},
		"NumMedia":    {"0"},
		"SmsStatus":   {"received"},
	}
}

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "whatsapp:+56912345678", "hola"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	msgs := mock.Messages()
	if len(msgs) != 1 || msgs[0].To != "56912345678" || msgs[0].Body != "hola" {
		t.Fatalf("unexpected sends: %+v", msgs)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("receipt = %+v", r)
	}
}

func TestTwilioService_SendMedia(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	err := svc.SendMedia(ctx, "56912345678", "Cotización", models.Media{URL: "https://bot.example.cl/static/quotes/COT-1.pdf"})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if msgs := mock.Messages(); len(msgs) != 1 || msgs[0].MediaURL != "https://bot.example.cl/static/quotes/COT-1.pdf" {
		t.Fatalf("unexpected sends: %+v", msgs)
	}
	if err := svc.SendMedia(ctx, "56912345678", "x", models.Media{Data: []byte("pdf")}); !errors.Is(err, models.ErrEmptyMediaURL) {
		t.Errorf("inline-only media error = %v", err)
	}
}

func TestTwilioService_SendErrors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("twilio down")
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "56912345678", "hola"); err == nil {
		t.Error("expected client error")
	}
	if err := svc.SendMessage(context.Background(), "123", "hola"); err == nil {
		t.Error("expected short number error")
	}
	svc.Stop()
	if err := svc.SendMessage(context.Background(), "56912345678", "hola"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("send after stop = %v", err)
	}
}

func TestTwilioService_Webhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postWebhook(svc, inboundForm(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != emptyTwiML {
		t.Errorf("body = %q", rec.Body.String())
	}
	got := <-svc.Responses()
	if got.From != "whatsapp:+56912345678" || got.AccountID != "56912345678" || got.ProfileName != "Ana" || got.Body != "hola" || got.MessageID != "SM0001" {
		t.Errorf("response = %+v", got)
	}
}

func TestTwilioService_WebhookBackpressure(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		svc := NewTwilioService(twiliowhatsapp.NewMockClient())
		svc.Stop()
		rec := postWebhook(svc, inboundForm(), "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503 so Twilio redelivers", rec.Code)
		}
		if rec.Body.String() == emptyTwiML {
			t.Error("dropped message must not be acknowledged with TwiML")
		}
	})

	t.Run("queue full", func(t *testing.T) {
		svc := NewTwilioService(twiliowhatsapp.NewMockClient())
		defer svc.Stop()
		for i := 0; i < DefaultChannelBufferSize; i++ {
			if rec := postWebhook(svc, inboundForm(), ""); rec.Code != http.StatusOK {
				t.Fatalf("message %d: status = %d", i, rec.Code)
			}
		}
		if rec := postWebhook(svc, inboundForm(), ""); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status with full queue = %d, want 503", rec.Code)
		}
	})
}

func TestTwilioService_WebhookMissingFrom(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := inboundForm()
	form.Del("From")
	if rec := postWebhook(svc, form, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTwilioService_WebhookSignature(t *testing.T) {
	const token = "secret-token"
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(token), webhookURL))
	form := inboundForm()

	if rec := postWebhook(svc, form, ""); rec.Code != http.StatusForbidden {
		t.Errorf("unsigned status = %d, want 403", rec.Code)
	}
	if rec := postWebhook(svc, form, twilioSignature("wrong", webhookURL, form)); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d, want 403", rec.Code)
	}
	if rec := postWebhook(svc, form, twilioSignature(token, webhookURL, form)); rec.Code != http.StatusOK {
		t.Errorf("signed status = %d, want 200", rec.Code)
	}
	if got := <-svc.Responses(); got.MessageID != "SM0001" {
		t.Errorf("response = %+v", got)
	}
}

func TestTwilioService_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{"MessageStatus": {"delivered"}, "To": {"whatsapp:+56912345678"}, "MessageSid": {"SM9"}}
	if rec := postWebhook(svc, form, ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	r := <-svc.Receipts()
	if r.To != "56912345678" || r.Status != models.MessageStatusDelivered {
		t.Errorf("receipt = %+v", r)
	}
	select {
	case resp := <-svc.Responses():
		t.Errorf("status callback must not produce a response: %+v", resp)
	default:
	}
}

func TestTwilioService_PublicURLFromRequest(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080/webhook/twilio?x=1", nil)
	req.Host = "bot.example.cl"
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := svc.publicURL(req); got != "https://bot.example.cl/webhook/twilio?x=1" {
		t.Errorf("publicURL = %q", got)
	}
}
