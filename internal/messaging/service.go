package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/util"
)

// Constants shared by the provider services.
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message may wait for room in the responses channel
	DefaultChannelTimeout = 1 * time.Second
	// MinRecipientDigits is the shortest phone number accepted as a recipient
	MinRecipientDigits = 6
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrEmptyRecipient is returned when a recipient is blank.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends a document with an optional caption.
	SendMedia(ctx context.Context, to string, body string, media models.Media) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound customer messages.
	Responses() <-chan models.Response
}

// canonicalPhone strips everything but digits from a WhatsApp address such as
// "whatsapp:+56 9 1234 5678" and rejects numbers that are too short.
func canonicalPhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := util.DigitsOnly(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// emitter owns a service's event channels. Receipt emits never block; response
// emits wait at most DefaultChannelTimeout. Both are no-ops after close.
type emitter struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	once      sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newEmitter(name string) *emitter {
	return &emitter{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

func (e *emitter) stopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *emitter) receipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.receipts <- r:
	default:
		slog.Debug(e.name+" receipts channel full, dropping receipt", "to", r.To, "status", r.Status)
	}
}

// response reports whether the message was queued.
func (e *emitter) response(r models.Response) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		slog.Warn(e.name+" dropping inbound message (service stopped)", "from", r.From)
		return false
	}
	select {
	case e.responses <- r:
		slog.Debug(e.name+" emitted inbound message", "from", r.From, "message_id", r.MessageID)
		return true
	case <-e.done:
		return false
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+" responses channel blocked, dropping message", "from", r.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close releases blocked emitters, then closes both channels.
func (e *emitter) close() {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.receipts)
		close(e.responses)
		e.mu.Unlock()
	})
}
