// Package models defines the core data structures for QuotePipe.
//
// It includes the inbound/outbound message types, receipts, completed leads and
// the JSON envelopes returned by the HTTP API. These types are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound messages
const (
	// MaxInboundBodyLength caps the amount of free text accepted from a single inbound message
	MaxInboundBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySender     = errors.New("sender cannot be empty")
	ErrInboundTooLong  = errors.New("inbound body exceeds maximum length")
	ErrEmptyMediaURL   = errors.New("media requires either a URL or inline data")
	ErrEmptyLeadSender = errors.New("lead session key cannot be empty")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a customer.
//
// From is the channel address (phone number or JID user), AccountID the stable
// channel-assigned identity when the provider supplies one (Twilio WaId), and
// MessageID the provider message identifier used for deduplication.
type Response struct {
	From        string `json:"from"`
	AccountID   string `json:"account_id,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
	Body        string `json:"body"`
	MessageID   string `json:"message_id,omitempty"`
	Time        int64  `json:"time"`
}

// Validate checks the inbound message before it reaches the flow engine.
func (r *Response) Validate() error {
	if r.From == "" && r.AccountID == "" {
		return ErrEmptySender
	}
	if len(r.Body) > MaxInboundBodyLength {
		return ErrInboundTooLong
	}
	return nil
}

// Media describes a document attached to an outbound message. Providers that
// fetch media themselves (Twilio) use URL; providers that upload (whatsmeow) use Data.
type Media struct {
	URL         string `json:"url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// Validate ensures the media can be delivered by at least one provider.
func (m Media) Validate() error {
	if m.URL == "" && len(m.Data) == 0 {
		return ErrEmptyMediaURL
	}
	return nil
}

// LeadStatus tracks how far the quote pipeline got for a completed intake.
type LeadStatus string

const (
	// LeadStatusQuoted indicates a price was computed and the document delivered.
	LeadStatusQuoted LeadStatus = "quoted"
	// LeadStatusManual indicates no automatic price applies and staff must follow up.
	LeadStatusManual LeadStatus = "manual"
	// LeadStatusFailed indicates the pipeline could not deliver the quote.
	LeadStatusFailed LeadStatus = "failed"
)

// Lead is the record persisted when a customer finishes the intake flow.
type Lead struct {
	ID          string            `json:"id"`
	SessionKey  string            `json:"session_key"`
	Recipient   string            `json:"recipient"`
	ProfileName string            `json:"profile_name,omitempty"`
	Service     string            `json:"service,omitempty"`
	Size        string            `json:"size,omitempty"`
	Total       int64             `json:"total,omitempty"`
	DocumentURL string            `json:"document_url,omitempty"`
	Status      LeadStatus        `json:"status"`
	Data        map[string]string `json:"data"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Validate checks a lead before persistence.
func (l *Lead) Validate() error {
	if l.SessionKey == "" {
		return ErrEmptyLeadSender
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
