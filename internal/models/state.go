// Package models defines conversation session structures for QuotePipe flows.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PendingMode tags what kind of input a session is waiting for.
type PendingMode string

// Pending mode constants.
const (
	PendingNone           PendingMode = "none"
	PendingAwaitingAnswer PendingMode = "awaiting_answer"
	PendingAwaitingChoice PendingMode = "awaiting_choice"
)

// Pending records how the next inbound message must be interpreted. Answers carry a
// snapshot of the question's variable and successor; choices reference the node id.
type Pending struct {
	Mode         PendingMode `json:"mode"`
	VariableName string      `json:"variable_name,omitempty"`
	NextID       string      `json:"next_id,omitempty"`
	NodeID       string      `json:"node_id,omitempty"`
}

// Session is one customer's conversation state.
type Session struct {
	Key           string    `json:"key"`
	CurrentNodeID string    `json:"current_node_id,omitempty"`
	Data          DataBag   `json:"data"`
	Pending       Pending   `json:"pending"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSession creates an empty session positioned at the given entry node.
func NewSession(key, entryID string, now time.Time) *Session {
	return &Session{
		Key:           key,
		CurrentNodeID: entryID,
		Pending:       Pending{Mode: PendingNone},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Active reports whether the session still points at a node.
func (s *Session) Active() bool {
	return s != nil && s.CurrentNodeID != ""
}

// DataBag is an insertion-ordered string map holding captured variables.
// The zero value is ready to use.
type DataBag struct {
	keys   []string
	values map[string]string
}

// NewDataBag builds a bag from alternating key/value pairs.
func NewDataBag(pairs ...string) DataBag {
	var b DataBag
	for i := 0; i+1 < len(pairs); i += 2 {
		b.Set(pairs[i], pairs[i+1])
	}
	return b
}

// Set stores value under key. Overwriting keeps the key's original position.
func (b *DataBag) Set(key, value string) {
	if b.values == nil {
		b.values = make(map[string]string)
	}
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
}

// Get returns the value stored under key.
func (b *DataBag) Get(key string) (string, bool) {
	if b == nil || b.values == nil {
		return "", false
	}
	v, ok := b.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (b *DataBag) Keys() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Len returns the number of captured variables.
func (b *DataBag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Map returns an unordered copy of the bag.
func (b *DataBag) Map() map[string]string {
	out := make(map[string]string, b.Len())
	if b == nil {
		return out
	}
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy.
func (b *DataBag) Clone() DataBag {
	var c DataBag
	if b == nil {
		return c
	}
	for _, k := range b.keys {
		c.Set(k, b.values[k])
	}
	return c
}

// MarshalJSON encodes the bag as a JSON object with keys in insertion order.
func (b DataBag) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(b.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving the order keys appear in.
func (b *DataBag) UnmarshalJSON(data []byte) error {
	*b = DataBag{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("data bag must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("data bag key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("data bag value for %q: %w", key, err)
		}
		b.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
