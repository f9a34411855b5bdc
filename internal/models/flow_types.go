// Package models defines flow graph types to avoid circular imports.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NodeKind is the closed set of node behaviours understood by the flow engine.
type NodeKind string

// Node kind constants. Any tag outside the known set decodes to NodeKindUnknown.
const (
	NodeKindMessage  NodeKind = "message"
	NodeKindQuestion NodeKind = "question"
	NodeKindChoice   NodeKind = "choice"
	NodeKindUnknown  NodeKind = "unknown"
)

// ParseNodeKind maps a definition type tag to a NodeKind. Both the Spanish tags used by
// the original flow files and their English equivalents are accepted.
func ParseNodeKind(tag string) NodeKind {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "mensaje", "message":
		return NodeKindMessage
	case "pregunta", "question":
		return NodeKindQuestion
	case "condicional", "choice":
		return NodeKindChoice
	default:
		return NodeKindUnknown
	}
}

// FlowOption is one selectable branch of a Choice node. Its position in the
// node's option list defines the 1-based ordinal a customer may type.
type FlowOption struct {
	Text   string `json:"text"`
	SaveAs string `json:"saveAs,omitempty"`
	Value  string `json:"value,omitempty"` // canonical value stored instead of Text when set
	NextID string `json:"nextId,omitempty"`
}

// StoredValue returns the value captured under SaveAs when this option is selected.
func (o FlowOption) StoredValue() string {
	if o.Value != "" {
		return o.Value
	}
	return o.Text
}

// UnmarshalJSON accepts numeric or string node references.
func (o *FlowOption) UnmarshalJSON(data []byte) error {
	var aux struct {
		Text   string          `json:"text"`
		SaveAs string          `json:"saveAs"`
		Value  string          `json:"value"`
		NextID json.RawMessage `json:"nextId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	next, err := CanonicalNodeID(aux.NextID)
	if err != nil {
		return fmt.Errorf("option %q: invalid nextId: %w", aux.Text, err)
	}
	*o = FlowOption{Text: aux.Text, SaveAs: aux.SaveAs, Value: aux.Value, NextID: next}
	return nil
}

// FlowNode is one vertex of the conversation graph.
type FlowNode struct {
	ID           string
	Kind         NodeKind
	Tag          string // type tag as written in the definition source
	Content      string
	NextID       string // empty means end of flow (Message and Question only)
	VariableName string // Question only; empty discards the reply
	Options      []FlowOption
}

// HasNext reports whether the node continues to another node.
func (n *FlowNode) HasNext() bool {
	return n.NextID != ""
}

type flowNodeJSON struct {
	ID           json.RawMessage `json:"id"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	NextID       json.RawMessage `json:"nextId,omitempty"`
	VariableName string          `json:"variableName,omitempty"`
	Options      []FlowOption    `json:"options,omitempty"`
}

// UnmarshalJSON decodes a node from the definition format, canonicalizing ids to strings.
func (n *FlowNode) UnmarshalJSON(data []byte) error {
	var aux flowNodeJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := CanonicalNodeID(aux.ID)
	if err != nil {
		return fmt.Errorf("invalid node id: %w", err)
	}
	next, err := CanonicalNodeID(aux.NextID)
	if err != nil {
		return fmt.Errorf("node %s: invalid nextId: %w", id, err)
	}
	*n = FlowNode{
		ID:           id,
		Kind:         ParseNodeKind(aux.Type),
		Tag:          aux.Type,
		Content:      aux.Content,
		NextID:       next,
		VariableName: aux.VariableName,
		Options:      aux.Options,
	}
	return nil
}

// MarshalJSON encodes the node back into the definition format.
func (n FlowNode) MarshalJSON() ([]byte, error) {
	tag := n.Tag
	if tag == "" {
		tag = string(n.Kind)
	}
	id, _ := json.Marshal(n.ID)
	aux := flowNodeJSON{
		ID:           id,
		Type:         tag,
		Content:      n.Content,
		VariableName: n.VariableName,
		Options:      n.Options,
	}
	if n.NextID != "" {
		aux.NextID, _ = json.Marshal(n.NextID)
	}
	return json.Marshal(aux)
}

// CanonicalNodeID converts a raw JSON node reference (string, integer or null) to
// its canonical string form. Null and absent references yield the empty string.
func CanonicalNodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", fmt.Errorf("node reference must be a string or number, got %s", string(raw))
	}
	if i, err := num.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := num.Float64()
	if err != nil {
		return "", err
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return num.String(), nil
}
