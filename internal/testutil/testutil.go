// Package testutil provides shared fixtures and assertions for QuotePipe tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/store"
)

// Customer is the session key used by fixtures.
const Customer = "56912345678"

// IntakeFlow is a three-node flow: a greeting, one question and a closing message.
const IntakeFlow = `[
  {"id": 1, "type": "mensaje", "content": "Bienvenido a Smart Plagas", "nextId": 2},
  {"id": 2, "type": "pregunta", "content": "¿Cómo te llamas?", "variableName": "nombre", "nextId": 3},
  {"id": 3, "type": "mensaje", "content": "Gracias {nombre}, te enviaremos tu cotización"}
]`

// QuoteFlow captures everything the quote pipeline needs.
const QuoteFlow = `[
  {"id": "servicio", "type": "condicional", "content": "¿Qué servicio necesitas?", "options": [
    {"text": "Control de plagas", "value": "plagas", "saveAs": "servicio", "nextId": "tamano"},
    {"text": "Mantención de piscinas", "value": "piscinas", "saveAs": "servicio", "nextId": "tamano"}
  ]},
  {"id": "tamano", "type": "pregunta", "content": "¿Cuántos m2?", "variableName": "tamano", "nextId": "nombre"},
  {"id": "nombre", "type": "pregunta", "content": "¿Nombre?", "variableName": "nombre", "nextId": "fin"},
  {"id": "fin", "type": "mensaje", "content": "Gracias {nombre}"}
]`

// Engine is a flow engine over an in-memory store with deduplication enabled.
type Engine struct {
	*flow.Engine
	Store *store.MemoryStore
}

// NewEngine loads flowJSON and builds an engine around a fresh MemoryStore.
func NewEngine(t testing.TB, flowJSON string, opts ...flow.Option) Engine {
	t.Helper()
	defs, err := flow.NewDefinitionStoreFromBytes([]byte(flowJSON))
	if err != nil {
		t.Fatalf("failed to load flow: %v", err)
	}
	mem := store.NewMemoryStore()
	all := append([]flow.Option{flow.WithDedupGuard(flow.NewDedupGuard(mem, nil, time.Minute))}, opts...)
	return Engine{
		Engine: flow.NewEngine(defs, flow.NewSessionManager(mem, nil, time.Hour), all...),
		Store:  mem,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertAPIStatus decodes an APIResponse envelope, checks its status and decodes
// its result into result when non-nil.
func AssertAPIStatus(t testing.TB, rr *httptest.ResponseRecorder, expected models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		models.APIResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if envelope.Status != string(expected) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expected, envelope.Status, envelope.Message)
	}
	if result != nil && len(envelope.Result) > 0 {
		MustUnmarshalJSON(t, envelope.Result, result)
	}
	return envelope.APIResponse
}

// AssertSegments fails unless the turn produced exactly want, in order.
func AssertSegments(t testing.TB, res flow.TurnResult, want ...string) {
	t.Helper()
	if len(res.Segments) != len(want) {
		t.Fatalf("segments = %q, want %q", res.Segments, want)
	}
	for i := range want {
		if res.Segments[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, res.Segments[i], want[i])
		}
	}
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
