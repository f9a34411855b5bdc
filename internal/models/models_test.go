package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestReceiptJSONTags(t *testing.T) {
	r := Receipt{To: "+123", Status: "sent", Time: 123456}
	if r.To != "+123" || r.Status != "sent" || r.Time != 123456 {
		t.Error("Receipt struct fields not set correctly")
	}
}

func TestResponseValidate(t *testing.T) {
	if err := (&Response{Body: "hola"}).Validate(); err != ErrEmptySender {
		t.Errorf("expected ErrEmptySender, got %v", err)
	}
	if err := (&Response{AccountID: "56911112222", Body: "hola"}).Validate(); err != nil {
		t.Errorf("account id alone should be a valid sender: %v", err)
	}
}

func TestFlowNodeDecodeCanonicalizesIDs(t *testing.T) {
	raw := `[
		{"id": 1, "type": "mensaje", "content": "Hola", "nextId": "2"},
		{"id": "2", "type": "pregunta", "content": "Nombre?", "variableName": "nombre", "nextId": 3.0},
		{"id": 3, "type": "condicional", "content": "Color?", "options": [
			{"text": "Rojo", "saveAs": "color", "nextId": 4},
			{"text": "Azul", "saveAs": "color", "value": "blue", "nextId": null}
		]},
		{"id": 4, "type": "boton", "content": "?"}
	]`
	var nodes []FlowNode
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if nodes[0].ID != "1" || nodes[0].NextID != "2" || nodes[0].Kind != NodeKindMessage {
		t.Errorf("unexpected message node: %+v", nodes[0])
	}
	if nodes[1].NextID != "3" || nodes[1].Kind != NodeKindQuestion {
		t.Errorf("unexpected question node: %+v", nodes[1])
	}
	if nodes[2].Options[0].NextID != "4" || nodes[2].Options[1].NextID != "" {
		t.Errorf("unexpected option references: %+v", nodes[2].Options)
	}
	if nodes[2].Options[1].StoredValue() != "blue" || nodes[2].Options[0].StoredValue() != "Rojo" {
		t.Error("StoredValue should prefer the canonical value")
	}
	if nodes[3].Kind != NodeKindUnknown || nodes[3].Tag != "boton" {
		t.Errorf("unrecognized tag should decode to unknown kind, got %+v", nodes[3])
	}
}

func TestFlowNodeRejectsObjectID(t *testing.T) {
	var n FlowNode
	if err := json.Unmarshal([]byte(`{"id": {"x": 1}, "type": "mensaje"}`), &n); err == nil {
		t.Error("expected error for object id")
	}
}

func TestDataBagPreservesInsertionOrder(t *testing.T) {
	var b DataBag
	b.Set("zeta", "1")
	b.Set("alfa", "2")
	b.Set("zeta", "3")
	if got := b.Keys(); !reflect.DeepEqual(got, []string{"zeta", "alfa"}) {
		t.Errorf("unexpected key order %v", got)
	}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"zeta":"3","alfa":"2"}` {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Date(2025, 8, 17, 10, 0, 0, 0, time.UTC)
	s := NewSession("56911112222", "10", now)
	s.Data = NewDataBag("servicio", "Control de plagas", "nombre", "Ana")
	s.Pending = Pending{Mode: PendingAwaitingChoice, NodeID: "10"}
	s.LastMessageID = "SM123"

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Session
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(*s, back) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, *s)
	}
	again, _ := json.Marshal(back)
	if string(again) != string(data) {
		t.Errorf("re-encoding differs:\n%s\n%s", again, data)
	}
}
