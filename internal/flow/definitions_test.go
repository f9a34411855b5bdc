package flow

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const sampleFlow = `[
  {"id": 1, "type": "mensaje", "content": "Bienvenido", "nextId": 2},
  {"id": "2", "type": "pregunta", "content": "¿Cómo te llamas?", "variableName": "nombre", "nextId": 3},
  {"id": 3, "type": "mensaje", "content": "Gracias {nombre}", "nextId": null}
]`

func TestNewDefinitionStoreFromBytes(t *testing.T) {
	ds, err := NewDefinitionStoreFromBytes([]byte(sampleFlow))
	if err != nil {
		t.Fatalf("NewDefinitionStoreFromBytes: %v", err)
	}
	if ds.FirstID() != "1" {
		t.Errorf("FirstID = %q, want 1", ds.FirstID())
	}
	if ds.Len() != 3 {
		t.Errorf("Len = %d, want 3", ds.Len())
	}
	node, err := ds.Get("2")
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if node.VariableName != "nombre" || node.NextID != "3" {
		t.Errorf("unexpected node 2: %+v", node)
	}
	last, _ := ds.Get("3")
	if last.HasNext() {
		t.Error("node 3 should end the flow")
	}
	if _, err := ds.Get("99"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Get(99) error = %v, want ErrNodeNotFound", err)
	}
}

func TestDefinitionStoreRejectsInvalidSources(t *testing.T) {
	tests := map[string]string{
		"malformed json":  `[{"id": 1,`,
		"empty array":     `[]`,
		"not an array":    `{"id": 1, "type": "mensaje"}`,
		"missing type":    `[{"id": 1, "content": "x"}]`,
		"object id":       `[{"id": {"x": 1}, "type": "mensaje"}]`,
		"duplicate ids":   `[{"id": 1, "type": "mensaje"}, {"id": "1", "type": "mensaje"}]`,
		"option w/o text": `[{"id": 1, "type": "condicional", "options": [{"nextId": 2}]}]`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewDefinitionStoreFromBytes([]byte(raw)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestDefinitionStoreToleratesDanglingRefsAndUnknownKinds(t *testing.T) {
	raw := `[
	  {"id": 1, "type": "mensaje", "content": "a", "nextId": 42},
	  {"id": 2, "type": "imagen", "content": "b"}
	]`
	ds, err := NewDefinitionStoreFromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("load should succeed: %v", err)
	}
	node, _ := ds.Get("2")
	if node.Tag != "imagen" {
		t.Errorf("Tag = %q, want imagen", node.Tag)
	}
}

func TestDefinitionStoreReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.json")
	if err := os.WriteFile(path, []byte(sampleFlow), 0o644); err != nil {
		t.Fatal(err)
	}
	ds, err := NewDefinitionStore(path)
	if err != nil {
		t.Fatalf("NewDefinitionStore: %v", err)
	}
	before := ds.Summary()

	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ds.Reload(); err == nil {
		t.Fatal("Reload should reject malformed source")
	}
	if got := ds.Summary(); got.Version != before.Version || got.Nodes != 3 {
		t.Errorf("failed reload replaced the graph: %+v", got)
	}

	if err := os.WriteFile(path, []byte(`[{"id": "inicio", "type": "mensaje", "content": "x"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ds.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	after := ds.Summary()
	if after.Version <= before.Version || after.EntryID != "inicio" || after.Path != path {
		t.Errorf("unexpected summary after reload: %+v", after)
	}
}

func TestNewDefinitionStoreMissingFile(t *testing.T) {
	if _, err := NewDefinitionStore(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefinitionStoreConcurrentReload(t *testing.T) {
	ds, err := NewDefinitionStoreFromBytes([]byte(sampleFlow))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := ds.ReloadBytes([]byte(sampleFlow)); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := ds.Get(ds.FirstID()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if v := ds.Summary().Version; v != 9 {
		t.Errorf("Version = %d, want 9", v)
	}
}
