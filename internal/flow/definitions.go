package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// definitionIndex is an immutable snapshot of a loaded flow.
type definitionIndex struct {
	nodes    []models.FlowNode
	byID     map[string]int
	version  int64
	loadedAt time.Time
}

// DefinitionStore holds the active flow graph. Reloads build a new index and swap it
// in atomically; sessions keep node ids, so in-flight conversations continue against
// whatever graph is active when their next message arrives.
type DefinitionStore struct {
	path      string
	validator *schemaValidator
	current   atomic.Pointer[definitionIndex]
	reloadMu  sync.Mutex
	versions  atomic.Int64
}

// NewDefinitionStore loads the flow definition from a JSON file. It fails when the
// file is missing, malformed or structurally invalid.
func NewDefinitionStore(path string) (*DefinitionStore, error) {
	ds, err := newDefinitionStore(path)
	if err != nil {
		return nil, err
	}
	if err := ds.Reload(); err != nil {
		return nil, err
	}
	return ds, nil
}

// NewDefinitionStoreFromBytes loads a flow definition held in memory. Reload re-reads
// nothing for such stores; use ReloadBytes instead.
func NewDefinitionStoreFromBytes(raw []byte) (*DefinitionStore, error) {
	ds, err := newDefinitionStore("")
	if err != nil {
		return nil, err
	}
	if err := ds.ReloadBytes(raw); err != nil {
		return nil, err
	}
	return ds, nil
}

func newDefinitionStore(path string) (*DefinitionStore, error) {
	v, err := newSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionStore{path: path, validator: v}, nil
}

// Reload re-reads the definition file and swaps it in when valid. On failure the
// previous graph stays active.
func (ds *DefinitionStore) Reload() error {
	if ds.path == "" {
		return fmt.Errorf("%w: no definition file configured", ErrInvalidDefinition)
	}
	raw, err := os.ReadFile(ds.path)
	if err != nil {
		slog.Error("DefinitionStore.Reload: failed to read flow file", "error", err, "path", ds.path)
		return fmt.Errorf("failed to read flow definition %s: %w", ds.path, err)
	}
	return ds.ReloadBytes(raw)
}

// ReloadBytes validates raw and swaps it in when valid.
func (ds *DefinitionStore) ReloadBytes(raw []byte) error {
	ds.reloadMu.Lock()
	defer ds.reloadMu.Unlock()

	idx, err := ds.parse(raw)
	if err != nil {
		slog.Error("DefinitionStore.ReloadBytes: rejected flow definition", "error", err, "path", ds.path)
		return err
	}
	idx.version = ds.versions.Add(1)
	idx.loadedAt = time.Now()
	ds.current.Store(idx)
	slog.Info("DefinitionStore: flow definition loaded", "nodes", len(idx.nodes), "entry", idx.nodes[0].ID, "version", idx.version)
	return nil
}

func (ds *DefinitionStore) parse(raw []byte) (*definitionIndex, error) {
	if err := ds.validator.Validate(raw); err != nil {
		return nil, err
	}
	var nodes []models.FlowNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: flow has no nodes", ErrInvalidDefinition)
	}

	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node at position %d has an empty id", ErrInvalidDefinition, i)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		byID[n.ID] = i
	}

	// Dangling references and unknown kinds are tolerated at load time; the engine
	// reports them to the customer as a broken flow if they are ever reached.
	for _, n := range nodes {
		if n.Kind == models.NodeKindUnknown {
			slog.Warn("DefinitionStore: node has unrecognized type", "node_id", n.ID, "type", n.Tag)
		}
		refs := []string{n.NextID}
		for _, opt := range n.Options {
			refs = append(refs, opt.NextID)
		}
		for _, ref := range refs {
			if ref == "" {
				continue
			}
			if _, ok := byID[ref]; !ok {
				slog.Warn("DefinitionStore: dangling node reference", "node_id", n.ID, "next_id", ref)
			}
		}
		if n.Kind == models.NodeKindChoice && len(n.Options) == 0 {
			slog.Warn("DefinitionStore: choice node has no options", "node_id", n.ID)
		}
	}
	return &definitionIndex{nodes: nodes, byID: byID}, nil
}

func (ds *DefinitionStore) snapshot() *definitionIndex {
	return ds.current.Load()
}

// Get returns the node with the given id.
func (ds *DefinitionStore) Get(id string) (models.FlowNode, error) {
	idx := ds.snapshot()
	if idx == nil {
		return models.FlowNode{}, ErrNodeNotFound
	}
	i, ok := idx.byID[id]
	if !ok {
		return models.FlowNode{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return idx.nodes[i], nil
}

// FirstID returns the entry node id, or "" when nothing is loaded.
func (ds *DefinitionStore) FirstID() string {
	idx := ds.snapshot()
	if idx == nil || len(idx.nodes) == 0 {
		return ""
	}
	return idx.nodes[0].ID
}

// Len returns the number of nodes in the active graph.
func (ds *DefinitionStore) Len() int {
	idx := ds.snapshot()
	if idx == nil {
		return 0
	}
	return len(idx.nodes)
}

// Nodes returns a copy of the active graph in declaration order.
func (ds *DefinitionStore) Nodes() []models.FlowNode {
	idx := ds.snapshot()
	if idx == nil {
		return nil
	}
	out := make([]models.FlowNode, len(idx.nodes))
	copy(out, idx.nodes)
	return out
}

// Summary describes the active graph for the admin API.
type Summary struct {
	Path     string    `json:"path,omitempty"`
	Version  int64     `json:"version"`
	Nodes    int       `json:"nodes"`
	EntryID  string    `json:"entry_id"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Summary reports what is currently loaded.
func (ds *DefinitionStore) Summary() Summary {
	idx := ds.snapshot()
	if idx == nil {
		return Summary{Path: ds.path}
	}
	return Summary{Path: ds.path, Version: idx.version, Nodes: len(idx.nodes), EntryID: idx.nodes[0].ID, LoadedAt: idx.loadedAt}
}
