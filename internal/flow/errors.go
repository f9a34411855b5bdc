package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors for the flow engine.
var (
	// ErrFlowIntegrity marks a broken graph: dangling references, missing entry node,
	// unrecognized node kinds or auto-advance cycles.
	ErrFlowIntegrity = errors.New("flow integrity error")
	// ErrPersistenceUnavailable marks a session store failure with no fallback.
	ErrPersistenceUnavailable = errors.New("session persistence unavailable")
	// ErrInvalidDefinition is returned when a definition source fails validation.
	ErrInvalidDefinition = errors.New("invalid flow definition")
	// ErrNodeNotFound is returned by DefinitionStore.Get for unknown ids.
	ErrNodeNotFound = errors.New("flow node not found")
)

// IntegrityError describes why the graph could not be traversed.
type IntegrityError struct {
	NodeID string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("flow integrity error: %s", e.Reason)
	}
	return fmt.Sprintf("flow integrity error at node %s: %s", e.NodeID, e.Reason)
}

// Unwrap lets errors.Is match ErrFlowIntegrity.
func (e *IntegrityError) Unwrap() error {
	return ErrFlowIntegrity
}

func integrityErrorf(nodeID, format string, args ...interface{}) error {
	return &IntegrityError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}
