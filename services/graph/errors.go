package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidGraph is the common sentinel for every structural
// validation failure. Callers that don't care which rule broke can
// test with errors.Is(err, graph.ErrInvalidGraph).
var ErrInvalidGraph = errors.New("invalid workflow graph")

// CycleError reports that a topological order does not exist.
// Remaining is the number of nodes left unordered when Kahn's
// algorithm stalled; each of them sits on or behind a cycle.
type CycleError struct {
	Remaining int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow graph contains a cycle (%d nodes unorderable)", e.Remaining)
}

func (e *CycleError) Is(target error) bool { return target == ErrInvalidGraph }

// NoSourceError reports that no node has zero incoming edges, so
// execution has nowhere to start.
type NoSourceError struct{}

func (e *NoSourceError) Error() string {
	return "workflow graph has no source node"
}

func (e *NoSourceError) Is(target error) bool { return target == ErrInvalidGraph }

// UnreachableNodesError enumerates nodes that no source can reach.
type UnreachableNodesError struct {
	Nodes []uuid.UUID
}

func (e *UnreachableNodesError) Error() string {
	ids := make([]string, len(e.Nodes))
	for i, id := range e.Nodes {
		ids[i] = id.String()
	}
	return fmt.Sprintf("workflow graph has unreachable nodes: %s", strings.Join(ids, ", "))
}

func (e *UnreachableNodesError) Is(target error) bool { return target == ErrInvalidGraph }

// DisconnectedGraphError reports that the graph splits into more
// than one weakly-connected component and disconnected graphs are
// not allowed.
type DisconnectedGraphError struct {
	Count int
}

func (e *DisconnectedGraphError) Error() string {
	return fmt.Sprintf("workflow graph is disconnected (%d components)", e.Count)
}

func (e *DisconnectedGraphError) Is(target error) bool { return target == ErrInvalidGraph }
