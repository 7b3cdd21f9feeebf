package graph

import (
	"sort"

	"github.com/google/uuid"
)

// Edge is a directed connection between two nodes of one workflow.
// The graph package only needs endpoints; visual and persistence
// concerns stay in the storage layer.
type Edge struct {
	Source uuid.UUID
	Target uuid.UUID
}

// Adjacency holds both directions of a workflow graph. Every node
// appears as a key in both maps, isolated nodes included, so callers
// can range over either map without consulting the node list again.
type Adjacency struct {
	Forward map[uuid.UUID][]uuid.UUID
	Reverse map[uuid.UUID][]uuid.UUID
}

// BuildAdjacency constructs forward and reverse adjacency lists.
// The result is independent of the input ordering of nodes and edges:
// neighbor lists are sorted by ID.
func BuildAdjacency(nodes []uuid.UUID, edges []Edge) Adjacency {
	adj := Adjacency{
		Forward: make(map[uuid.UUID][]uuid.UUID, len(nodes)),
		Reverse: make(map[uuid.UUID][]uuid.UUID, len(nodes)),
	}
	for _, id := range nodes {
		adj.Forward[id] = nil
		adj.Reverse[id] = nil
	}
	for _, e := range edges {
		adj.Forward[e.Source] = append(adj.Forward[e.Source], e.Target)
		adj.Reverse[e.Target] = append(adj.Reverse[e.Target], e.Source)
	}
	for _, m := range []map[uuid.UUID][]uuid.UUID{adj.Forward, adj.Reverse} {
		for _, neighbors := range m {
			sort.Slice(neighbors, func(i, j int) bool {
				return neighbors[i].String() < neighbors[j].String()
			})
		}
	}
	return adj
}

// Sources returns nodes with no incoming edges, sorted by ID.
// An empty workflow has no sources.
func Sources(reverse map[uuid.UUID][]uuid.UUID) []uuid.UUID {
	var sources []uuid.UUID
	for id, parents := range reverse {
		if len(parents) == 0 {
			sources = append(sources, id)
		}
	}
	sortIDs(sources)
	return sources
}

// TopoSort orders the nodes using Kahn's algorithm. Ties between
// simultaneously-ready nodes break by node ID ascending, so the order
// is a pure function of the graph: two runs over the same workflow
// execute nodes in the same sequence.
func TopoSort(nodes []uuid.UUID, edges []Edge) ([]uuid.UUID, error) {
	adj := BuildAdjacency(nodes, edges)

	inDegree := make(map[uuid.UUID]int, len(nodes))
	for id, parents := range adj.Reverse {
		inDegree[id] = len(parents)
	}

	var ready []uuid.UUID
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortIDs(ready)

	order := make([]uuid.UUID, 0, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var unlocked []uuid.UUID
		for _, next := range adj.Forward[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		// Newly ready nodes merge into the sorted ready queue.
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sortIDs(ready)
		}
	}

	if len(order) < len(nodes) {
		return nil, &CycleError{Remaining: len(nodes) - len(order)}
	}
	return order, nil
}

// DetectCycle reports whether the graph contains a directed cycle,
// using DFS with an explicit recursion stack. Used where only the
// verdict matters and no ordering is needed.
func DetectCycle(nodes []uuid.UUID, edges []Edge) bool {
	adj := BuildAdjacency(nodes, edges)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[uuid.UUID]int, len(nodes))

	var visit func(id uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		state[id] = inStack
		for _, next := range adj.Forward[id] {
			switch state[next] {
			case inStack:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	for _, id := range nodes {
		if state[id] == unvisited && visit(id) {
			return true
		}
	}
	return false
}

// Reachable returns the set of nodes reachable from any of the given
// sources via BFS over the forward adjacency.
func Reachable(sources []uuid.UUID, forward map[uuid.UUID][]uuid.UUID) map[uuid.UUID]bool {
	reached := make(map[uuid.UUID]bool, len(forward))
	queue := make([]uuid.UUID, 0, len(sources))
	for _, s := range sources {
		if !reached[s] {
			reached[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range forward[current] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reached
}

// Report is the result of a successful validation: a deterministic
// execution order plus the weakly-connected components of the graph.
// Components has more than one entry only when disconnected graphs
// are allowed.
type Report struct {
	Order      []uuid.UUID
	Components [][]uuid.UUID
}

// Validate checks a workflow graph for execution. Checks run in
// order so the most specific error surfaces first:
//
//  1. at least one source exists
//  2. the graph is acyclic (TopoSort succeeds)
//  3. every node is reachable from some source
//  4. unless allowDisconnected is set, the graph forms a single
//     weakly-connected component
//
// In an acyclic graph every node is reachable from a zero-in-degree
// node, so check 3 is a guard on the validator's own contract rather
// than something workflow authors can trip.
func Validate(nodes []uuid.UUID, edges []Edge, allowDisconnected bool) (*Report, error) {
	adj := BuildAdjacency(nodes, edges)

	sources := Sources(adj.Reverse)
	if len(sources) == 0 {
		return nil, &NoSourceError{}
	}

	order, err := TopoSort(nodes, edges)
	if err != nil {
		return nil, err
	}

	reached := Reachable(sources, adj.Forward)
	var unreachable []uuid.UUID
	for _, id := range nodes {
		if !reached[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sortIDs(unreachable)
		return nil, &UnreachableNodesError{Nodes: unreachable}
	}

	components := Components(nodes, adj)
	if len(components) > 1 && !allowDisconnected {
		return nil, &DisconnectedGraphError{Count: len(components)}
	}

	return &Report{Order: order, Components: components}, nil
}

// Components partitions the nodes into weakly-connected components,
// treating every edge as bidirectional. Components are ordered by
// their smallest member ID, members sorted within each component.
func Components(nodes []uuid.UUID, adj Adjacency) [][]uuid.UUID {
	sorted := append([]uuid.UUID(nil), nodes...)
	sortIDs(sorted)

	seen := make(map[uuid.UUID]bool, len(nodes))
	var components [][]uuid.UUID

	for _, start := range sorted {
		if seen[start] {
			continue
		}
		var member []uuid.UUID
		queue := []uuid.UUID{start}
		seen[start] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			member = append(member, current)
			for _, next := range adj.Forward[current] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
			for _, prev := range adj.Reverse[current] {
				if !seen[prev] {
					seen[prev] = true
					queue = append(queue, prev)
				}
			}
		}
		sortIDs(member)
		components = append(components, member)
	}
	return components
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
