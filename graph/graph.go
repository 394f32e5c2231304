// Package graph models infrastructure resources as an immutable-identity
// node set with explicit typed edges. Nothing is ever inferred from
// attribute references: a dependency exists only if an edge was added,
// and adding an edge that would close a cycle fails without mutating
// the graph.
package graph

// Edge is a directed, typed relation between two nodes. For every
// relation the source depends on the target: a compute unit depends on
// the table it reads and writes, a gateway depends on the compute units
// it forwards to.
type Edge struct {
	From     NodeID
	To       NodeID
	Relation Relation
}

// Graph holds nodes and edges and exclusively owns their lifetime.
// It is built once, synchronously, and then only read.
type Graph struct {
	nodes map[NodeID]*Node
	order []NodeID // node insertion order, used for deterministic iteration
	edges []Edge
	out   map[NodeID]map[Relation][]NodeID
	deps  map[NodeID]map[NodeID]struct{} // from -> set of nodes it depends on
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[NodeID]*Node),
		out:   make(map[NodeID]map[Relation][]NodeID),
		deps:  make(map[NodeID]map[NodeID]struct{}),
	}
}

// AddNode creates a node with the given kind, logical name, and
// attributes. The name becomes the node's ID. The attribute map is
// copied; the caller's map is not retained.
func (g *Graph) AddNode(kind Kind, name string, attrs map[string]string) (NodeID, error) {
	id := NodeID(name)
	if _, exists := g.nodes[id]; exists {
		return "", &DuplicateNodeError{ID: id}
	}

	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}

	g.nodes[id] = &Node{ID: id, Kind: kind, Attributes: copied}
	g.order = append(g.order, id)
	return id, nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	result := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		result = append(result, g.nodes[id])
	}
	return result
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	result := make([]Edge, len(g.edges))
	copy(result, g.edges)
	return result
}

// AddEdge adds a directed edge. It fails with a DanglingReferenceError
// when either endpoint is unknown and with a CycleError when the edge
// would close a dependency cycle; in both cases the graph is unchanged.
func (g *Graph) AddEdge(from, to NodeID, relation Relation) error {
	if _, ok := g.nodes[from]; !ok {
		return &DanglingReferenceError{From: from, To: to, Missing: from, Relation: relation}
	}
	if _, ok := g.nodes[to]; !ok {
		return &DanglingReferenceError{From: from, To: to, Missing: to, Relation: relation}
	}

	if from == to {
		return &CycleError{From: from, To: to, Path: []NodeID{from}}
	}
	if path := g.dependencyPath(to, from); path != nil {
		return &CycleError{From: from, To: to, Path: path}
	}

	g.edges = append(g.edges, Edge{From: from, To: to, Relation: relation})
	if g.out[from] == nil {
		g.out[from] = make(map[Relation][]NodeID)
	}
	g.out[from][relation] = append(g.out[from][relation], to)
	if g.deps[from] == nil {
		g.deps[from] = make(map[NodeID]struct{})
	}
	g.deps[from][to] = struct{}{}
	return nil
}

// Neighbors returns the targets of all edges with the given relation
// leaving the node, in edge insertion order.
func (g *Graph) Neighbors(id NodeID, relation Relation) []NodeID {
	rels, ok := g.out[id]
	if !ok {
		return nil
	}
	targets := rels[relation]
	result := make([]NodeID, len(targets))
	copy(result, targets)
	return result
}

// TopologicalOrder returns a valid provisioning order: every node
// appears after all nodes it depends on. Ties are broken by node
// insertion order, so the result is deterministic for a given
// construction sequence. The graph is acyclic by construction, so this
// cannot fail.
func (g *Graph) TopologicalOrder() []NodeID {
	// Count outstanding dependencies per node.
	remaining := make(map[NodeID]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.deps[id])
	}

	// Reverse adjacency: dep -> nodes waiting on it.
	dependents := make(map[NodeID][]NodeID)
	for _, id := range g.order {
		for dep := range g.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	result := make([]NodeID, 0, len(g.order))
	emitted := make(map[NodeID]bool, len(g.order))

	// Repeatedly emit the first (by insertion order) node with no
	// outstanding dependencies. Quadratic in node count, which is fine
	// at topology scale, and keeps the tiebreak rule trivially correct.
	for len(result) < len(g.order) {
		for _, id := range g.order {
			if emitted[id] || remaining[id] != 0 {
				continue
			}
			emitted[id] = true
			result = append(result, id)
			for _, waiter := range dependents[id] {
				remaining[waiter]--
			}
			break
		}
	}
	return result
}

// dependencyPath returns a dependency path from start to goal, or nil
// when goal is not reachable from start.
func (g *Graph) dependencyPath(start, goal NodeID) []NodeID {
	visited := make(map[NodeID]bool)
	var walk func(id NodeID, path []NodeID) []NodeID
	walk = func(id NodeID, path []NodeID) []NodeID {
		if id == goal {
			return append(path, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		for dep := range g.deps[id] {
			if found := walk(dep, append(path, id)); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(start, nil)
}
