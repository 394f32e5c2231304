package graph

import (
	"reflect"
	"testing"
)

func buildThreeTier(t *testing.T) *Graph {
	t.Helper()
	g := New()

	mustAddNode(t, g, KindTable, "products", map[string]string{AttrPartitionKeyName: "productId", AttrPartitionKeyType: "S"})
	mustAddNode(t, g, KindComputeUnit, "products-fn", nil)
	mustAddNode(t, g, KindGateway, "storefront-api", nil)
	mustAddNode(t, g, KindStorageBucket, "static-assets", nil)
	mustAddNode(t, g, KindDistribution, "storefront-cdn", nil)

	mustAddEdge(t, g, "products-fn", "products", RelationReadsWrites)
	mustAddEdge(t, g, "storefront-api", "products-fn", RelationServesTrafficTo)
	mustAddEdge(t, g, "storefront-cdn", "storefront-api", RelationServesTrafficTo)
	mustAddEdge(t, g, "storefront-cdn", "static-assets", RelationServesTrafficTo)

	return g
}

func mustAddNode(t *testing.T, g *Graph, kind Kind, name string, attrs map[string]string) NodeID {
	t.Helper()
	id, err := g.AddNode(kind, name, attrs)
	if err != nil {
		t.Fatalf("AddNode(%s): %v", name, err)
	}
	return id
}

func mustAddEdge(t *testing.T, g *Graph, from, to NodeID, rel Relation) {
	t.Helper()
	if err := g.AddEdge(from, to, rel); err != nil {
		t.Fatalf("AddEdge(%s -> %s): %v", from, to, err)
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	g := New()
	if _, err := g.AddNode(KindTable, "orders", nil); err != nil {
		t.Fatalf("first AddNode: %v", err)
	}

	_, err := g.AddNode(KindTable, "orders", nil)
	if err == nil {
		t.Fatal("expected error for duplicate node")
	}
	if _, ok := AsConstructionError(err); !ok {
		t.Errorf("expected construction error, got %T", err)
	}
}

func TestAddEdgeDanglingReference(t *testing.T) {
	g := New()
	mustAddNode(t, g, KindComputeUnit, "orders-fn", nil)

	err := g.AddEdge("orders-fn", "orders", RelationReadsWrites)
	if err == nil {
		t.Fatal("expected error for unknown target node")
	}

	var dangling *DanglingReferenceError
	ce, ok := AsConstructionError(err)
	if !ok {
		t.Fatalf("expected construction error, got %T", err)
	}
	dangling, ok = ce.(*DanglingReferenceError)
	if !ok {
		t.Fatalf("expected DanglingReferenceError, got %T", ce)
	}
	if dangling.Missing != "orders" {
		t.Errorf("expected missing node 'orders', got %q", dangling.Missing)
	}

	if len(g.Edges()) != 0 {
		t.Errorf("graph should be unchanged after failed AddEdge, got %d edges", len(g.Edges()))
	}
}

func TestAddEdgeCycle(t *testing.T) {
	g := buildThreeTier(t)

	// products-fn transitively supports storefront-cdn; closing the loop
	// must fail and leave the graph untouched.
	before := len(g.Edges())
	err := g.AddEdge("products-fn", "storefront-cdn", RelationReadsWrites)
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycle *CycleError
	ce, ok := AsConstructionError(err)
	if !ok {
		t.Fatalf("expected construction error, got %T", err)
	}
	if cycle, ok = ce.(*CycleError); !ok {
		t.Fatalf("expected CycleError, got %T", ce)
	}
	if cycle.From != "products-fn" || cycle.To != "storefront-cdn" {
		t.Errorf("unexpected cycle endpoints: %s -> %s", cycle.From, cycle.To)
	}

	if len(g.Edges()) != before {
		t.Errorf("graph changed by failed AddEdge: %d -> %d edges", before, len(g.Edges()))
	}
}

func TestAddEdgeSelfReference(t *testing.T) {
	g := New()
	mustAddNode(t, g, KindComputeUnit, "cart-fn", nil)

	if err := g.AddEdge("cart-fn", "cart-fn", RelationReadsWrites); err == nil {
		t.Fatal("expected cycle error for self reference")
	}
}

func TestTopologicalOrderDependenciesFirst(t *testing.T) {
	g := buildThreeTier(t)

	order := g.TopologicalOrder()
	if len(order) != 5 {
		t.Fatalf("expected 5 nodes in order, got %d", len(order))
	}

	pos := make(map[NodeID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	for _, e := range g.Edges() {
		if pos[e.From] < pos[e.To] {
			t.Errorf("node %s ordered before its dependency %s", e.From, e.To)
		}
	}
}

func TestTopologicalOrderInsertionTiebreak(t *testing.T) {
	g := New()
	mustAddNode(t, g, KindTable, "b", nil)
	mustAddNode(t, g, KindTable, "a", nil)
	mustAddNode(t, g, KindTable, "c", nil)

	// No edges: order must follow insertion, not lexical, order.
	want := []NodeID{"b", "a", "c"}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected insertion order %v, got %v", want, got)
	}
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	g := buildThreeTier(t)

	first := g.TopologicalOrder()
	for i := 0; i < 10; i++ {
		if got := g.TopologicalOrder(); !reflect.DeepEqual(got, first) {
			t.Fatalf("order changed between runs: %v vs %v", first, got)
		}
	}
}

func TestNeighbors(t *testing.T) {
	g := buildThreeTier(t)

	got := g.Neighbors("storefront-cdn", RelationServesTrafficTo)
	want := []NodeID{"storefront-api", "static-assets"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected neighbors %v, got %v", want, got)
	}

	if n := g.Neighbors("storefront-cdn", RelationReadsWrites); len(n) != 0 {
		t.Errorf("expected no reads_writes neighbors, got %v", n)
	}
	if n := g.Neighbors("unknown", RelationReadsWrites); len(n) != 0 {
		t.Errorf("expected no neighbors for unknown node, got %v", n)
	}
}

func TestNodeAttributesCopied(t *testing.T) {
	g := New()
	attrs := map[string]string{AttrPartitionKeyName: "cartId"}
	id := mustAddNode(t, g, KindTable, "cart", attrs)

	attrs[AttrPartitionKeyName] = "mutated"

	n, ok := g.Node(id)
	if !ok {
		t.Fatal("node not found")
	}
	if got := n.Attr(AttrPartitionKeyName); got != "cartId" {
		t.Errorf("attributes not copied: got %q", got)
	}
}
