package iam

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// storefront graph: 3 tables, 3 compute units, each unit wired to
// exactly one table.
func buildStorefrontGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	tables := []struct{ name, key string }{
		{"products", "productId"},
		{"orders", "orderId"},
		{"cart", "cartId"},
	}
	for _, tb := range tables {
		if _, err := g.AddNode(graph.KindTable, tb.name, map[string]string{graph.AttrPartitionKeyName: tb.key}); err != nil {
			t.Fatalf("AddNode(%s): %v", tb.name, err)
		}
		fn := tb.name + "-fn"
		if _, err := g.AddNode(graph.KindComputeUnit, fn, nil); err != nil {
			t.Fatalf("AddNode(%s): %v", fn, err)
		}
		if err := g.AddEdge(graph.NodeID(fn), graph.NodeID(tb.name), graph.RelationReadsWrites); err != nil {
			t.Fatalf("AddEdge(%s): %v", fn, err)
		}
	}
	return g
}

func TestDeriveOneGrantPerEdge(t *testing.T) {
	g := buildStorefrontGraph(t)

	grants, err := Derive(g)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(grants) != 3 {
		t.Fatalf("expected 3 grant statements, got %d", len(grants))
	}

	byPrincipal := make(map[graph.NodeID]GrantStatement)
	for _, gr := range grants {
		byPrincipal[gr.Principal] = gr
	}

	for _, table := range []string{"products", "orders", "cart"} {
		gr, ok := byPrincipal[graph.NodeID(table+"-fn")]
		if !ok {
			t.Errorf("no grant for %s-fn", table)
			continue
		}
		if gr.Resource != table {
			t.Errorf("grant for %s-fn scoped to %q, want %q", table, gr.Resource, table)
		}
	}
}

func TestDeriveActionsScopedToSingleTable(t *testing.T) {
	g := buildStorefrontGraph(t)

	grants, err := Derive(g)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	for _, gr := range grants {
		for _, want := range []string{"dynamodb:GetItem", "dynamodb:PutItem", "dynamodb:UpdateItem", "dynamodb:DeleteItem", "dynamodb:Query", "dynamodb:Scan"} {
			if !contains(gr.Actions, want) {
				t.Errorf("grant for %s missing action %s", gr.Principal, want)
			}
		}
		if len(gr.Actions) != 6 {
			t.Errorf("grant for %s has %d actions, want exactly 6", gr.Principal, len(gr.Actions))
		}
		if strings.Contains(gr.Resource, "*") {
			t.Errorf("grant for %s has wildcard resource %q", gr.Principal, gr.Resource)
		}
	}
}

func TestDeriveIdempotent(t *testing.T) {
	g := buildStorefrontGraph(t)

	first, err := Derive(g)
	if err != nil {
		t.Fatalf("first derive: %v", err)
	}
	second, err := Derive(g)
	if err != nil {
		t.Fatalf("second derive: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("derive is not idempotent:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestDeriveImageRepositoryGrant(t *testing.T) {
	g := graph.New()
	if _, err := g.AddNode(graph.KindImageRepository, "storefront-images", nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := g.AddNode(graph.KindRepository, "storefront-src", nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddEdge("storefront-src", "storefront-images", graph.RelationTriggers); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	grants, err := Derive(g)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(grants))
	}

	gr := grants[0]
	if gr.Principal != "storefront-src" {
		t.Errorf("expected principal storefront-src, got %s", gr.Principal)
	}
	if gr.Resource != "storefront-images" {
		t.Errorf("expected resource storefront-images, got %s", gr.Resource)
	}
	for _, want := range []string{"ecr:BatchGetImage", "ecr:GetDownloadUrlForLayer", "ecr:CompleteLayerUpload", "ecr:PutImage"} {
		if !contains(gr.Actions, want) {
			t.Errorf("grant missing action %s", want)
		}
	}
}

func TestDeriveUsesARNWhenRecorded(t *testing.T) {
	g := graph.New()
	arn := "arn:aws:dynamodb:us-east-1:123456789012:table/orders"
	if _, err := g.AddNode(graph.KindTable, "orders", map[string]string{graph.AttrARN: arn}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := g.AddNode(graph.KindComputeUnit, "orders-fn", nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddEdge("orders-fn", "orders", graph.RelationReadsWrites); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	grants, err := Derive(g)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if grants[0].Resource != arn {
		t.Errorf("expected ARN resource, got %q", grants[0].Resource)
	}
}

func TestDeriveRejectsNonTableTarget(t *testing.T) {
	g := graph.New()
	if _, err := g.AddNode(graph.KindComputeUnit, "orders-fn", nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := g.AddNode(graph.KindStorageBucket, "static-assets", nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddEdge("orders-fn", "static-assets", graph.RelationReadsWrites); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	_, err := Derive(g)
	if err == nil {
		t.Fatal("expected derivation error for reads_writes edge to non-table")
	}
	var de *DerivationError
	if !errors.As(err, &de) {
		t.Errorf("expected DerivationError, got %T", err)
	}
}

func contains(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
