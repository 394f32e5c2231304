// Package iam derives the minimal grant set for a resource graph.
// Grants are never hand-declared: every statement follows from an edge,
// so a compute unit can reach exactly the tables it declares a
// reads_writes edge to, and nothing else.
package iam

import (
	"fmt"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// tableActions are the data-plane actions granted to a compute unit for
// each table it declares a reads_writes edge to. Never broader than the
// single table the edge names.
var tableActions = []string{
	"dynamodb:GetItem",
	"dynamodb:PutItem",
	"dynamodb:UpdateItem",
	"dynamodb:DeleteItem",
	"dynamodb:Query",
	"dynamodb:Scan",
}

// imageRepositoryActions are granted to the build identity for each
// image repository it pushes to: pull, push, layer upload completion,
// layer download URLs, and batch image reads.
var imageRepositoryActions = []string{
	"ecr:BatchGetImage",
	"ecr:GetDownloadUrlForLayer",
	"ecr:BatchCheckLayerAvailability",
	"ecr:InitiateLayerUpload",
	"ecr:UploadLayerPart",
	"ecr:CompleteLayerUpload",
	"ecr:PutImage",
}

// GrantStatement grants a principal's execution identity a fixed action
// list scoped to a single resource.
type GrantStatement struct {
	Principal graph.NodeID
	Actions   []string
	Resource  string
}

// DerivationError reports an internal-consistency fault: an edge shape
// that graph construction should have made impossible. It is not an
// operator-recoverable condition.
type DerivationError struct {
	Edge graph.Edge
	Msg  string
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("grant derivation: edge %s -[%s]-> %s: %s", e.Edge.From, e.Edge.Relation, e.Edge.To, e.Msg)
}

// Derive walks the graph's reads_writes and triggers edges and emits
// the minimal grant set. It holds no state: running it twice on the
// same graph yields an identical statement list, in edge insertion
// order, with no accumulation and no duplicates.
func Derive(g *graph.Graph) ([]GrantStatement, error) {
	var grants []GrantStatement

	for _, e := range g.Edges() {
		switch e.Relation {
		case graph.RelationReadsWrites:
			target, ok := g.Node(e.To)
			if !ok {
				return nil, &DerivationError{Edge: e, Msg: "target node missing from validated graph"}
			}
			if target.Kind != graph.KindTable {
				return nil, &DerivationError{Edge: e, Msg: fmt.Sprintf("reads_writes target is %s, want %s", target.Kind, graph.KindTable)}
			}
			grants = append(grants, GrantStatement{
				Principal: e.From,
				Actions:   tableActions,
				Resource:  resourceIdentifier(target),
			})

		case graph.RelationTriggers:
			target, ok := g.Node(e.To)
			if !ok {
				return nil, &DerivationError{Edge: e, Msg: "target node missing from validated graph"}
			}
			if target.Kind != graph.KindImageRepository {
				// Only pushes to an image repository carry a grant;
				// other trigger targets need no identity access.
				continue
			}
			grants = append(grants, GrantStatement{
				Principal: e.From,
				Actions:   imageRepositoryActions,
				Resource:  resourceIdentifier(target),
			})
		}
	}

	return grants, nil
}

// resourceIdentifier returns the identifier a grant is scoped to: the
// node's ARN attribute when provisioning recorded one, otherwise the
// node's logical ID.
func resourceIdentifier(n *graph.Node) string {
	if arn := n.Attr(graph.AttrARN); arn != "" {
		return arn
	}
	return string(n.ID)
}
