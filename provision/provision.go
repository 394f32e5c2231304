// Package provision creates the concrete infrastructure behind a
// resource graph. Nodes are applied in dependency order so that every
// resource exists before anything that points at it. Appliers are
// idempotent: re-running provisioning against existing infrastructure
// reports unchanged resources instead of failing or duplicating them.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// Result describes what happened to a single node.
type Result struct {
	Created  bool
	ARN      string
	Endpoint string
}

// ResourceApplier creates or verifies one kind of resource.
type ResourceApplier interface {
	Apply(ctx context.Context, node *graph.Node) (Result, error)
}

// Provisioner applies a graph with per-kind appliers.
type Provisioner struct {
	appliers map[graph.Kind]ResourceApplier
	logger   *slog.Logger
}

// NewProvisioner creates a Provisioner. Kinds without an applier are
// skipped; that is how externally-managed resources (the source
// repository, the edge distribution) stay out of provisioning.
func NewProvisioner(appliers map[graph.Kind]ResourceApplier, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{appliers: appliers, logger: logger}
}

// Apply walks the graph in dependency order and applies each node.
// It stops at the first failure so nothing is created on top of a
// missing dependency.
func (p *Provisioner) Apply(ctx context.Context, g *graph.Graph) (map[graph.NodeID]Result, error) {
	results := make(map[graph.NodeID]Result)

	for _, id := range g.TopologicalOrder() {
		node, ok := g.Node(id)
		if !ok {
			return results, fmt.Errorf("provision: node %q missing from graph", id)
		}

		applier, ok := p.appliers[node.Kind]
		if !ok {
			p.logger.Debug("no applier for kind, skipping", "node", id, "kind", node.Kind)
			continue
		}

		res, err := applier.Apply(ctx, node)
		if err != nil {
			return results, fmt.Errorf("provision: %s %q: %w", node.Kind, id, err)
		}
		results[id] = res

		if res.Created {
			p.logger.Info("resource created", "node", id, "kind", node.Kind, "arn", res.ARN)
		} else {
			p.logger.Info("resource unchanged", "node", id, "kind", node.Kind)
		}
	}

	return results, nil
}

// Endpoints extracts the recorded endpoints from an apply run, keyed
// the way the routing layer expects its origins.
func Endpoints(results map[graph.NodeID]Result) map[graph.NodeID]string {
	endpoints := make(map[graph.NodeID]string)
	for id, res := range results {
		if res.Endpoint != "" {
			endpoints[id] = res.Endpoint
		}
	}
	return endpoints
}
