// Package routing derives the edge distribution's ordered rule set
// from the resource graph. The cache/no-cache split is a correctness
// requirement, not a performance knob: caching a write endpoint would
// serve stale or wrong responses, so anything with side effects always
// resolves to the disabled policy.
package routing

import (
	"fmt"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// CachePolicy selects the edge cache behavior for a path pattern.
type CachePolicy string

const (
	CacheOptimized CachePolicy = "optimized"
	CacheDisabled  CachePolicy = "disabled"
)

// ProtocolPolicy selects how the distribution treats plain-HTTP requests.
type ProtocolPolicy string

const (
	ProtocolRedirectToHTTPS ProtocolPolicy = "redirect-to-https"
	ProtocolHTTPSOnly       ProtocolPolicy = "https-only"
)

// DefaultPattern is the wildcard rule for static assets.
const DefaultPattern = "/*"

// RoutingRule maps a path pattern to an origin with a cache and
// protocol policy. Rules are an ordered set: the first matching
// pattern wins, so specific literal prefixes precede the default.
type RoutingRule struct {
	PathPattern    string
	Origin         graph.NodeID
	CachePolicy    CachePolicy
	ProtocolPolicy ProtocolPolicy
}

// BuildRules derives the ordered rule set for each distribution in the
// graph. It only reads the graph and is re-runnable: the same graph
// always yields the same rules in the same order.
//
// Gateway-fronted compute units each get a rule /api/<name>/* pointed
// at the gateway; the cache policy is optimized only for units marked
// read-mostly. A container service behind a load balancer collapses
// all dynamic paths into a single /api/* rule with caching disabled,
// because the single service fans out internally. The bucket origin
// always takes the default pattern with redirect-to-HTTPS.
func BuildRules(g *graph.Graph) ([]RoutingRule, error) {
	var dist *graph.Node
	for _, n := range g.Nodes() {
		if n.Kind == graph.KindDistribution {
			dist = n
			break
		}
	}
	if dist == nil {
		return nil, fmt.Errorf("routing: graph has no distribution node")
	}

	var rules []RoutingRule
	var bucket graph.NodeID

	for _, originID := range g.Neighbors(dist.ID, graph.RelationServesTrafficTo) {
		origin, ok := g.Node(originID)
		if !ok {
			return nil, fmt.Errorf("routing: distribution origin %q missing from validated graph", originID)
		}

		switch origin.Kind {
		case graph.KindStorageBucket:
			bucket = origin.ID

		case graph.KindGateway:
			for _, unitID := range g.Neighbors(origin.ID, graph.RelationServesTrafficTo) {
				unit, ok := g.Node(unitID)
				if !ok {
					return nil, fmt.Errorf("routing: gateway target %q missing from validated graph", unitID)
				}
				rules = append(rules, RoutingRule{
					PathPattern:    fmt.Sprintf("/api/%s/*", logicalName(unit)),
					Origin:         origin.ID,
					CachePolicy:    cachePolicyFor(unit),
					ProtocolPolicy: ProtocolHTTPSOnly,
				})
			}

		case graph.KindContainerService:
			rules = append(rules, RoutingRule{
				PathPattern:    "/api/*",
				Origin:         origin.ID,
				CachePolicy:    CacheDisabled,
				ProtocolPolicy: ProtocolHTTPSOnly,
			})

		default:
			return nil, fmt.Errorf("routing: distribution cannot originate from %s node %q", origin.Kind, origin.ID)
		}
	}

	if bucket == "" {
		return nil, fmt.Errorf("routing: distribution %q has no storage-bucket origin for static assets", dist.ID)
	}
	rules = append(rules, RoutingRule{
		PathPattern:    DefaultPattern,
		Origin:         bucket,
		CachePolicy:    CacheOptimized,
		ProtocolPolicy: ProtocolRedirectToHTTPS,
	})

	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// logicalName is the resource name a unit's path pattern derives from:
// the name attribute when set, otherwise the node ID.
func logicalName(unit *graph.Node) string {
	if name := unit.Attr(graph.AttrName); name != "" {
		return name
	}
	return string(unit.ID)
}

// cachePolicyFor is optimized only for read-mostly, idempotent units.
// Everything else carries side effects and must not be cached.
func cachePolicyFor(unit *graph.Node) CachePolicy {
	if unit.Attr(graph.AttrReadMostly) == "true" {
		return CacheOptimized
	}
	return CacheDisabled
}

// validateRules rejects rule sets where two rules share a pattern:
// with first-match-wins ordering a duplicate pattern would make the
// later rule unreachable, and a cache-policy conflict ambiguous.
func validateRules(rules []RoutingRule) error {
	seen := make(map[string]CachePolicy, len(rules))
	for _, r := range rules {
		if prev, dup := seen[r.PathPattern]; dup {
			return fmt.Errorf("routing: duplicate pattern %q (cache policies %s and %s)", r.PathPattern, prev, r.CachePolicy)
		}
		seen[r.PathPattern] = r.CachePolicy
	}
	return nil
}

// Match returns the first rule whose pattern matches the concrete
// path, mirroring the distribution's first-match-wins evaluation.
func Match(rules []RoutingRule, path string) (RoutingRule, bool) {
	for _, r := range rules {
		if patternMatches(r.PathPattern, path) {
			return r, true
		}
	}
	return RoutingRule{}, false
}

func patternMatches(pattern, path string) bool {
	if pattern == DefaultPattern {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(path) >= len(prefix) && path[:len(prefix)] == prefix
	}
	return pattern == path
}
