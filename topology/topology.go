// Package topology assembles the storefront resource graphs. Each
// variant builds the same logical shop (product catalog, orders, cart,
// static assets behind an edge distribution) on a different compute
// shape.
package topology

import (
	"fmt"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// Default resource names.
const (
	BucketName        = "static-assets"
	GatewayName       = "storefront-api"
	DistributionName  = "storefront-cdn"
	ServiceName       = "storefront-svc"
	RepositoryName    = "storefront-src"
	ImageRepoName     = "storefront-images"
	ProductsTable     = "products"
	OrdersTable       = "orders"
	CartTable         = "cart"
	ProductsFunction  = "products-fn"
	OrdersFunction    = "orders-fn"
	CartFunction      = "cart-fn"
	DefaultBranch     = "main"
)

type tableSpec struct {
	name         string
	partitionKey string
}

var tables = []tableSpec{
	{ProductsTable, "productId"},
	{OrdersTable, "orderId"},
	{CartTable, "cartId"},
}

type functionSpec struct {
	name       string
	logical    string
	table      string
	readMostly bool
}

var functions = []functionSpec{
	{ProductsFunction, "products", ProductsTable, true},
	{OrdersFunction, "orders", OrdersTable, false},
	{CartFunction, "cart", CartTable, false},
}

// Gateway builds the serverless variant: one function per domain area
// behind an HTTP gateway, each reading and writing its own table. Only
// the product catalog is read-mostly; orders and cart mutate state on
// nearly every request.
func Gateway() (*graph.Graph, error) {
	g := graph.New()

	if err := addCommon(g); err != nil {
		return nil, err
	}

	for _, fn := range functions {
		attrs := map[string]string{graph.AttrName: fn.logical}
		if fn.readMostly {
			attrs[graph.AttrReadMostly] = "true"
		}
		if _, err := g.AddNode(graph.KindComputeUnit, fn.name, attrs); err != nil {
			return nil, err
		}
		if err := g.AddEdge(graph.NodeID(fn.name), graph.NodeID(fn.table), graph.RelationReadsWrites); err != nil {
			return nil, err
		}
	}

	if _, err := g.AddNode(graph.KindGateway, GatewayName, nil); err != nil {
		return nil, err
	}
	for _, fn := range functions {
		if err := g.AddEdge(GatewayName, graph.NodeID(fn.name), graph.RelationServesTrafficTo); err != nil {
			return nil, err
		}
	}

	if err := addDistribution(g, GatewayName); err != nil {
		return nil, err
	}
	return g, nil
}

// GatewayWithPipeline is the serverless variant plus a source
// repository whose pipeline deploys each function.
func GatewayWithPipeline() (*graph.Graph, error) {
	g, err := Gateway()
	if err != nil {
		return nil, err
	}

	if _, err := g.AddNode(graph.KindRepository, RepositoryName, map[string]string{graph.AttrBranch: DefaultBranch}); err != nil {
		return nil, err
	}
	for _, fn := range functions {
		if err := g.AddEdge(RepositoryName, graph.NodeID(fn.name), graph.RelationDeploysTo); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Container builds the single-service variant: one container service
// behind a load balancer handles all dynamic paths and owns all three
// tables, and the repository's pipeline builds images into the image
// repository before rolling the service.
func Container() (*graph.Graph, error) {
	g := graph.New()

	if err := addCommon(g); err != nil {
		return nil, err
	}

	if _, err := g.AddNode(graph.KindContainerService, ServiceName, map[string]string{graph.AttrLoadBalancer: "true"}); err != nil {
		return nil, err
	}
	for _, tbl := range tables {
		if err := g.AddEdge(ServiceName, graph.NodeID(tbl.name), graph.RelationReadsWrites); err != nil {
			return nil, err
		}
	}

	if err := addDistribution(g, ServiceName); err != nil {
		return nil, err
	}

	if _, err := g.AddNode(graph.KindImageRepository, ImageRepoName, nil); err != nil {
		return nil, err
	}
	if _, err := g.AddNode(graph.KindRepository, RepositoryName, map[string]string{graph.AttrBranch: DefaultBranch}); err != nil {
		return nil, err
	}
	if err := g.AddEdge(RepositoryName, ImageRepoName, graph.RelationTriggers); err != nil {
		return nil, err
	}
	if err := g.AddEdge(RepositoryName, ServiceName, graph.RelationDeploysTo); err != nil {
		return nil, err
	}
	return g, nil
}

// ByName returns the named topology variant.
func ByName(name string) (*graph.Graph, error) {
	switch name {
	case "gateway":
		return Gateway()
	case "gateway-pipeline":
		return GatewayWithPipeline()
	case "container":
		return Container()
	default:
		return nil, fmt.Errorf("topology: unknown variant %q (want gateway, gateway-pipeline, or container)", name)
	}
}

func addCommon(g *graph.Graph) error {
	if _, err := g.AddNode(graph.KindStorageBucket, BucketName, nil); err != nil {
		return err
	}
	for _, tbl := range tables {
		attrs := map[string]string{
			graph.AttrPartitionKeyName: tbl.partitionKey,
			graph.AttrPartitionKeyType: "S",
		}
		if _, err := g.AddNode(graph.KindTable, tbl.name, attrs); err != nil {
			return err
		}
	}
	return nil
}

func addDistribution(g *graph.Graph, dynamicOrigin graph.NodeID) error {
	if _, err := g.AddNode(graph.KindDistribution, DistributionName, nil); err != nil {
		return err
	}
	if err := g.AddEdge(DistributionName, dynamicOrigin, graph.RelationServesTrafficTo); err != nil {
		return err
	}
	return g.AddEdge(DistributionName, BucketName, graph.RelationServesTrafficTo)
}
