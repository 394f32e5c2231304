package graph

// Kind identifies the type of infrastructure resource a node represents.
type Kind string

const (
	KindStorageBucket    Kind = "storage-bucket"
	KindTable            Kind = "table"
	KindComputeUnit      Kind = "compute-unit"
	KindContainerService Kind = "container-service"
	KindGateway          Kind = "gateway"
	KindDistribution     Kind = "distribution"
	KindRepository       Kind = "repository"
	KindImageRepository  Kind = "image-repository"
)

// Relation is the type of a directed edge between two nodes.
type Relation string

const (
	// RelationReadsWrites means the source node requires read/write access
	// to the target (compute unit -> table).
	RelationReadsWrites Relation = "reads_writes"

	// RelationServesTrafficTo means the source node forwards matched
	// traffic to the target (distribution -> gateway, gateway -> compute unit).
	RelationServesTrafficTo Relation = "serves_traffic_to"

	// RelationTriggers means a change or build on the source node pushes
	// artifacts to the target (repository -> image repository).
	RelationTriggers Relation = "triggers"

	// RelationDeploysTo means the source node's pipeline mutates the
	// running artifact of the target (repository -> compute unit/service).
	RelationDeploysTo Relation = "deploys_to"
)

// NodeID identifies a node within a graph. IDs are the node's logical
// name and are stable for the lifetime of the graph.
type NodeID string

// Node is a single typed resource in the graph. Identity and kind are
// immutable after construction; attributes are set once at AddNode.
type Node struct {
	ID         NodeID
	Kind       Kind
	Attributes map[string]string
}

// Attr returns the named attribute, or "" when unset.
func (n *Node) Attr(key string) string {
	if n.Attributes == nil {
		return ""
	}
	return n.Attributes[key]
}

// Common attribute keys used by the storefront topologies.
const (
	AttrName             = "name"
	AttrPartitionKeyName = "partitionKeyName"
	AttrPartitionKeyType = "partitionKeyType"
	AttrARN              = "arn"
	AttrReadMostly       = "readMostly"
	AttrLoadBalancer     = "loadBalancer"
	AttrBranch           = "branch"
	AttrRegistryURI      = "registryUri"
)
