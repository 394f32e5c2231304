package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	agwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewayv2/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recordingApplier struct {
	order *[]graph.NodeID
	err   error
}

func (r *recordingApplier) Apply(_ context.Context, node *graph.Node) (Result, error) {
	if r.err != nil {
		return Result{}, r.err
	}
	*r.order = append(*r.order, node.ID)
	return Result{Created: true, Endpoint: "ep-" + string(node.ID)}, nil
}

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	add := func(kind graph.Kind, name string, attrs map[string]string) {
		t.Helper()
		if _, err := g.AddNode(kind, name, attrs); err != nil {
			t.Fatalf("AddNode(%s): %v", name, err)
		}
	}
	edge := func(from, to graph.NodeID, rel graph.Relation) {
		t.Helper()
		if err := g.AddEdge(from, to, rel); err != nil {
			t.Fatalf("AddEdge(%s -> %s): %v", from, to, err)
		}
	}

	add(graph.KindTable, "products", map[string]string{graph.AttrPartitionKeyName: "productId"})
	add(graph.KindComputeUnit, "products-fn", nil)
	add(graph.KindGateway, "storefront-api", nil)
	edge("products-fn", "products", graph.RelationReadsWrites)
	edge("storefront-api", "products-fn", graph.RelationServesTrafficTo)
	return g
}

func TestProvisionerAppliesInDependencyOrder(t *testing.T) {
	var order []graph.NodeID
	rec := &recordingApplier{order: &order}
	p := NewProvisioner(map[graph.Kind]ResourceApplier{
		graph.KindTable:       rec,
		graph.KindComputeUnit: rec,
		graph.KindGateway:     rec,
	}, testLogger())

	results, err := p.Apply(context.Background(), buildGraph(t))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := []graph.NodeID{"products", "products-fn", "storefront-api"}
	if len(order) != len(want) {
		t.Fatalf("expected %d applies, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("apply %d: got %s, want %s (dependencies must come first)", i, order[i], want[i])
		}
	}
	if len(results) != 3 {
		t.Errorf("expected a result per node, got %d", len(results))
	}
}

func TestProvisionerSkipsKindsWithoutApplier(t *testing.T) {
	var order []graph.NodeID
	rec := &recordingApplier{order: &order}
	p := NewProvisioner(map[graph.Kind]ResourceApplier{graph.KindTable: rec}, testLogger())

	results, err := p.Apply(context.Background(), buildGraph(t))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected only the table applied, got %v", results)
	}
}

func TestProvisionerStopsOnFailure(t *testing.T) {
	var order []graph.NodeID
	p := NewProvisioner(map[graph.Kind]ResourceApplier{
		graph.KindTable:       &recordingApplier{order: &order, err: errors.New("throttled")},
		graph.KindComputeUnit: &recordingApplier{order: &order},
	}, testLogger())

	if _, err := p.Apply(context.Background(), buildGraph(t)); err == nil {
		t.Fatal("expected failure from the table applier")
	}
	if len(order) != 0 {
		t.Errorf("nothing should apply after a dependency fails, got %v", order)
	}
}

func TestEndpoints(t *testing.T) {
	results := map[graph.NodeID]Result{
		"static-assets":  {Endpoint: "static-assets.s3-website-us-east-1.amazonaws.com"},
		"storefront-api": {Endpoint: "abc.execute-api.us-east-1.amazonaws.com"},
		"products":       {ARN: "arn:table"},
	}

	endpoints := Endpoints(results)
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", endpoints)
	}
	if endpoints["products"] != "" {
		t.Error("nodes without endpoints must not appear")
	}
}

type fakeDynamo struct {
	existing map[string]string // table name -> ARN
	created  []*dynamodb.CreateTableInput
}

func (f *fakeDynamo) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	name := aws.ToString(params.TableName)
	if arn, ok := f.existing[name]; ok {
		return &dynamodb.DescribeTableOutput{Table: &ddbtypes.TableDescription{TableArn: aws.String(arn)}}, nil
	}
	return nil, &ddbtypes.ResourceNotFoundException{}
}

func (f *fakeDynamo) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = append(f.created, params)
	arn := "arn:aws:dynamodb:us-east-1:123456789012:table/" + aws.ToString(params.TableName)
	if f.existing == nil {
		f.existing = make(map[string]string)
	}
	f.existing[aws.ToString(params.TableName)] = arn
	return &dynamodb.CreateTableOutput{TableDescription: &ddbtypes.TableDescription{TableArn: aws.String(arn)}}, nil
}

func nodeOf(t *testing.T, kind graph.Kind, name string, attrs map[string]string) *graph.Node {
	t.Helper()
	g := graph.New()
	id, err := g.AddNode(kind, name, attrs)
	if err != nil {
		t.Fatal(err)
	}
	node, _ := g.Node(id)
	return node
}

func tableNode(t *testing.T, attrs map[string]string) *graph.Node {
	t.Helper()
	return nodeOf(t, graph.KindTable, "products", attrs)
}

func TestTableApplierCreates(t *testing.T) {
	client := &fakeDynamo{}
	a := NewTableApplier(client)

	node := tableNode(t, map[string]string{graph.AttrPartitionKeyName: "productId", graph.AttrPartitionKeyType: "S"})
	res, err := a.Apply(context.Background(), node)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Created {
		t.Error("expected table creation")
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one CreateTable, got %d", len(client.created))
	}

	input := client.created[0]
	if aws.ToString(input.KeySchema[0].AttributeName) != "productId" {
		t.Errorf("unexpected partition key %s", aws.ToString(input.KeySchema[0].AttributeName))
	}
	if input.BillingMode != ddbtypes.BillingModePayPerRequest {
		t.Errorf("expected on-demand billing, got %s", input.BillingMode)
	}
}

func TestTableApplierIdempotent(t *testing.T) {
	client := &fakeDynamo{}
	a := NewTableApplier(client)
	node := tableNode(t, map[string]string{graph.AttrPartitionKeyName: "productId"})

	if _, err := a.Apply(context.Background(), node); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	res, err := a.Apply(context.Background(), node)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if res.Created {
		t.Error("second apply must report the table unchanged")
	}
	if len(client.created) != 1 {
		t.Errorf("table must only be created once, got %d creates", len(client.created))
	}
}

func TestTableApplierMissingPartitionKey(t *testing.T) {
	a := NewTableApplier(&fakeDynamo{})
	if _, err := a.Apply(context.Background(), tableNode(t, nil)); err == nil {
		t.Fatal("expected error for table without partition key attributes")
	}
}

type fakeS3 struct {
	existing map[string]bool
	created  []string
}

func (f *fakeS3) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.existing[aws.ToString(params.Bucket)] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &s3types.NotFound{}
}

func (f *fakeS3) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, aws.ToString(params.Bucket))
	return &s3.CreateBucketOutput{}, nil
}

func TestBucketApplierWebsiteEndpointByRegion(t *testing.T) {
	cases := []struct {
		region string
		want   string
	}{
		{"us-east-1", "static-assets.s3-website-us-east-1.amazonaws.com"},
		{"eu-west-1", "static-assets.s3-website-eu-west-1.amazonaws.com"},
		{"us-east-2", "static-assets.s3-website.us-east-2.amazonaws.com"},
		{"eu-central-1", "static-assets.s3-website.eu-central-1.amazonaws.com"},
		{"ap-south-1", "static-assets.s3-website.ap-south-1.amazonaws.com"},
	}

	for _, tc := range cases {
		a := NewBucketApplier(&fakeS3{}, tc.region)
		res, err := a.Apply(context.Background(), nodeOf(t, graph.KindStorageBucket, "static-assets", nil))
		if err != nil {
			t.Fatalf("%s: apply: %v", tc.region, err)
		}
		if res.Endpoint != tc.want {
			t.Errorf("%s: endpoint %s, want %s", tc.region, res.Endpoint, tc.want)
		}
	}
}

func TestBucketApplierIdempotent(t *testing.T) {
	client := &fakeS3{existing: map[string]bool{"static-assets": true}}
	a := NewBucketApplier(client, "us-east-1")

	res, err := a.Apply(context.Background(), nodeOf(t, graph.KindStorageBucket, "static-assets", nil))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Created {
		t.Error("existing bucket must not report creation")
	}
	if len(client.created) != 0 {
		t.Errorf("expected no CreateBucket call, got %v", client.created)
	}
}

type fakeGateway struct {
	pages   [][]agwtypes.Api
	calls   int
	created []*apigatewayv2.CreateApiInput
}

func (f *fakeGateway) GetApis(_ context.Context, _ *apigatewayv2.GetApisInput, _ ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error) {
	i := f.calls
	f.calls++
	if i >= len(f.pages) {
		return &apigatewayv2.GetApisOutput{}, nil
	}
	out := &apigatewayv2.GetApisOutput{Items: f.pages[i]}
	if i < len(f.pages)-1 {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", i+1))
	}
	return out, nil
}

func (f *fakeGateway) CreateApi(_ context.Context, params *apigatewayv2.CreateApiInput, _ ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateApiOutput, error) {
	f.created = append(f.created, params)
	return &apigatewayv2.CreateApiOutput{
		ApiEndpoint: aws.String("https://new123.execute-api.us-east-1.amazonaws.com"),
	}, nil
}

func TestGatewayApplierFindsApiOnLaterPage(t *testing.T) {
	client := &fakeGateway{pages: [][]agwtypes.Api{
		{{Name: aws.String("other-api"), ApiEndpoint: aws.String("https://aaa.execute-api.us-east-1.amazonaws.com")}},
		{{Name: aws.String("storefront-api"), ApiEndpoint: aws.String("https://bbb.execute-api.us-east-1.amazonaws.com")}},
	}}
	a := NewGatewayApplier(client)

	res, err := a.Apply(context.Background(), nodeOf(t, graph.KindGateway, "storefront-api", nil))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Created {
		t.Error("existing gateway must not be recreated")
	}
	if res.Endpoint != "bbb.execute-api.us-east-1.amazonaws.com" {
		t.Errorf("unexpected endpoint %s", res.Endpoint)
	}
	if client.calls != 2 {
		t.Errorf("expected the listing to follow the pagination token, got %d calls", client.calls)
	}
	if len(client.created) != 0 {
		t.Errorf("expected no CreateApi call, got %d", len(client.created))
	}
}

func TestGatewayApplierCreatesAfterExhaustingPages(t *testing.T) {
	client := &fakeGateway{pages: [][]agwtypes.Api{
		{{Name: aws.String("other-api"), ApiEndpoint: aws.String("https://aaa.execute-api.us-east-1.amazonaws.com")}},
		{{Name: aws.String("another-api"), ApiEndpoint: aws.String("https://ccc.execute-api.us-east-1.amazonaws.com")}},
	}}
	a := NewGatewayApplier(client)

	res, err := a.Apply(context.Background(), nodeOf(t, graph.KindGateway, "storefront-api", nil))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Created {
		t.Error("expected gateway creation when no page names it")
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one CreateApi call, got %d", len(client.created))
	}
}
