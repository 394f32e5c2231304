package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	agwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewayv2/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// DynamoDBClient is the subset of the DynamoDB API the table applier uses.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// TableApplier creates on-demand tables with the partition key the
// node's attributes describe.
type TableApplier struct {
	client DynamoDBClient
}

func NewTableApplier(client DynamoDBClient) *TableApplier {
	return &TableApplier{client: client}
}

func (a *TableApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)

	out, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err == nil {
		return Result{ARN: aws.ToString(out.Table.TableArn)}, nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return Result{}, err
	}

	keyName := node.Attr(graph.AttrPartitionKeyName)
	if keyName == "" {
		return Result{}, fmt.Errorf("table has no partition key attribute")
	}
	keyType := ddbtypes.ScalarAttributeType(node.Attr(graph.AttrPartitionKeyType))
	if keyType == "" {
		keyType = ddbtypes.ScalarAttributeTypeS
	}

	created, err := a.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String(keyName), AttributeType: keyType},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String(keyName), KeyType: ddbtypes.KeyTypeHash},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Created: true, ARN: aws.ToString(created.TableDescription.TableArn)}, nil
}

// S3Client is the subset of the S3 API the bucket applier uses.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// BucketApplier creates the static asset bucket.
type BucketApplier struct {
	client S3Client
	region string
}

func NewBucketApplier(client S3Client, region string) *BucketApplier {
	return &BucketApplier{client: client, region: region}
}

// dashWebsiteRegions are the regions whose website endpoints use the
// old dash separator (bucket.s3-website-<region>). Regions launched
// later serve only the dot form (bucket.s3-website.<region>).
var dashWebsiteRegions = map[string]bool{
	"us-east-1":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-northeast-1": true,
	"eu-west-1":      true,
	"sa-east-1":      true,
	"us-gov-west-1":  true,
}

func websiteEndpoint(bucket, region string) string {
	if dashWebsiteRegions[region] {
		return fmt.Sprintf("%s.s3-website-%s.amazonaws.com", bucket, region)
	}
	return fmt.Sprintf("%s.s3-website.%s.amazonaws.com", bucket, region)
}

func (a *BucketApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)
	endpoint := websiteEndpoint(name, a.region)

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return Result{Endpoint: endpoint}, nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return Result{}, err
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	// us-east-1 rejects an explicit location constraint.
	if a.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(a.region),
		}
	}
	if _, err := a.client.CreateBucket(ctx, input); err != nil {
		return Result{}, err
	}
	return Result{Created: true, Endpoint: endpoint}, nil
}

// ECRClient is the subset of the ECR API the image repository applier uses.
type ECRClient interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
}

// ImageRepositoryApplier creates the container image repository.
type ImageRepositoryApplier struct {
	client ECRClient
}

func NewImageRepositoryApplier(client ECRClient) *ImageRepositoryApplier {
	return &ImageRepositoryApplier{client: client}
}

func (a *ImageRepositoryApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)

	out, err := a.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil && len(out.Repositories) > 0 {
		repo := out.Repositories[0]
		return Result{ARN: aws.ToString(repo.RepositoryArn), Endpoint: aws.ToString(repo.RepositoryUri)}, nil
	}
	var notFound *ecrtypes.RepositoryNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return Result{}, err
	}

	created, err := a.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err != nil {
		return Result{}, err
	}
	repo := created.Repository
	return Result{Created: true, ARN: aws.ToString(repo.RepositoryArn), Endpoint: aws.ToString(repo.RepositoryUri)}, nil
}

// GatewayClient is the subset of the API Gateway v2 API the gateway
// applier uses.
type GatewayClient interface {
	GetApis(ctx context.Context, params *apigatewayv2.GetApisInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error)
	CreateApi(ctx context.Context, params *apigatewayv2.CreateApiInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateApiOutput, error)
}

// GatewayApplier creates the HTTP API fronting the compute units.
type GatewayApplier struct {
	client GatewayClient
}

func NewGatewayApplier(client GatewayClient) *GatewayApplier {
	return &GatewayApplier{client: client}
}

func (a *GatewayApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)

	// The gateway API has no get-by-name, so scan the account's APIs,
	// following the pagination token to the end.
	var next *string
	for {
		existing, err := a.client.GetApis(ctx, &apigatewayv2.GetApisInput{
			MaxResults: aws.String("100"),
			NextToken:  next,
		})
		if err != nil {
			return Result{}, err
		}
		for _, api := range existing.Items {
			if aws.ToString(api.Name) == name {
				return Result{Endpoint: gatewayHost(aws.ToString(api.ApiEndpoint))}, nil
			}
		}
		if existing.NextToken == nil {
			break
		}
		next = existing.NextToken
	}

	created, err := a.client.CreateApi(ctx, &apigatewayv2.CreateApiInput{
		Name:         aws.String(name),
		ProtocolType: agwtypes.ProtocolTypeHttp,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Created: true, Endpoint: gatewayHost(aws.ToString(created.ApiEndpoint))}, nil
}

func gatewayHost(endpoint string) string {
	const scheme = "https://"
	if len(endpoint) > len(scheme) && endpoint[:len(scheme)] == scheme {
		return endpoint[len(scheme):]
	}
	return endpoint
}

// LambdaProvisionClient is the subset of the Lambda API the compute
// unit applier uses.
type LambdaProvisionClient interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
}

// FunctionApplierConfig configures new functions. The pipeline replaces
// the code on every deploy, so creation only needs a valid placeholder.
type FunctionApplierConfig struct {
	RoleARN string
	Runtime lambdatypes.Runtime
	Handler string
}

// FunctionApplier creates the compute units as functions.
type FunctionApplier struct {
	client LambdaProvisionClient
	cfg    FunctionApplierConfig
}

func NewFunctionApplier(client LambdaProvisionClient, cfg FunctionApplierConfig) *FunctionApplier {
	if cfg.Runtime == "" {
		cfg.Runtime = lambdatypes.RuntimeNodejs20x
	}
	if cfg.Handler == "" {
		cfg.Handler = "index.handler"
	}
	return &FunctionApplier{client: client, cfg: cfg}
}

func (a *FunctionApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)

	out, err := a.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if err == nil {
		return Result{ARN: aws.ToString(out.Configuration.FunctionArn)}, nil
	}
	var notFound *lambdatypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return Result{}, err
	}

	stub, err := placeholderZip()
	if err != nil {
		return Result{}, err
	}

	created, err := a.client.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Role:         aws.String(a.cfg.RoleARN),
		Runtime:      a.cfg.Runtime,
		Handler:      aws.String(a.cfg.Handler),
		Code:         &lambdatypes.FunctionCode{ZipFile: stub},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Created: true, ARN: aws.ToString(created.FunctionArn)}, nil
}

// placeholderZip is the initial function body until the first pipeline
// run replaces it.
func placeholderZip() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("index.js")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte("exports.handler = async () => ({ statusCode: 503 });\n")); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
