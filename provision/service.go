package provision

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// ELBClient is the subset of the load balancer API the service applier uses.
type ELBClient interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
}

// ECSServiceClient is the subset of the ECS API the service applier uses.
type ECSServiceClient interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
}

// ServiceApplierConfig configures the container service and its load
// balancer.
type ServiceApplierConfig struct {
	Cluster        string
	Subnets        []string
	SecurityGroups []string
	DesiredCount   int32
}

// ServiceApplier creates the container service behind an application
// load balancer. A new service starts on a placeholder task definition;
// the delivery pipeline replaces it on the first deploy.
type ServiceApplier struct {
	elb ELBClient
	ecs ECSServiceClient
	cfg ServiceApplierConfig
}

func NewServiceApplier(elb ELBClient, ecsClient ECSServiceClient, cfg ServiceApplierConfig) *ServiceApplier {
	if cfg.DesiredCount == 0 {
		cfg.DesiredCount = 1
	}
	return &ServiceApplier{elb: elb, ecs: ecsClient, cfg: cfg}
}

func (a *ServiceApplier) Apply(ctx context.Context, node *graph.Node) (Result, error) {
	name := string(node.ID)

	endpoint, lbCreated, err := a.ensureLoadBalancer(ctx, name)
	if err != nil {
		return Result{}, err
	}

	svcCreated, arn, err := a.ensureService(ctx, name)
	if err != nil {
		return Result{}, err
	}

	return Result{Created: lbCreated || svcCreated, ARN: arn, Endpoint: endpoint}, nil
}

func (a *ServiceApplier) ensureLoadBalancer(ctx context.Context, name string) (endpoint string, created bool, err error) {
	out, err := a.elb.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{name}})
	if err == nil && len(out.LoadBalancers) > 0 {
		return aws.ToString(out.LoadBalancers[0].DNSName), false, nil
	}
	var notFound *elbv2types.LoadBalancerNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return "", false, err
	}

	createdOut, err := a.elb.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(name),
		Type:           elbv2types.LoadBalancerTypeEnumApplication,
		Subnets:        a.cfg.Subnets,
		SecurityGroups: a.cfg.SecurityGroups,
	})
	if err != nil {
		return "", false, err
	}
	return aws.ToString(createdOut.LoadBalancers[0].DNSName), true, nil
}

func (a *ServiceApplier) ensureService(ctx context.Context, name string) (created bool, arn string, err error) {
	out, err := a.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(a.cfg.Cluster),
		Services: []string{name},
	})
	if err != nil {
		return false, "", err
	}
	for _, svc := range out.Services {
		if aws.ToString(svc.Status) == "ACTIVE" {
			return false, aws.ToString(svc.ServiceArn), nil
		}
	}

	taskOut, err := a.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family: aws.String(name),
		ContainerDefinitions: []ecstypes.ContainerDefinition{
			{
				Name:      aws.String(name),
				Image:     aws.String("public.ecr.aws/docker/library/nginx:alpine"),
				Essential: aws.Bool(true),
			},
		},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		Cpu:                     aws.String("256"),
		Memory:                  aws.String("512"),
	})
	if err != nil {
		return false, "", err
	}

	svcOut, err := a.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		Cluster:        aws.String(a.cfg.Cluster),
		ServiceName:    aws.String(name),
		TaskDefinition: taskOut.TaskDefinition.TaskDefinitionArn,
		DesiredCount:   aws.Int32(a.cfg.DesiredCount),
		LaunchType:     ecstypes.LaunchTypeFargate,
	})
	if err != nil {
		return false, "", err
	}
	return true, aws.ToString(svcOut.Service.ServiceArn), nil
}
