// Package deploy rolls built artifacts out to the running service. The
// container topology gets an atomic health-checked rolling update; the
// function topology updates each function individually, which is why
// partial deployment is surfaced as its own error type.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// ECSClient is the subset of the ECS API the container rollout uses.
type ECSClient interface {
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

// serviceWaiter blocks until the service reaches a steady state on the
// new task definition.
type serviceWaiter interface {
	Wait(ctx context.Context, params *ecs.DescribeServicesInput, maxWaitDur time.Duration, optFns ...func(*ecs.ServicesStableWaiterOptions)) error
}

// ContainerDeployConfig configures the rolling update target.
type ContainerDeployConfig struct {
	Cluster          string
	Service          string
	Family           string
	CPU              string
	Memory           string
	StabilizeTimeout time.Duration
}

// ContainerDeploy registers a task definition for the built image and
// updates the service. The scheduler replaces tasks gradually and
// health-checks each replacement; if the new revision never stabilizes
// the previous one keeps serving, so a failed deploy reports an error
// without taking the service down.
type ContainerDeploy struct {
	client ECSClient
	waiter serviceWaiter
	cfg    ContainerDeployConfig
	logger *slog.Logger
}

// NewContainerDeploy creates a ContainerDeploy.
func NewContainerDeploy(client ECSClient, cfg ContainerDeployConfig, logger *slog.Logger) *ContainerDeploy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Family == "" {
		cfg.Family = cfg.Service
	}
	if cfg.CPU == "" {
		cfg.CPU = "256"
	}
	if cfg.Memory == "" {
		cfg.Memory = "512"
	}
	if cfg.StabilizeTimeout == 0 {
		cfg.StabilizeTimeout = 10 * time.Minute
	}
	return &ContainerDeploy{
		client: client,
		waiter: ecs.NewServicesStableWaiter(client),
		cfg:    cfg,
		logger: logger,
	}
}

// Deploy rolls the artifact's image onto the service.
func (d *ContainerDeploy) Deploy(ctx context.Context, art *pipeline.Artifact) error {
	defs, err := pipeline.ParseImageDefinitions(art.Descriptor)
	if err != nil {
		return err
	}
	if len(defs) != 1 {
		return fmt.Errorf("deploy: expected exactly one image definition for service %s, got %d", d.cfg.Service, len(defs))
	}
	def := defs[0]

	taskOut, err := d.client.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family: aws.String(d.cfg.Family),
		ContainerDefinitions: []ecstypes.ContainerDefinition{
			{
				Name:      aws.String(def.Name),
				Image:     aws.String(def.ImageURI),
				Essential: aws.Bool(true),
			},
		},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		Cpu:                     aws.String(d.cfg.CPU),
		Memory:                  aws.String(d.cfg.Memory),
	})
	if err != nil {
		return fmt.Errorf("deploy: register task definition: %w", err)
	}
	taskDefARN := aws.ToString(taskOut.TaskDefinition.TaskDefinitionArn)

	if _, err := d.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(d.cfg.Cluster),
		Service:        aws.String(d.cfg.Service),
		TaskDefinition: aws.String(taskDefARN),
	}); err != nil {
		return fmt.Errorf("deploy: update service: %w", err)
	}

	d.logger.Info("rolling update started", "service", d.cfg.Service, "task_definition", taskDefARN, "image", def.ImageURI)

	if err := d.waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(d.cfg.Cluster),
		Services: []string{d.cfg.Service},
	}, d.cfg.StabilizeTimeout); err != nil {
		return fmt.Errorf("deploy: service %s did not stabilize on %s: %w", d.cfg.Service, taskDefARN, err)
	}

	d.logger.Info("rolling update complete", "service", d.cfg.Service, "revision", art.Revision)
	return nil
}
