package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// CodeBuildClient is the subset of the CodeBuild API the remote build
// stage uses.
type CodeBuildClient interface {
	StartBuild(ctx context.Context, params *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, params *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
}

// RemoteBuild runs the build stage on a managed build project instead
// of the local Docker daemon. The project's buildspec performs the same
// phases; this stage starts the build, polls it to completion, and
// reconstructs the deploy descriptor from the revision.
type RemoteBuild struct {
	client        CodeBuildClient
	project       string
	repositoryURI string
	containerName string
	pollInterval  time.Duration
	logger        *slog.Logger
}

// NewRemoteBuild creates a RemoteBuild for the named project.
func NewRemoteBuild(client CodeBuildClient, project, repositoryURI, containerName string, logger *slog.Logger) *RemoteBuild {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBuild{
		client:        client,
		project:       project,
		repositoryURI: repositoryURI,
		containerName: containerName,
		pollInterval:  5 * time.Second,
		logger:        logger,
	}
}

// Build starts a remote build pinned to the source revision and waits
// for it to finish.
func (b *RemoteBuild) Build(ctx context.Context, src *pipeline.SourceArtifact) (*pipeline.Artifact, error) {
	out, err := b.client.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:   aws.String(b.project),
		SourceVersion: aws.String(src.Revision),
		EnvironmentVariablesOverride: []cbtypes.EnvironmentVariable{
			{Name: aws.String("IMAGE_TAG"), Value: aws.String(src.Revision)},
			{Name: aws.String("REPOSITORY_URI"), Value: aws.String(b.repositoryURI)},
		},
	})
	if err != nil {
		return nil, phaseError(pipeline.PhaseBuildImage, fmt.Errorf("StartBuild: %w", err))
	}

	buildID := aws.ToString(out.Build.Id)
	b.logger.Info("remote build started", "project", b.project, "build_id", buildID, "revision", src.Revision)

	if err := b.waitForBuild(ctx, buildID); err != nil {
		return nil, err
	}

	descriptor, err := pipeline.MarshalImageDefinitions([]pipeline.ImageDefinition{
		{Name: b.containerName, ImageURI: b.repositoryURI + ":" + src.Revision},
	})
	if err != nil {
		return nil, phaseError(pipeline.PhasePushImage, err)
	}
	return &pipeline.Artifact{Revision: src.Revision, Descriptor: descriptor}, nil
}

func (b *RemoteBuild) waitForBuild(ctx context.Context, buildID string) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		out, err := b.client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{Ids: []string{buildID}})
		if err != nil {
			return phaseError(pipeline.PhaseBuildImage, fmt.Errorf("BatchGetBuilds: %w", err))
		}
		if len(out.Builds) == 0 {
			return phaseError(pipeline.PhaseBuildImage, fmt.Errorf("build %s not found", buildID))
		}

		current := out.Builds[0]
		switch current.BuildStatus {
		case cbtypes.StatusTypeSucceeded:
			return nil
		case cbtypes.StatusTypeInProgress:
			// keep polling
		default:
			return phaseError(remotePhase(current.CurrentPhase), fmt.Errorf("build %s finished %s", buildID, current.BuildStatus))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// remotePhase maps the build project's phase names onto the pipeline's.
func remotePhase(phase *string) string {
	switch aws.ToString(phase) {
	case "INSTALL":
		return pipeline.PhaseInstallDeps
	case "PRE_BUILD":
		return pipeline.PhaseRegistryAuth
	case "BUILD":
		return pipeline.PhaseBuildImage
	case "POST_BUILD":
		return pipeline.PhasePushImage
	default:
		return pipeline.PhaseBuildImage
	}
}
