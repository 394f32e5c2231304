package build

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// CommandRunner runs a build tool in a working directory. The default
// implementation shells out; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs commands through the local shell environment.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// Authenticator produces registry credentials for the push phase.
type Authenticator interface {
	Authenticate(ctx context.Context) (*RegistryAuth, error)
}

// ContainerBuildConfig configures a container build.
type ContainerBuildConfig struct {
	RepositoryURI  string // e.g. 123456789012.dkr.ecr.us-east-1.amazonaws.com/storefront
	ContainerName  string
	Dockerfile     string
	InstallCommand []string // e.g. ["npm", "ci"]
}

// ContainerBuild is the build stage for the container topology. Phases
// run in a fixed order and the first failure aborts the stage; the
// returned error names the phase that stopped it.
type ContainerBuild struct {
	cfg    ContainerBuildConfig
	runner CommandRunner
	auth   Authenticator
	images *ImageBuilder
	logger *slog.Logger
}

// NewContainerBuild creates a ContainerBuild. runner defaults to
// ExecRunner when nil.
func NewContainerBuild(cfg ContainerBuildConfig, runner CommandRunner, auth Authenticator, images *ImageBuilder, logger *slog.Logger) *ContainerBuild {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dockerfile == "" {
		cfg.Dockerfile = "Dockerfile"
	}
	return &ContainerBuild{cfg: cfg, runner: runner, auth: auth, images: images, logger: logger}
}

// Build runs install deps, registry auth, image build, revision
// tagging, and the push of both the latest and the revision tag.
func (b *ContainerBuild) Build(ctx context.Context, src *pipeline.SourceArtifact) (*pipeline.Artifact, error) {
	latestRef := b.cfg.RepositoryURI + ":latest"
	revisionRef := b.cfg.RepositoryURI + ":" + src.Revision

	if len(b.cfg.InstallCommand) > 0 {
		b.logger.Info("installing dependencies", "revision", src.Revision)
		if err := b.runner.Run(ctx, src.Dir, b.cfg.InstallCommand[0], b.cfg.InstallCommand[1:]...); err != nil {
			return nil, phaseError(pipeline.PhaseInstallDeps, err)
		}
	}

	auth, err := b.auth.Authenticate(ctx)
	if err != nil {
		return nil, phaseError(pipeline.PhaseRegistryAuth, err)
	}

	b.logger.Info("building image", "ref", latestRef)
	imageID, err := b.images.Build(ctx, src.Dir, b.cfg.Dockerfile, latestRef)
	if err != nil {
		return nil, phaseError(pipeline.PhaseBuildImage, err)
	}

	if err := b.images.Tag(ctx, latestRef, revisionRef); err != nil {
		return nil, phaseError(pipeline.PhaseTagImage, err)
	}

	for _, ref := range []string{latestRef, revisionRef} {
		digest, err := b.images.Push(ctx, ref, auth)
		if err != nil {
			return nil, phaseError(pipeline.PhasePushImage, err)
		}
		b.logger.Info("image pushed", "ref", ref, "digest", digest)
	}

	descriptor, err := pipeline.MarshalImageDefinitions([]pipeline.ImageDefinition{
		{Name: b.cfg.ContainerName, ImageURI: revisionRef},
	})
	if err != nil {
		return nil, phaseError(pipeline.PhasePushImage, err)
	}

	b.logger.Info("build complete", "revision", src.Revision, "image_id", imageID)
	return &pipeline.Artifact{Revision: src.Revision, Descriptor: descriptor}, nil
}

func phaseError(phase string, err error) error {
	return &pipeline.StageError{Stage: pipeline.StageBuild, Phase: phase, Err: err}
}
