package build

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// FunctionBuildConfig configures a per-function build for the gateway
// topology. Each entry of Functions names a subdirectory of the source
// checkout containing one function's code.
type FunctionBuildConfig struct {
	Functions      []string
	InstallCommand []string
	OutputDir      string
}

// FunctionBuild packages each function directory into a deployable
// archive. There is no image to push, so the stage is install deps
// followed by packaging.
type FunctionBuild struct {
	cfg    FunctionBuildConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewFunctionBuild creates a FunctionBuild.
func NewFunctionBuild(cfg FunctionBuildConfig, runner CommandRunner, logger *slog.Logger) *FunctionBuild {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FunctionBuild{cfg: cfg, runner: runner, logger: logger}
}

// Build installs dependencies once at the checkout root and zips each
// function directory.
func (b *FunctionBuild) Build(ctx context.Context, src *pipeline.SourceArtifact) (*pipeline.Artifact, error) {
	if len(b.cfg.Functions) == 0 {
		return nil, phaseError(pipeline.PhaseBuildImage, fmt.Errorf("no functions configured"))
	}

	if len(b.cfg.InstallCommand) > 0 {
		if err := b.runner.Run(ctx, src.Dir, b.cfg.InstallCommand[0], b.cfg.InstallCommand[1:]...); err != nil {
			return nil, phaseError(pipeline.PhaseInstallDeps, err)
		}
	}

	outDir := b.cfg.OutputDir
	if outDir == "" {
		outDir = filepath.Join(src.Dir, "dist")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, phaseError(pipeline.PhaseBuildImage, err)
	}

	zips := make(map[string]string, len(b.cfg.Functions))
	for _, fn := range b.cfg.Functions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		archive := filepath.Join(outDir, fn+".zip")
		if err := zipDirectory(filepath.Join(src.Dir, fn), archive); err != nil {
			return nil, phaseError(pipeline.PhaseBuildImage, fmt.Errorf("package %s: %w", fn, err))
		}
		zips[fn] = archive
		b.logger.Info("function packaged", "function", fn, "archive", archive)
	}

	return &pipeline.Artifact{Revision: src.Revision, FunctionZip: zips}, nil
}

func zipDirectory(dir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(relPath))
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}
