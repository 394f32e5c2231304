package build

import (
	"context"
	"fmt"
	"os"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// GitSource fetches the triggering revision from the watched
// repository. It shells out to git, which is what every build host
// already has on hand.
type GitSource struct {
	URL    string
	runner CommandRunner
}

// NewGitSource creates a GitSource. runner defaults to ExecRunner.
func NewGitSource(url string, runner CommandRunner) *GitSource {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &GitSource{URL: url, runner: runner}
}

// Fetch clones the branch into a fresh directory and pins the checkout
// to the triggering revision when one is named.
func (s *GitSource) Fetch(ctx context.Context, trigger pipeline.Trigger) (*pipeline.SourceArtifact, error) {
	dir, err := os.MkdirTemp("", "storefront-src-")
	if err != nil {
		return nil, fmt.Errorf("build: create checkout dir: %w", err)
	}

	if err := s.runner.Run(ctx, ".", "git", "clone", "--branch", trigger.Branch, "--single-branch", s.URL, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("build: clone %s: %w", s.URL, err)
	}

	if trigger.Revision != "" {
		if err := s.runner.Run(ctx, dir, "git", "checkout", trigger.Revision); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("build: checkout %s: %w", trigger.Revision, err)
		}
	}

	return &pipeline.SourceArtifact{
		Branch:   trigger.Branch,
		Revision: trigger.Revision,
		Dir:      dir,
	}, nil
}
