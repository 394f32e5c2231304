package build

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	dockerbuild "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
)

// DockerClient is the subset of the Docker Engine API the image
// builder uses.
type DockerClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options dockerbuild.ImageBuildOptions) (dockerbuild.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
}

// ImageBuilder builds, tags, and pushes container images through the
// Docker daemon.
type ImageBuilder struct {
	client DockerClient
}

// NewImageBuilder creates an ImageBuilder.
func NewImageBuilder(client DockerClient) *ImageBuilder {
	return &ImageBuilder{client: client}
}

// Build builds an image from the context directory and returns the
// image ID from the daemon's build stream.
func (b *ImageBuilder) Build(ctx context.Context, contextDir, dockerfile, tag string) (string, error) {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return "", fmt.Errorf("build: create build context: %w", err)
	}

	resp, err := b.client.ImageBuild(ctx, buildCtx, dockerbuild.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("build: image build: %w", err)
	}
	defer resp.Body.Close()

	imageID, err := parseBuildStream(resp.Body)
	if err != nil {
		return "", err
	}
	return imageID, nil
}

// Tag applies an additional tag to a built image.
func (b *ImageBuilder) Tag(ctx context.Context, source, target string) error {
	if err := b.client.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("build: tag %s as %s: %w", source, target, err)
	}
	return nil
}

// Push pushes a tagged image and returns its digest.
func (b *ImageBuilder) Push(ctx context.Context, ref string, auth *RegistryAuth) (string, error) {
	reader, err := b.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth.Encoded})
	if err != nil {
		return "", fmt.Errorf("build: push %s: %w", ref, err)
	}
	defer reader.Close()

	digest, err := parsePushStream(reader)
	if err != nil {
		return "", fmt.Errorf("build: push %s: %w", ref, err)
	}
	return digest, nil
}

// tarDirectory streams a tar archive of the directory; the daemon
// consumes it as the build context.
func tarDirectory(dir string) (io.Reader, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", absPath)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archiveDirectory(absPath, pw))
	}()
	return pr, nil
}

// archiveDirectory writes the directory as a tar stream. Entries named
// by the context's .dockerignore are left out, .git always is, and
// symlinks are archived as links rather than followed.
func archiveDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	ignore := loadIgnorePatterns(filepath.Join(dir, ".dockerignore"))

	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == ".git" || ignoreMatch(ignore, rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = rel
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

// loadIgnorePatterns reads a .dockerignore file; a missing file means
// nothing is excluded. Plain names and glob patterns are supported,
// which covers the contexts the pipeline builds.
func loadIgnorePatterns(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	return patterns
}

// ignoreMatch reports whether the slash-separated relative path, or
// any directory above it, matches an ignore pattern.
func ignoreMatch(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// parseBuildStream reads the daemon's JSON build stream to completion
// and extracts the image ID. A mid-stream error record fails the build.
func parseBuildStream(r io.Reader) (string, error) {
	decoder := json.NewDecoder(r)
	var imageID string

	for {
		var msg struct {
			Stream string `json:"stream"`
			Aux    struct {
				ID string `json:"ID"`
			} `json:"aux"`
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("build: parse build stream: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("build: %s", msg.Error)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	}

	if imageID == "" {
		return "", fmt.Errorf("build: build stream ended without an image ID")
	}
	return imageID, nil
}

func parsePushStream(r io.Reader) (string, error) {
	decoder := json.NewDecoder(r)
	var digest string

	for {
		var msg struct {
			Status string `json:"status"`
			Aux    struct {
				Tag    string `json:"Tag"`
				Digest string `json:"Digest"`
				Size   int64  `json:"Size"`
			} `json:"aux"`
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("parse push stream: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("%s", msg.Error)
		}
		if msg.Aux.Digest != "" {
			digest = msg.Aux.Digest
		}
	}

	return digest, nil
}
