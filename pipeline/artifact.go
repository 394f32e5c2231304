package pipeline

import (
	"encoding/json"
	"fmt"
)

// SourceArtifact is what the source stage hands to the build stage: a
// checkout of the triggering revision.
type SourceArtifact struct {
	Branch   string
	Revision string
	Dir      string
}

// Artifact is the build stage's output. For a container build it
// carries the image definitions descriptor the deploy stage consumes;
// for a function build it carries the per-function output directories.
type Artifact struct {
	Revision    string
	Descriptor  []byte            // imagedefinitions.json for container deploys
	FunctionZip map[string]string // function name -> packaged zip path
}

// ImageDefinition is one entry of the deploy descriptor linking a
// container name to the exact image URI to run.
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// MarshalImageDefinitions renders the deploy descriptor the rollout
// consumes.
func MarshalImageDefinitions(defs []ImageDefinition) ([]byte, error) {
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("pipeline: image definition %d has no container name", i)
		}
		if d.ImageURI == "" {
			return nil, fmt.Errorf("pipeline: image definition %q has no image URI", d.Name)
		}
	}
	return json.Marshal(defs)
}

// ParseImageDefinitions decodes and validates a deploy descriptor. An
// entry without a name or image URI is a build fault and fails the
// parse rather than deploying a partial descriptor.
func ParseImageDefinitions(data []byte) ([]ImageDefinition, error) {
	var defs []ImageDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("pipeline: invalid image definitions descriptor: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline: image definitions descriptor is empty")
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("pipeline: image definition %d has no container name", i)
		}
		if d.ImageURI == "" {
			return nil, fmt.Errorf("pipeline: image definition %q has no image URI", d.Name)
		}
	}
	return defs, nil
}
