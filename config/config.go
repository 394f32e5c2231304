// Package config loads the storefront deployment configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig configures the delivery pipeline.
type PipelineConfig struct {
	Branch         string        `yaml:"branch" json:"branch"`
	SourceURL      string        `yaml:"sourceUrl,omitempty" json:"sourceUrl,omitempty"`
	RepositoryURI  string        `yaml:"repositoryUri,omitempty" json:"repositoryUri,omitempty"`
	ContainerName  string        `yaml:"containerName,omitempty" json:"containerName,omitempty"`
	BuildProject   string        `yaml:"buildProject,omitempty" json:"buildProject,omitempty"`
	InstallCommand []string      `yaml:"installCommand,omitempty" json:"installCommand,omitempty"`
	Functions      []string      `yaml:"functions,omitempty" json:"functions,omitempty"`
	SourceTimeout  time.Duration `yaml:"sourceTimeout,omitempty" json:"sourceTimeout,omitempty"`
	BuildTimeout   time.Duration `yaml:"buildTimeout,omitempty" json:"buildTimeout,omitempty"`
	DeployTimeout  time.Duration `yaml:"deployTimeout,omitempty" json:"deployTimeout,omitempty"`
}

// ServiceConfig configures the container rollout target.
type ServiceConfig struct {
	Cluster        string   `yaml:"cluster" json:"cluster"`
	Service        string   `yaml:"service" json:"service"`
	CPU            string   `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory         string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	Subnets        []string `yaml:"subnets,omitempty" json:"subnets,omitempty"`
	SecurityGroups []string `yaml:"securityGroups,omitempty" json:"securityGroups,omitempty"`
	DesiredCount   int32    `yaml:"desiredCount,omitempty" json:"desiredCount,omitempty"`
}

// Config is the top-level deployment configuration.
type Config struct {
	Topology string         `yaml:"topology" json:"topology"`
	Region   string         `yaml:"region" json:"region"`
	RoleARN  string         `yaml:"roleArn,omitempty" json:"roleArn,omitempty"`
	Pipeline PipelineConfig `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Service  ServiceConfig  `yaml:"service,omitempty" json:"service,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Topology: "gateway",
		Region:   "us-east-1",
		Pipeline: PipelineConfig{
			Branch:        "main",
			BuildTimeout:  30 * time.Minute,
			DeployTimeout: 15 * time.Minute,
		},
	}
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadFromString(string(data))
}

// LoadFromString parses a configuration from YAML text. Defaults are
// applied before parsing so the file only needs to state what differs.
func LoadFromString(text string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Topology {
	case "gateway", "gateway-pipeline", "container":
	default:
		return fmt.Errorf("config: unknown topology %q", c.Topology)
	}
	if c.Region == "" {
		return fmt.Errorf("config: region is required")
	}
	if c.Pipeline.Branch == "" {
		return fmt.Errorf("config: pipeline branch is required")
	}

	if c.Topology == "container" {
		if c.Service.Cluster == "" || c.Service.Service == "" {
			return fmt.Errorf("config: container topology requires service cluster and name")
		}
		if c.Pipeline.RepositoryURI == "" {
			return fmt.Errorf("config: container topology requires pipeline repositoryUri")
		}
	}
	if c.Topology == "gateway-pipeline" && len(c.Pipeline.Functions) == 0 {
		return fmt.Errorf("config: gateway-pipeline topology requires pipeline functions")
	}
	return nil
}
