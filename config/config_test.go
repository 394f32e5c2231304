package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:  "defaults apply",
			input: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Topology != "gateway" {
					t.Errorf("expected default topology gateway, got %q", cfg.Topology)
				}
				if cfg.Region != "us-east-1" {
					t.Errorf("expected default region, got %q", cfg.Region)
				}
				if cfg.Pipeline.Branch != "main" {
					t.Errorf("expected default branch main, got %q", cfg.Pipeline.Branch)
				}
			},
		},
		{
			name: "container topology",
			input: `
topology: container
region: eu-west-1
service:
  cluster: storefront
  service: storefront-svc
pipeline:
  branch: main
  repositoryUri: 123456789012.dkr.ecr.eu-west-1.amazonaws.com/storefront
  containerName: storefront
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Service.Cluster != "storefront" {
					t.Errorf("expected cluster storefront, got %q", cfg.Service.Cluster)
				}
				if cfg.Pipeline.ContainerName != "storefront" {
					t.Errorf("expected container name, got %q", cfg.Pipeline.ContainerName)
				}
			},
		},
		{
			name: "container topology without service",
			input: `
topology: container
`,
			wantErr: true,
		},
		{
			name: "gateway-pipeline requires functions",
			input: `
topology: gateway-pipeline
`,
			wantErr: true,
		},
		{
			name: "gateway-pipeline with functions",
			input: `
topology: gateway-pipeline
pipeline:
  functions: [products, orders, cart]
`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Pipeline.Functions) != 3 {
					t.Errorf("expected 3 functions, got %v", cfg.Pipeline.Functions)
				}
			},
		},
		{
			name: "unknown topology",
			input: `
topology: mainframe
`,
			wantErr: true,
		},
		{
			name:    "invalid YAML",
			input:   "{{invalid",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromString(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "storefront.yaml")
	content := `
topology: gateway
region: us-west-2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Region != "us-west-2" {
		t.Errorf("expected region us-west-2, got %q", cfg.Region)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromFile("/nonexistent/storefront.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
