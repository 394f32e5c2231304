package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

type fakeLambda struct {
	updated []string
	failOn  string
	err     error
}

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, params *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	name := aws.ToString(params.FunctionName)
	if name == f.failOn {
		return nil, f.err
	}
	f.updated = append(f.updated, name)
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func functionArtifact(t *testing.T, names ...string) *pipeline.Artifact {
	t.Helper()
	dir := t.TempDir()
	zips := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name+".zip")
		if err := os.WriteFile(path, []byte("PK\x03\x04"), 0o644); err != nil {
			t.Fatal(err)
		}
		zips[name] = path
	}
	return &pipeline.Artifact{Revision: "abc123", FunctionZip: zips}
}

func TestFunctionDeployUpdatesAll(t *testing.T) {
	client := &fakeLambda{}
	d := NewFunctionDeploy(client, testLogger())

	if err := d.Deploy(context.Background(), functionArtifact(t, "products", "orders", "cart")); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	want := []string{"cart", "orders", "products"} // name order
	if len(client.updated) != len(want) {
		t.Fatalf("expected %d updates, got %v", len(want), client.updated)
	}
	for i := range want {
		if client.updated[i] != want[i] {
			t.Errorf("update %d: got %s, want %s", i, client.updated[i], want[i])
		}
	}
}

func TestFunctionDeploySurfacesPartialFailure(t *testing.T) {
	client := &fakeLambda{failOn: "orders", err: errors.New("throttled")}
	d := NewFunctionDeploy(client, testLogger())

	err := d.Deploy(context.Background(), functionArtifact(t, "products", "orders", "cart"))
	if err == nil {
		t.Fatal("expected partial deployment error")
	}

	var partial *PartialDeploymentError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialDeploymentError, got %v", err)
	}
	if len(partial.Deployed) != 1 || partial.Deployed[0] != "cart" {
		t.Errorf("expected cart deployed before the failure, got %v", partial.Deployed)
	}
	if len(partial.Remaining) != 2 || partial.Remaining[0] != "orders" {
		t.Errorf("expected orders and products remaining, got %v", partial.Remaining)
	}
	if !errors.Is(err, client.err) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestFunctionDeployEmptyArtifact(t *testing.T) {
	d := NewFunctionDeploy(&fakeLambda{}, testLogger())
	if err := d.Deploy(context.Background(), &pipeline.Artifact{Revision: "abc123"}); err == nil {
		t.Fatal("expected error for artifact without functions")
	}
}
