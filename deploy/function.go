package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/GoCodeAlone/storefront-infra/pipeline"
)

// LambdaClient is the subset of the Lambda API the function rollout uses.
type LambdaClient interface {
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

// PartialDeploymentError reports a function rollout that stopped partway:
// some functions already run the new revision while the rest still run
// the old one. Unlike the container rollout there is no atomic switch,
// so callers must know which side of the line each function landed on.
type PartialDeploymentError struct {
	Deployed  []string
	Remaining []string
	Err       error
}

func (e *PartialDeploymentError) Error() string {
	return fmt.Sprintf("deploy: partial function deployment: updated [%s], still on previous revision [%s]: %v",
		strings.Join(e.Deployed, ", "), strings.Join(e.Remaining, ", "), e.Err)
}

func (e *PartialDeploymentError) Unwrap() error { return e.Err }

// FunctionDeploy updates each function's code from the build artifact.
// Functions are updated one at a time in name order.
type FunctionDeploy struct {
	client LambdaClient
	logger *slog.Logger
}

// NewFunctionDeploy creates a FunctionDeploy.
func NewFunctionDeploy(client LambdaClient, logger *slog.Logger) *FunctionDeploy {
	if logger == nil {
		logger = slog.Default()
	}
	return &FunctionDeploy{client: client, logger: logger}
}

// Deploy pushes each packaged function. On the first failure it stops
// and returns a PartialDeploymentError naming the functions already
// updated and those still pending.
func (d *FunctionDeploy) Deploy(ctx context.Context, art *pipeline.Artifact) error {
	if len(art.FunctionZip) == 0 {
		return fmt.Errorf("deploy: artifact has no packaged functions")
	}

	names := make([]string, 0, len(art.FunctionZip))
	for name := range art.FunctionZip {
		names = append(names, name)
	}
	sort.Strings(names)

	var deployed []string
	for i, name := range names {
		code, err := os.ReadFile(art.FunctionZip[name])
		if err == nil {
			_, err = d.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
				FunctionName: aws.String(name),
				ZipFile:      code,
			})
		}
		if err != nil {
			return &PartialDeploymentError{
				Deployed:  deployed,
				Remaining: names[i:],
				Err:       err,
			}
		}
		deployed = append(deployed, name)
		d.logger.Info("function updated", "function", name, "revision", art.Revision)
	}

	return nil
}
