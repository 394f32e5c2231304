package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/storefront-infra/graph"
	"github.com/aws/aws-sdk-go-v2/aws"
	iamsdk "github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// policyDocument is the AWS IAM policy document shape.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid      string   `json:"Sid,omitempty"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

// PolicyDocument renders the grants belonging to one principal as an
// IAM policy document. Grants for other principals are ignored.
func PolicyDocument(principal graph.NodeID, grants []GrantStatement) ([]byte, error) {
	doc := policyDocument{Version: "2012-10-17"}
	for i, g := range grants {
		if g.Principal != principal {
			continue
		}
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:      fmt.Sprintf("Grant%d", i),
			Effect:   "Allow",
			Action:   g.Actions,
			Resource: g.Resource,
		})
	}
	if len(doc.Statement) == 0 {
		return nil, fmt.Errorf("no grants for principal %q", principal)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// PolicyClient is the subset of the IAM API the applier uses.
type PolicyClient interface {
	PutRolePolicy(ctx context.Context, params *iamsdk.PutRolePolicyInput, optFns ...func(*iamsdk.Options)) (*iamsdk.PutRolePolicyOutput, error)
}

// CallerIdentityClient is the subset of the STS API used for
// connectivity checks.
type CallerIdentityClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Applier attaches derived grant documents to execution roles as
// inline policies. The policy name is fixed per principal, so
// re-applying an unchanged grant set overwrites the same policy and
// produces no accumulation.
type Applier struct {
	client PolicyClient
	logger *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(client PolicyClient, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{client: client, logger: logger}
}

// Apply attaches the principal's derived grants to roleName.
func (a *Applier) Apply(ctx context.Context, roleName string, principal graph.NodeID, grants []GrantStatement) error {
	doc, err := PolicyDocument(principal, grants)
	if err != nil {
		return fmt.Errorf("iam: rendering policy for %s: %w", principal, err)
	}

	policyName := fmt.Sprintf("storefront-%s-access", principal)
	_, err = a.client.PutRolePolicy(ctx, &iamsdk.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(string(doc)),
	})
	if err != nil {
		return fmt.Errorf("iam: PutRolePolicy %s on %s: %w", policyName, roleName, err)
	}

	a.logger.Info("grant policy applied", "role", roleName, "policy", policyName, "principal", principal)
	return nil
}

// TestConnection calls sts:GetCallerIdentity to verify connectivity
// and credentials before any policy is written.
func TestConnection(ctx context.Context, client CallerIdentityClient) error {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("iam: GetCallerIdentity failed: %w", err)
	}
	if out.Account == nil {
		return fmt.Errorf("iam: GetCallerIdentity returned no account")
	}
	return nil
}
