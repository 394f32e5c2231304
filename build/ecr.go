// Package build implements the pipeline's build stage: authenticate
// against the image registry, build the container image from the source
// checkout, tag it, and push both the latest and the revision tag.
package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/api/types/registry"
)

// ECRTokenClient is the subset of the ECR API the authenticator uses.
type ECRTokenClient interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// RegistryAuth is a decoded registry credential plus its encoded form
// for the Docker API's X-Registry-Auth header.
type RegistryAuth struct {
	Username string
	Password string
	Endpoint string
	Encoded  string
}

// ECRAuthenticator exchanges AWS credentials for short-lived registry
// credentials.
type ECRAuthenticator struct {
	client ECRTokenClient
}

// NewECRAuthenticator creates an ECRAuthenticator.
func NewECRAuthenticator(client ECRTokenClient) *ECRAuthenticator {
	return &ECRAuthenticator{client: client}
}

// Authenticate fetches and decodes an authorization token. The token is
// base64("user:password"); the user is always "AWS" for ECR.
func (a *ECRAuthenticator) Authenticate(ctx context.Context) (*RegistryAuth, error) {
	out, err := a.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("build: GetAuthorizationToken: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("build: registry returned no authorization data")
	}

	data := out.AuthorizationData[0]
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("build: malformed authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("build: authorization token is not user:password")
	}

	endpoint := strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://")

	encoded, err := encodeRegistryAuth(registry.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: endpoint,
	})
	if err != nil {
		return nil, err
	}

	return &RegistryAuth{
		Username: user,
		Password: password,
		Endpoint: endpoint,
		Encoded:  encoded,
	}, nil
}

func encodeRegistryAuth(cfg registry.AuthConfig) (string, error) {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("build: encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
