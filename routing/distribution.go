package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/GoCodeAlone/storefront-infra/graph"
)

// AWS managed cache policy IDs.
const (
	managedCachingOptimized = "658327ea-f89d-4fab-a63d-7e88639e58f6"
	managedCachingDisabled  = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
)

// OriginEndpoints maps origin node IDs to the DNS names the
// distribution forwards to (bucket website endpoint, gateway endpoint,
// or load balancer DNS name). Provisioning records these after the
// origins exist.
type OriginEndpoints map[graph.NodeID]string

// DistributionConfig converts the ordered rule set into a CloudFront
// distribution config: the default rule becomes the default cache
// behavior and each preceding rule an ordered cache behavior, keeping
// the first-match-wins semantics.
func DistributionConfig(callerRef string, rules []RoutingRule, endpoints OriginEndpoints) (*cftypes.DistributionConfig, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("routing: empty rule set")
	}
	last := rules[len(rules)-1]
	if last.PathPattern != DefaultPattern {
		return nil, fmt.Errorf("routing: last rule must be the default pattern, got %q", last.PathPattern)
	}

	seen := make(map[graph.NodeID]bool)
	var origins []cftypes.Origin
	for _, r := range rules {
		if seen[r.Origin] {
			continue
		}
		endpoint, ok := endpoints[r.Origin]
		if !ok {
			return nil, fmt.Errorf("routing: no endpoint recorded for origin %q", r.Origin)
		}
		origins = append(origins, cftypes.Origin{
			Id:         aws.String(string(r.Origin)),
			DomainName: aws.String(endpoint),
			CustomOriginConfig: &cftypes.CustomOriginConfig{
				HTTPPort:             aws.Int32(80),
				HTTPSPort:            aws.Int32(443),
				OriginProtocolPolicy: cftypes.OriginProtocolPolicyHttpsOnly,
			},
		})
		seen[r.Origin] = true
	}

	var ordered []cftypes.CacheBehavior
	for _, r := range rules[:len(rules)-1] {
		ordered = append(ordered, cftypes.CacheBehavior{
			PathPattern:          aws.String(r.PathPattern),
			TargetOriginId:       aws.String(string(r.Origin)),
			CachePolicyId:        aws.String(cachePolicyID(r.CachePolicy)),
			ViewerProtocolPolicy: viewerProtocolPolicy(r.ProtocolPolicy),
		})
	}

	cfg := &cftypes.DistributionConfig{
		CallerReference: aws.String(callerRef),
		// The caller reference doubles as the comment; distribution
		// summaries carry the comment but not the caller reference, so
		// this is what a later apply matches on to find an existing
		// distribution.
		Comment: aws.String(callerRef),
		Enabled:         aws.Bool(true),
		Origins: &cftypes.Origins{
			Items:    origins,
			Quantity: aws.Int32(int32(len(origins))),
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String(string(last.Origin)),
			CachePolicyId:        aws.String(cachePolicyID(last.CachePolicy)),
			ViewerProtocolPolicy: viewerProtocolPolicy(last.ProtocolPolicy),
		},
	}
	if len(ordered) > 0 {
		cfg.CacheBehaviors = &cftypes.CacheBehaviors{
			Items:    ordered,
			Quantity: aws.Int32(int32(len(ordered))),
		}
	}
	return cfg, nil
}

func cachePolicyID(p CachePolicy) string {
	if p == CacheOptimized {
		return managedCachingOptimized
	}
	return managedCachingDisabled
}

func viewerProtocolPolicy(p ProtocolPolicy) cftypes.ViewerProtocolPolicy {
	if p == ProtocolRedirectToHTTPS {
		return cftypes.ViewerProtocolPolicyRedirectToHttps
	}
	return cftypes.ViewerProtocolPolicyHttpsOnly
}

// DistributionClient is the subset of the CloudFront API the applier uses.
type DistributionClient interface {
	CreateDistribution(ctx context.Context, params *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
}

// Applier creates the edge distribution from a derived rule set. The
// caller reference must be stable across runs (the distribution node
// ID); re-applying finds the distribution from an earlier run instead
// of creating a second one.
type Applier struct {
	client DistributionClient
	logger *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(client DistributionClient, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{client: client, logger: logger}
}

// Apply ensures the distribution exists and returns its domain name.
func (a *Applier) Apply(ctx context.Context, callerRef string, rules []RoutingRule, endpoints OriginEndpoints) (string, error) {
	cfg, err := DistributionConfig(callerRef, rules, endpoints)
	if err != nil {
		return "", err
	}

	if domain, found, err := a.findExisting(ctx, callerRef); err != nil {
		return "", err
	} else if found {
		a.logger.Info("distribution exists", "domain", domain)
		return domain, nil
	}

	out, err := a.client.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
		DistributionConfig: cfg,
	})
	if err != nil {
		return "", fmt.Errorf("routing: CreateDistribution: %w", err)
	}

	domain := aws.ToString(out.Distribution.DomainName)
	a.logger.Info("distribution created", "domain", domain, "rules", len(rules))
	return domain, nil
}

// findExisting scans the account's distributions for one created under
// the same caller reference, matching on the comment field.
func (a *Applier) findExisting(ctx context.Context, callerRef string) (string, bool, error) {
	var marker *string
	for {
		out, err := a.client.ListDistributions(ctx, &cloudfront.ListDistributionsInput{Marker: marker})
		if err != nil {
			return "", false, fmt.Errorf("routing: ListDistributions: %w", err)
		}
		list := out.DistributionList
		if list == nil {
			return "", false, nil
		}
		for _, d := range list.Items {
			if aws.ToString(d.Comment) == callerRef {
				return aws.ToString(d.DomainName), true, nil
			}
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			return "", false, nil
		}
		marker = list.NextMarker
	}
}
