package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	iamsdk "github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	dockerclient "github.com/docker/docker/client"

	"github.com/GoCodeAlone/storefront-infra/build"
	"github.com/GoCodeAlone/storefront-infra/config"
	"github.com/GoCodeAlone/storefront-infra/deploy"
	"github.com/GoCodeAlone/storefront-infra/graph"
	"github.com/GoCodeAlone/storefront-infra/iam"
	"github.com/GoCodeAlone/storefront-infra/pipeline"
	"github.com/GoCodeAlone/storefront-infra/provision"
	"github.com/GoCodeAlone/storefront-infra/routing"
	"github.com/GoCodeAlone/storefront-infra/topology"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"plan":     runPlan,
	"grants":   runGrants,
	"routes":   runRoutes,
	"apply":    runApply,
	"pipeline": runPipeline,
}

func usage() {
	fmt.Fprintf(os.Stderr, `storectl - Storefront infrastructure CLI (version %s)

Usage:
  storectl <command> [options]

Commands:
  plan       Show the resource graph in dependency order
  grants     Show the access grants derived from the graph
  routes     Show the edge routing rules derived from the graph
  apply      Provision the resources, policies, and distribution
  pipeline   Run one delivery pipeline execution

Run 'storectl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "storectl: unknown command %q\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "storectl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

func buildTopology(cfg *config.Config) (*graph.Graph, error) {
	return topology.ByName(cfg.Topology)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to storefront config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	g, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("topology: %s (%s)\n\n", cfg.Topology, cfg.Region)
	fmt.Println("resources (dependency order):")
	for _, id := range g.TopologicalOrder() {
		node, _ := g.Node(id)
		fmt.Printf("  %-20s %s\n", node.Kind, id)
	}

	fmt.Println("\nedges:")
	for _, e := range g.Edges() {
		fmt.Printf("  %s -[%s]-> %s\n", e.From, e.Relation, e.To)
	}
	return nil
}

func runGrants(args []string) error {
	fs := flag.NewFlagSet("grants", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to storefront config file")
	asJSON := fs.Bool("json", false, "print policy documents instead of a summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	g, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	grants, err := iam.Derive(g)
	if err != nil {
		return err
	}

	if *asJSON {
		seen := make(map[graph.NodeID]bool)
		for _, grant := range grants {
			if seen[grant.Principal] {
				continue
			}
			seen[grant.Principal] = true
			doc, err := iam.PolicyDocument(grant.Principal, grants)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n%s\n", grant.Principal, doc)
		}
		return nil
	}

	for _, grant := range grants {
		fmt.Printf("%-20s -> %s (%d actions)\n", grant.Principal, grant.Resource, len(grant.Actions))
	}
	return nil
}

func runRoutes(args []string) error {
	fs := flag.NewFlagSet("routes", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to storefront config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	g, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	rules, err := routing.BuildRules(g)
	if err != nil {
		return err
	}

	for i, r := range rules {
		fmt.Printf("%d. %-20s -> %-20s cache=%-10s protocol=%s\n", i+1, r.PathPattern, r.Origin, r.CachePolicy, r.ProtocolPolicy)
	}
	return nil
}

func runApply(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to storefront config file")
	skipDistribution := fs.Bool("skip-distribution", false, "provision origins only, do not create the distribution")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	g, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := newLogger()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	appliers := map[graph.Kind]provision.ResourceApplier{
		graph.KindTable:           provision.NewTableApplier(dynamodb.NewFromConfig(awsCfg)),
		graph.KindStorageBucket:   provision.NewBucketApplier(s3.NewFromConfig(awsCfg), cfg.Region),
		graph.KindImageRepository: provision.NewImageRepositoryApplier(ecr.NewFromConfig(awsCfg)),
		graph.KindGateway:         provision.NewGatewayApplier(apigatewayv2.NewFromConfig(awsCfg)),
		graph.KindComputeUnit: provision.NewFunctionApplier(lambda.NewFromConfig(awsCfg), provision.FunctionApplierConfig{
			RoleARN: cfg.RoleARN,
			Runtime: lambdatypes.RuntimeNodejs20x,
		}),
		graph.KindContainerService: provision.NewServiceApplier(
			elbv2.NewFromConfig(awsCfg),
			ecs.NewFromConfig(awsCfg),
			provision.ServiceApplierConfig{
				Cluster:        cfg.Service.Cluster,
				Subnets:        cfg.Service.Subnets,
				SecurityGroups: cfg.Service.SecurityGroups,
				DesiredCount:   cfg.Service.DesiredCount,
			},
		),
	}

	results, err := provision.NewProvisioner(appliers, logger).Apply(ctx, g)
	if err != nil {
		return err
	}

	grants, err := iam.Derive(g)
	if err != nil {
		return err
	}
	if err := iam.TestConnection(ctx, sts.NewFromConfig(awsCfg)); err != nil {
		return err
	}
	policyApplier := iam.NewApplier(iamsdk.NewFromConfig(awsCfg), logger)
	applied := make(map[graph.NodeID]bool)
	for _, grant := range grants {
		if applied[grant.Principal] {
			continue
		}
		applied[grant.Principal] = true
		roleName := string(grant.Principal) + "-exec"
		if err := policyApplier.Apply(ctx, roleName, grant.Principal, grants); err != nil {
			return err
		}
	}

	if *skipDistribution {
		return nil
	}

	rules, err := routing.BuildRules(g)
	if err != nil {
		return err
	}
	endpoints := routing.OriginEndpoints(provision.Endpoints(results))

	// The distribution node ID is the caller reference, so re-running
	// apply finds the distribution instead of creating another.
	var distID graph.NodeID
	for _, n := range g.Nodes() {
		if n.Kind == graph.KindDistribution {
			distID = n.ID
			break
		}
	}
	if distID == "" {
		return fmt.Errorf("topology %q has no distribution node", cfg.Topology)
	}

	domain, err := routing.NewApplier(cloudfront.NewFromConfig(awsCfg), logger).Apply(ctx, string(distID), rules, endpoints)
	if err != nil {
		return err
	}

	fmt.Printf("distribution: https://%s\n", domain)
	return nil
}

func runPipeline(args []string) error {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to storefront config file")
	revision := fs.String("revision", "", "revision to build and deploy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *revision == "" {
		return fmt.Errorf("-revision is required")
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.Pipeline.SourceURL == "" {
		return fmt.Errorf("pipeline sourceUrl is not configured")
	}

	ctx := context.Background()
	logger := newLogger()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	source := build.NewGitSource(cfg.Pipeline.SourceURL, nil)

	var buildStage pipeline.BuildStage
	var deployStage pipeline.DeployStage

	switch cfg.Topology {
	case "container":
		if cfg.Pipeline.BuildProject != "" {
			buildStage = build.NewRemoteBuild(codebuild.NewFromConfig(awsCfg), cfg.Pipeline.BuildProject, cfg.Pipeline.RepositoryURI, cfg.Pipeline.ContainerName, logger)
		} else {
			docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
			if err != nil {
				return fmt.Errorf("create Docker client: %w", err)
			}
			defer docker.Close()
			buildStage = build.NewContainerBuild(build.ContainerBuildConfig{
				RepositoryURI:  cfg.Pipeline.RepositoryURI,
				ContainerName:  cfg.Pipeline.ContainerName,
				InstallCommand: cfg.Pipeline.InstallCommand,
			}, nil, build.NewECRAuthenticator(ecr.NewFromConfig(awsCfg)), build.NewImageBuilder(docker), logger)
		}
		deployStage = deploy.NewContainerDeploy(ecs.NewFromConfig(awsCfg), deploy.ContainerDeployConfig{
			Cluster:          cfg.Service.Cluster,
			Service:          cfg.Service.Service,
			CPU:              cfg.Service.CPU,
			Memory:           cfg.Service.Memory,
			StabilizeTimeout: cfg.Pipeline.DeployTimeout,
		}, logger)

	case "gateway-pipeline":
		buildStage = build.NewFunctionBuild(build.FunctionBuildConfig{
			Functions:      cfg.Pipeline.Functions,
			InstallCommand: cfg.Pipeline.InstallCommand,
		}, nil, logger)
		deployStage = deploy.NewFunctionDeploy(lambda.NewFromConfig(awsCfg), logger)

	default:
		return fmt.Errorf("topology %q has no delivery pipeline", cfg.Topology)
	}

	orch := pipeline.NewOrchestrator(source, buildStage, deployStage, pipeline.Timeouts{
		Source: cfg.Pipeline.SourceTimeout,
		Build:  cfg.Pipeline.BuildTimeout,
		Deploy: cfg.Pipeline.DeployTimeout,
	}, pipeline.NewMetrics("storefront"), logger)

	id := orch.Trigger(pipeline.Trigger{Branch: cfg.Pipeline.Branch, Revision: *revision, Manual: true})
	exec, err := orch.Wait(id)
	if err != nil {
		return err
	}
	if exec.Failed() {
		return fmt.Errorf("execution %s finished %s: %v", exec.ID, exec.Stage, exec.Err)
	}

	fmt.Printf("execution %s succeeded (revision %s)\n", exec.ID, *revision)
	return nil
}
