// Package aws adapts customer AWS accounts to the engine: cross-account
// role assumption, instance and image describes, audit-log retrieval, and
// trail teardown.
package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
)

// STSAPI is the narrow STS surface the session layer needs.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Client holds the engine's own AWS credentials and mints per-customer
// configs by assuming the enrollment role.
type Client struct {
	Config aws.Config
	STS    STSAPI
}

const sessionName = "cloudmeter-engine"

// NewClient initializes the engine's AWS session.
func NewClient(ctx context.Context, region string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	// Local endpoint override for mocking.
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %v", err)
	}

	// Custom User-Agent so customer CloudTrail shows who called.
	cfg.APIOptions = append(cfg.APIOptions, func(stack *middleware.Stack) error {
		return stack.Build.Add(middleware.BuildMiddlewareFunc("CloudmeterUserAgent", func(ctx context.Context, input middleware.BuildInput, next middleware.BuildHandler) (
			middleware.BuildOutput, middleware.Metadata, error,
		) {
			req, ok := input.Request.(*smithyhttp.Request)
			if ok {
				currentUA := req.Header.Get("User-Agent")
				if currentUA == "" {
					currentUA = "cloudmeter"
				}
				req.Header.Set("User-Agent", fmt.Sprintf("%s (cloudmeter-engine)", currentUA))
			}
			return next.HandleBuild(ctx, input)
		}), middleware.After)
	})

	return &Client{
		Config: cfg,
		STS:    sts.NewFromConfig(cfg),
	}, nil
}

// VerifyIdentity validates the engine's own credentials and returns the
// canonical account ID.
func (c *Client) VerifyIdentity(ctx context.Context) (string, error) {
	result, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %v", err)
	}
	return *result.Account, nil
}

// AssumeRole returns a config scoped to a customer's enrollment role in
// the given region. Credentials refresh automatically through STS.
func (c *Client) AssumeRole(roleARN, region string) aws.Config {
	cfg := c.Config.Copy()
	cfg.Region = region
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(c.Config), roleARN,
		func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
		})
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return cfg
}

// VerifyRole confirms that a customer role is assumable and returns the
// account ID it lives in. A severed role surfaces as ErrPermissionDenied.
func (c *Client) VerifyRole(ctx context.Context, roleARN string) (string, error) {
	out, err := c.STS.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return "", errs.ClassifyAWS(fmt.Errorf("assume role %s: %w", roleARN, err))
	}
	ident, err := sts.NewFromConfig(c.Config, func(o *sts.Options) {
		o.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     *out.Credentials.AccessKeyId,
					SecretAccessKey: *out.Credentials.SecretAccessKey,
					SessionToken:    *out.Credentials.SessionToken,
				}, nil
			}))
	}).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errs.ClassifyAWS(fmt.Errorf("verify assumed role %s: %w", roleARN, err))
	}
	return *ident.Account, nil
}
