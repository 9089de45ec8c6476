// Package aws resolves certificates attached to Elastic Load Balancing listeners.
package aws

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/DrSkyle/certcheck/pkg/version"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Client encapsulates AWS SDK usage, handling authentication, region resolution, and middleware injection.
type Client struct {
	Config aws.Config
	STS    *sts.Client
}

// NewClient initializes a new authenticated AWS client.
func NewClient(ctx context.Context, region, profile string, logger *slog.Logger, verbose bool) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	// Check for local endpoint overrides (used for LocalStack).
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	cfg.APIOptions = append(cfg.APIOptions, func(stack *middleware.Stack) error {
		return stack.Build.Add(middleware.BuildMiddlewareFunc("CertcheckUserAgent", func(ctx context.Context, input middleware.BuildInput, next middleware.BuildHandler) (
			middleware.BuildOutput, middleware.Metadata, error,
		) {
			if req, ok := input.Request.(*smithyhttp.Request); ok {
				ua := req.Header.Get("User-Agent")
				req.Header.Set("User-Agent", fmt.Sprintf("%s certcheck/%s", ua, version.Current))
			}
			return next.HandleBuild(ctx, input)
		}), middleware.After)
	})

	// In verbose mode every API call is logged.
	if verbose {
		cfg.APIOptions = append(cfg.APIOptions, func(stack *middleware.Stack) error {
			return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("CallLogger", func(ctx context.Context, input middleware.InitializeInput, next middleware.InitializeHandler) (
				middleware.InitializeOutput, middleware.Metadata, error,
			) {
				logger.Debug("AWS API call", "service", middleware.GetServiceID(ctx), "operation", middleware.GetOperationName(ctx))
				return next.HandleInitialize(ctx, input)
			}), middleware.Before)
		})
	}

	return &Client{
		Config: cfg,
		STS:    sts.NewFromConfig(cfg),
	}, nil
}

// VerifyIdentity validates the session credentials and retrieves the canonical Account ID.
func (c *Client) VerifyIdentity(ctx context.Context) (string, error) {
	result, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	return aws.ToString(result.Account), nil
}
