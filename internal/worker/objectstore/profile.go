package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Profile names
const (
	ProfilePrimary = "primary"
	ProfileMinimal = "minimal"
)

// Config holds object storage connection and retry configuration
type Config struct {
	Endpoint          string // host name or URL of the S3-compatible endpoint
	Region            string
	Bucket            string
	AccessKeyID       string
	SecretAccessKey   string
	PublicBaseURL     string // base of returned object URLs, defaults to the endpoint
	MaxRetries        int
	BaseDelay         time.Duration
	CallTimeout       time.Duration
	CompatMaxAttempts int  // SDK-level retry bound of the primary profile
	EnableFallback    bool // add the minimal profile after the primary one
}

func (c *Config) endpointURL() string {
	e := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if e == "" {
		return ""
	}
	if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
		e = "https://" + e
	}
	return e
}

func (c *Config) publicBaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	return c.endpointURL()
}

// NewClient builds the S3 profiles from cfg and returns a ready client.
//
// The primary profile runs in compatibility mode: path-style addressing,
// checksums only when the operation requires them, unsigned payloads and a
// bounded SDK retry count. The minimal profile keeps only path-style
// addressing and disables SDK retries.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	endpoint := cfg.endpointURL()
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}

	compatAttempts := cfg.CompatMaxAttempts
	if compatAttempts <= 0 {
		compatAttempts = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(cfg.CallTimeout)),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage client config: %w", err)
	}

	primary := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		o.RetryMaxAttempts = compatAttempts
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	profiles := []Profile{{Name: ProfilePrimary, API: primary}}

	if cfg.EnableFallback {
		minimal := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			o.RetryMaxAttempts = 1
		})
		profiles = append(profiles, Profile{Name: ProfileMinimal, API: minimal})
	}

	logger.Info("Object storage client configured",
		slog.String("endpoint", endpoint),
		slog.String("bucket", cfg.Bucket),
		slog.String("region", cfg.Region),
		slog.Int("profiles", len(profiles)),
		slog.Int("max_retries", cfg.MaxRetries),
	)

	return NewClientWithProfiles(cfg, logger, profiles...)
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
