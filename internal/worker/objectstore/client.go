// Package objectstore is the resilient client for the S3-compatible bucket
// that holds source images and enhanced outputs.
//
// Every call is retried with linear backoff (base_delay * attempt) against an
// ordered list of client profiles. A missing object is reported immediately as
// domain.ErrNotFound and never retried.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/enhance-worker/internal/metrics"
	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

var errEmptyObject = errors.New("downloaded object is empty")

// API is the subset of the S3 client used here.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Profile is one client configuration. Profiles are tried in order.
type Profile struct {
	Name string
	API  API
}

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Client performs fetch/put/head calls with retry and profile fallback.
type Client struct {
	bucket      string
	baseURL     string
	profiles    []Profile
	maxRetries  int
	baseDelay   time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClientWithProfiles creates a client over already-built profiles.
func NewClientWithProfiles(cfg *Config, logger *slog.Logger, profiles ...Profile) (*Client, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one client profile is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	return &Client{
		bucket:      cfg.Bucket,
		baseURL:     strings.TrimRight(cfg.publicBaseURL(), "/"),
		profiles:    profiles,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
		sleep:       sleepContext,
	}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// URL builds the public URL of key. The result is deterministic and is not
// checked for reachability.
func (c *Client) URL(key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + url.PathEscape(c.bucket) + "/" + strings.Join(segments, "/")
}

// Fetch downloads key into dest. The object is probed with a HEAD request
// before each transfer attempt; a missing object fails immediately with
// domain.ErrNotFound. A zero-byte download counts as a transient failure.
func (c *Client) Fetch(ctx context.Context, key, dest string) error {
	return c.eachProfile(ctx, "get", key, func(p Profile) error {
		return c.retry(ctx, "get", p.Name, key, func(callCtx context.Context) error {
			return c.fetchOnce(callCtx, p.API, key, dest)
		})
	})
}

// Put uploads the file at localPath under key and returns the object URL.
func (c *Client) Put(ctx context.Context, localPath, key string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat upload source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("upload source %s is a directory", localPath)
	}

	err = c.eachProfile(ctx, "put", key, func(p Profile) error {
		return c.retry(ctx, "put", p.Name, key, func(callCtx context.Context) error {
			return c.putOnce(callCtx, p.API, localPath, key, info.Size())
		})
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Object uploaded",
		slog.String("key", key),
		slog.Int64("size_bytes", info.Size()),
	)
	return c.URL(key), nil
}

// Head returns the metadata of key using the primary profile.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	p := c.profiles[0]
	err := c.retry(ctx, "head", p.Name, key, func(callCtx context.Context) error {
		out, err := p.API.HeadObject(callCtx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, c.bucket, key)
			}
			return fmt.Errorf("head object: %w", err)
		}
		info = ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
			ContentType:  aws.ToString(out.ContentType),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})
	return info, err
}

// eachProfile runs call against each profile in order until one succeeds.
// Only transient failures move on to the next profile.
func (c *Client) eachProfile(ctx context.Context, op, key string, call func(Profile) error) error {
	var lastErr error
	for i, p := range c.profiles {
		err := call(p)
		if err == nil {
			if i > 0 {
				c.logger.Info("Storage call succeeded with fallback profile",
					slog.String("op", op),
					slog.String("key", key),
					slog.String("profile", p.Name),
				)
			}
			return nil
		}
		if !errors.Is(err, domain.ErrTransientStorage) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		if i < len(c.profiles)-1 {
			c.logger.Warn("Storage call failed, trying next client profile",
				slog.String("op", op),
				slog.String("key", key),
				slog.String("failed_profile", p.Name),
				slog.String("next_profile", c.profiles[i+1].Name),
				slog.Any("error", err),
			)
		}
	}
	return lastErr
}

// retry calls fn up to maxRetries times. The delay before attempt n+1 is
// baseDelay*n. ErrNotFound is returned without retrying.
func (c *Client) retry(ctx context.Context, op, profile, key string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		callCtx, cancel := c.callContext(ctx)
		err := fn(callCtx)
		cancel()

		if err == nil {
			metrics.StorageAttempts.WithLabelValues(op, profile, metrics.OutcomeSuccess).Inc()
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			metrics.StorageAttempts.WithLabelValues(op, profile, metrics.OutcomeNotFound).Inc()
			c.logger.Warn("Object not found",
				slog.String("op", op),
				slog.String("key", key),
			)
			return err
		}

		metrics.StorageAttempts.WithLabelValues(op, profile, metrics.OutcomeFailure).Inc()
		lastErr = err

		if attempt == c.maxRetries {
			break
		}

		delay := c.baseDelay * time.Duration(attempt)
		c.logger.Warn("Storage call failed, retrying...",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("profile", profile),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.maxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return &domain.TransientError{Op: op, Key: key, Attempts: attempt, Err: lastErr}
		}
	}

	c.logger.Error("Storage call failed after all retries",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("profile", profile),
		slog.Int("attempts", c.maxRetries),
		slog.Any("error", lastErr),
	)
	return &domain.TransientError{Op: op, Key: key, Attempts: c.maxRetries, Err: lastErr}
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout > 0 {
		return context.WithTimeout(ctx, c.callTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) fetchOnce(ctx context.Context, api API, key, dest string) error {
	if _, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, c.bucket, key)
		}
		return fmt.Errorf("head object: %w", err)
	}

	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, c.bucket, key)
		}
		return fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	n, err := writeFileAtomic(dest, out.Body)
	if err != nil {
		return err
	}

	c.logger.Debug("Object downloaded",
		slog.String("key", key),
		slog.String("dest", dest),
		slog.Int64("size_bytes", n),
	)
	return nil
}

func (c *Client) putOnce(ctx context.Context, api API, localPath, key string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// writeFileAtomic streams r into a temp file beside dest and renames it into
// place. Empty results are discarded and reported as errEmptyObject.
func writeFileAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil || n == 0 {
		_ = os.Remove(tmpName)
		switch {
		case copyErr != nil:
			return n, fmt.Errorf("failed to stream object body: %w", copyErr)
		case closeErr != nil:
			return n, fmt.Errorf("failed to close temp file: %w", closeErr)
		default:
			return 0, errEmptyObject
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return n, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
