// Package input turns a request's input descriptor into a canonical PNG on
// local disk that the engine can read.
package input

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/worker/cache"
	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

const (
	// CanonicalName is the file name of the canonical input inside the job work dir.
	CanonicalName = "input.png"

	sourceName = "source.bin"

	defaultHTTPTimeout   = 30 * time.Second
	defaultMaxInputBytes = 50 << 20
	defaultMinDimension  = 64
	defaultMaxDimension  = 8192
)

// Cache resolves object keys through the local cache.
type Cache interface {
	GetOrFetch(ctx context.Context, key string, fetch cache.FetchFunc) (string, error)
}

// Fetcher downloads an object key to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, key, dest string) error
}

// Config holds input resolution limits
type Config struct {
	HTTPTimeout   time.Duration
	MaxInputBytes int64
	MinDimension  int
	MaxDimension  int
}

// Resolver materializes input descriptors.
type Resolver struct {
	cache      Cache
	store      Fetcher
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewResolver creates a resolver. Zero config values fall back to defaults.
func NewResolver(cfg *Config, objCache Cache, store Fetcher, logger *slog.Logger) *Resolver {
	c := *cfg
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = defaultMaxInputBytes
	}
	if c.MinDimension <= 0 {
		c.MinDimension = defaultMinDimension
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = defaultMaxDimension
	}

	return &Resolver{
		cache:      objCache,
		store:      store,
		httpClient: &http.Client{Timeout: c.HTTPTimeout},
		cfg:        c,
		logger:     logger,
	}
}

// Resolve materializes desc for jobID and writes the canonical image into
// workDir. It returns the path of the canonical image.
func (r *Resolver) Resolve(ctx context.Context, desc domain.InputDescriptor, jobID, workDir string) (string, error) {
	src, err := r.materialize(ctx, desc, workDir)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(workDir, CanonicalName)
	info, err := canonicalize(src, dest, r.cfg.MinDimension, r.cfg.MaxDimension)
	if err != nil {
		return "", err
	}

	r.logger.Info("Input resolved",
		slog.String("job_id", jobID),
		slog.String("kind", desc.Kind),
		slog.String("source_format", info.Format),
		slog.Int("width", info.Width),
		slog.Int("height", info.Height),
		slog.String("path", dest),
	)
	return dest, nil
}

func (r *Resolver) materialize(ctx context.Context, desc domain.InputDescriptor, workDir string) (string, error) {
	switch desc.Kind {
	case domain.InputInlineData:
		data, err := decodeInline(desc.Payload)
		if err != nil {
			return "", err
		}
		if int64(len(data)) > r.cfg.MaxInputBytes {
			return "", domain.Validationf("inline image is %d bytes, limit is %d", len(data), r.cfg.MaxInputBytes)
		}
		return writeSource(workDir, data)

	case domain.InputRemoteURL:
		return r.download(ctx, desc.Payload, workDir)

	case domain.InputObjectKey:
		if r.cache == nil || r.store == nil {
			return "", fmt.Errorf("object-key input is not configured")
		}
		return r.cache.GetOrFetch(ctx, desc.Payload, r.store.Fetch)

	default:
		return "", domain.Validationf("unsupported input.kind %q", desc.Kind)
	}
}

// decodeInline decodes base64 text, tolerating a data URL prefix, embedded
// whitespace, missing padding and the URL-safe alphabet.
func decodeInline(payload string) ([]byte, error) {
	s := strings.TrimSpace(payload)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, domain.Validationf("malformed data URL in input.payload")
		}
		s = s[idx+1:]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, domain.Validationf("input.payload is empty after decoding")
	}

	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.Validationf("input.payload is not valid base64: %v", err)
	}
	return data, nil
}

func (r *Resolver) download(ctx context.Context, rawURL, workDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", domain.Validationf("input.payload %q is not an http(s) URL", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to build request: %v", domain.ErrFetch, err)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: GET %s: %v", domain.ErrFetch, u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: GET %s returned %s", domain.ErrFetch, u.Redacted(), resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxInputBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: reading body of %s: %v", domain.ErrFetch, u.Redacted(), err)
	}
	if int64(len(data)) > r.cfg.MaxInputBytes {
		return "", domain.Validationf("remote image exceeds %d bytes", r.cfg.MaxInputBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: GET %s returned an empty body", domain.ErrFetch, u.Redacted())
	}

	r.logger.Debug("Remote input downloaded",
		slog.String("url", u.Redacted()),
		slog.Int("size_bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return writeSource(workDir, data)
}

func writeSource(workDir string, data []byte) (string, error) {
	path := filepath.Join(workDir, sourceName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	return path, nil
}
