package janitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultDeviceTimeout = 30 * time.Second

// HTTPDeviceConfig holds the address of the engine runner that owns the
// accelerator.
type HTTPDeviceConfig struct {
	BaseURL      string
	Timeout      time.Duration
	UnloadModels bool
}

// HTTPDevice releases accelerator memory held by an out-of-process engine
// runner. ClearCache posts to the runner's /free endpoint and Synchronize
// waits for /system_stats to answer, reporting per-device VRAM.
type HTTPDevice struct {
	baseURL      *url.URL
	unloadModels bool
	client       *http.Client
	logger       *slog.Logger
}

type freeRequest struct {
	UnloadModels bool `json:"unload_models"`
	FreeMemory   bool `json:"free_memory"`
}

type systemStats struct {
	Devices []struct {
		Name      string `json:"name"`
		VRAMTotal uint64 `json:"vram_total"`
		VRAMFree  uint64 `json:"vram_free"`
	} `json:"devices"`
}

// NewHTTPDevice creates a device backed by the runner at cfg.BaseURL.
func NewHTTPDevice(cfg *HTTPDeviceConfig, logger *slog.Logger) (*HTTPDevice, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid device url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("device url %q must be an absolute http(s) url", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeviceTimeout
	}

	return &HTTPDevice{
		baseURL:      u,
		unloadModels: cfg.UnloadModels,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}, nil
}

// ClearCache asks the runner to free cached device memory.
func (d *HTTPDevice) ClearCache(ctx context.Context) error {
	body, err := json.Marshal(freeRequest{UnloadModels: d.unloadModels, FreeMemory: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint("free"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build free request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to free device memory: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to free device memory: runner returned %s", resp.Status)
	}
	return nil
}

// Synchronize blocks until the runner reports its device state.
func (d *HTTPDevice) Synchronize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint("system_stats"), nil)
	if err != nil {
		return fmt.Errorf("failed to build system stats request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to read device state: runner returned %s", resp.Status)
	}

	var stats systemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode device state: %w", err)
	}

	for _, dev := range stats.Devices {
		d.logger.Debug("Device memory",
			slog.String("device", dev.Name),
			slog.Uint64("vram_total", dev.VRAMTotal),
			slog.Uint64("vram_free", dev.VRAMFree),
		)
	}
	return nil
}

func (d *HTTPDevice) endpoint(name string) string {
	return d.baseURL.JoinPath(name).String()
}
