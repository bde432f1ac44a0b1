// Package janitor scopes per-job temporary resources and releases device
// memory around engine runs.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuongbtq/enhance-worker/internal/metrics"
)

// Device is the accelerator whose allocator the engine uses.
type Device interface {
	ClearCache(ctx context.Context) error
	Synchronize(ctx context.Context) error
}

// Config holds janitor settings
type Config struct {
	TempRoot         string
	SampleHostMemory bool
}

// Janitor owns job work directories and the device release sequence.
type Janitor struct {
	tempRoot     string
	sampleMemory bool
	device       Device
	logger       *slog.Logger
}

// New creates a janitor. device may be nil when no accelerator is attached.
func New(cfg *Config, device Device, logger *slog.Logger) *Janitor {
	return &Janitor{
		tempRoot:     cfg.TempRoot,
		sampleMemory: cfg.SampleHostMemory,
		device:       device,
		logger:       logger,
	}
}

// WithJobResources creates a private work directory for jobID, runs body in
// it and removes the directory on every exit path. A panic in body still
// triggers removal and is then re-raised.
func (j *Janitor) WithJobResources(ctx context.Context, jobID string, body func(workDir string) error) error {
	if j.tempRoot != "" {
		if mkErr := os.MkdirAll(j.tempRoot, 0o755); mkErr != nil {
			return fmt.Errorf("failed to create temp root: %w", mkErr)
		}
	}
	workDir, err := os.MkdirTemp(j.tempRoot, "job-"+jobID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create job work directory: %w", err)
	}

	j.logger.Debug("Job work directory created",
		slog.String("job_id", jobID),
		slog.String("work_dir", workDir),
	)

	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			j.logger.Error("Failed to remove job work directory",
				slog.String("job_id", jobID),
				slog.String("work_dir", workDir),
				slog.Any("error", rmErr),
			)
			return
		}
		j.logger.Debug("Job work directory removed",
			slog.String("job_id", jobID),
			slog.String("work_dir", workDir),
		)
	}()

	return body(workDir)
}

// ReleaseDevice runs passes rounds of device cache clear, device synchronize
// and host garbage collection. Device errors are logged and do not stop the
// remaining passes. It is safe to call at any time.
func (j *Janitor) ReleaseDevice(ctx context.Context, passes int) {
	if passes <= 0 {
		return
	}

	start := time.Now()
	before := j.hostMemory(ctx)

	for pass := 1; pass <= passes; pass++ {
		if j.device != nil {
			if err := j.device.ClearCache(ctx); err != nil {
				j.logger.Warn("Device cache clear failed",
					slog.Int("pass", pass),
					slog.Any("error", err),
				)
			}
			if err := j.device.Synchronize(ctx); err != nil {
				j.logger.Warn("Device synchronize failed",
					slog.Int("pass", pass),
					slog.Any("error", err),
				)
			}
		}
		runtime.GC()
		debug.FreeOSMemory()
		metrics.DeviceReleasePasses.Inc()
	}

	after := j.hostMemory(ctx)
	attrs := []any{
		slog.Int("passes", passes),
		slog.Duration("elapsed", time.Since(start)),
	}
	if before != nil && after != nil {
		attrs = append(attrs,
			slog.Uint64("host_used_before", before.Used),
			slog.Uint64("host_used_after", after.Used),
			slog.Float64("host_used_percent", after.UsedPercent),
		)
	}
	j.logger.Info("Device resources released", attrs...)
}

func (j *Janitor) hostMemory(ctx context.Context) *mem.VirtualMemoryStat {
	if !j.sampleMemory {
		return nil
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		j.logger.Debug("Host memory sample failed", slog.Any("error", err))
		return nil
	}
	return vm
}
