// Package orchestrator drives one enhancement job through its stages:
//
//	RECEIVED → VALIDATING → FETCHING_INPUT → INVOKING_ENGINE →
//	COLLECTING_OUTPUTS → UPLOADING → CLEANUP → DONE
//
// Stages run strictly in sequence. Every stage after RECEIVED runs inside the
// janitor's job scope, so the work directory is removed and CLEANUP is
// recorded exactly once whatever stage fails. The orchestrator is the only
// place that decides whether an error fails the job or only degrades one
// artifact.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cuongbtq/enhance-worker/internal/metrics"
	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
	"github.com/cuongbtq/enhance-worker/internal/worker/engine"
)

const (
	defaultEngineTimeout = 15 * time.Minute
	defaultKeyPrefix     = "enhanced"
	outputSubdir         = "outputs"
)

// Resolver materializes the job input into the work directory.
type Resolver interface {
	Resolve(ctx context.Context, desc domain.InputDescriptor, jobID, workDir string) (string, error)
}

// Collector finds engine artifacts.
type Collector interface {
	Collect(startedAt time.Time, expected []string, extraDirs ...string) (map[string]domain.Artifact, error)
	Marker(variant string) (string, bool)
}

// Uploader stores a local file under key and returns its URL.
type Uploader interface {
	Put(ctx context.Context, localPath, key string) (string, error)
}

// Janitor scopes job resources and releases device memory.
type Janitor interface {
	WithJobResources(ctx context.Context, jobID string, body func(workDir string) error) error
	ReleaseDevice(ctx context.Context, passes int)
}

// Recorder persists job progress. Recorder errors are logged and never fail
// the job.
type Recorder interface {
	RecordStage(ctx context.Context, jobID string, stage domain.Stage) error
	RecordResult(ctx context.Context, resp *domain.Response) error
}

// Config holds orchestrator settings
type Config struct {
	EngineTimeout time.Duration
	KeyPrefix     string
	SuccessPasses int
	FailurePasses int
}

// Dependencies are the collaborators of the orchestrator. Recorder is optional.
type Dependencies struct {
	Resolver  Resolver
	Engine    engine.Engine
	Collector Collector
	Uploader  Uploader
	Janitor   Janitor
	Recorder  Recorder
}

// Orchestrator runs jobs. It is safe for concurrent use; each Run owns its job.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg *Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("orchestrator: resolver is required")
	case deps.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case deps.Collector == nil:
		return nil, errors.New("orchestrator: collector is required")
	case deps.Uploader == nil:
		return nil, errors.New("orchestrator: uploader is required")
	case deps.Janitor == nil:
		return nil, errors.New("orchestrator: janitor is required")
	}

	c := *cfg
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = defaultEngineTimeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	c.KeyPrefix = strings.Trim(c.KeyPrefix, "/")
	if c.SuccessPasses <= 0 {
		c.SuccessPasses = 2
	}
	if c.FailurePasses <= 0 {
		c.FailurePasses = 4
	}

	return &Orchestrator{cfg: c, deps: deps, logger: logger}, nil
}

// run is the per-job state shared by the stages.
type run struct {
	job          *domain.Job
	logger       *slog.Logger
	stageStart   time.Time
	outputs      map[string]string
	uploadErrors map[string]string
	partial      error
}

// Run executes one job and returns its terminal response. It never panics;
// jobID may be empty, in which case a new id is generated.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req *domain.Request) *domain.Response {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if req == nil {
		req = &domain.Request{}
	}

	now := time.Now()
	r := &run{
		job:          domain.NewJob(jobID, req.Input, now),
		logger:       o.logger.With(slog.String("job_id", jobID)),
		stageStart:   now,
		outputs:      make(map[string]string),
		uploadErrors: make(map[string]string),
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	r.logger.Info("Job received", slog.String("input_kind", req.Input.Kind))
	o.recordStage(ctx, r, domain.StageReceived)

	var failedStage domain.Stage
	bodyRan := false

	err := o.deps.Janitor.WithJobResources(ctx, jobID, func(workDir string) (err error) {
		bodyRan = true
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Panic in job pipeline",
					slog.String("stage", string(r.job.Stage)),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: panic at stage %s: %v", domain.ErrUnexpected, r.job.Stage, p)
			}
			if err != nil {
				failedStage = r.job.Stage
			}
			o.advance(ctx, r, domain.StageCleanup)
		}()
		return o.pipeline(ctx, r, req, workDir)
	})
	if !bodyRan {
		failedStage = r.job.Stage
		o.advance(ctx, r, domain.StageCleanup)
	}

	return o.finish(ctx, r, failedStage, err)
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run, req *domain.Request, workDir string) error {
	job := r.job

	o.advance(ctx, r, domain.StageValidating)
	input, params, err := req.Validate()
	if err != nil {
		return err
	}
	job.Input = input
	job.Parameters = params
	r.logger.Info("Request validated",
		slog.String("input_kind", input.Kind),
		slog.Float64("detail_amount", params.DetailAmount),
		slog.Int("upscale_factor", params.UpscaleFactor),
		slog.Any("output_variants", params.OutputVariants),
	)

	o.advance(ctx, r, domain.StageFetchingInput)
	inputPath, err := o.deps.Resolver.Resolve(ctx, input, job.ID, workDir)
	if err != nil {
		return err
	}

	o.advance(ctx, r, domain.StageInvokingEngine)
	outDir := filepath.Join(workDir, outputSubdir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create job output directory: %w", err)
	}

	o.deps.Janitor.ReleaseDevice(ctx, o.cfg.SuccessPasses)
	buffers, err := o.invokeEngine(ctx, r, inputPath, outDir)
	if err != nil {
		o.deps.Janitor.ReleaseDevice(ctx, o.cfg.FailurePasses)
		return err
	}
	o.deps.Janitor.ReleaseDevice(ctx, o.cfg.SuccessPasses)

	if len(params.OutputVariants) == 0 {
		r.logger.Info("No output variants requested, skipping collection and upload")
		return nil
	}

	if err := o.writeBuffers(r, buffers, outDir); err != nil {
		return err
	}

	o.advance(ctx, r, domain.StageCollectingOutputs)
	// Filesystem mtimes may be truncated to the second.
	artifacts, err := o.deps.Collector.Collect(job.StartedAt.Truncate(time.Second), params.OutputVariants, outDir)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("%w: engine produced none of the expected variants %v", domain.ErrEngine, params.OutputVariants)
	}
	for _, v := range params.OutputVariants {
		if _, ok := artifacts[v]; !ok {
			r.logger.Warn("Expected variant was not produced", slog.String("variant", v))
		}
	}

	o.advance(ctx, r, domain.StageUploading)
	return o.upload(ctx, r, artifacts)
}

// invokeEngine makes the single engine call under the engine timeout. The
// call is abandoned when the timeout fires even if the engine ignores ctx.
func (o *Orchestrator) invokeEngine(ctx context.Context, r *run, inputPath, outDir string) (map[string][]byte, error) {
	engineCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	markers := make(map[string]string, len(r.job.Parameters.OutputVariants))
	for _, v := range r.job.Parameters.OutputVariants {
		if m, ok := o.deps.Collector.Marker(v); ok {
			markers[v] = m
		}
	}
	req := engine.Request{
		JobID:      r.job.ID,
		InputPath:  inputPath,
		OutputDir:  outDir,
		Parameters: r.job.Parameters,
		Markers:    markers,
	}

	type result struct {
		buffers map[string][]byte
		err     error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Engine panicked",
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				done <- result{err: fmt.Errorf("%w: engine panicked: %v", domain.ErrEngine, p)}
			}
		}()
		buffers, err := o.deps.Engine.Invoke(engineCtx, req)
		done <- result{buffers: buffers, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-engineCtx.Done():
		res = result{err: engineCtx.Err()}
	}

	elapsed := time.Since(start)
	if res.err != nil {
		if errors.Is(engineCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = fmt.Errorf("%w: engine timed out after %s", domain.ErrEngine, o.cfg.EngineTimeout)
		} else if !errors.Is(res.err, domain.ErrEngine) {
			res.err = fmt.Errorf("%w: %v", domain.ErrEngine, res.err)
		}
		r.logger.Error("Engine invocation failed",
			slog.Duration("elapsed", elapsed),
			slog.Any("error", res.err),
		)
		return nil, res.err
	}

	r.logger.Info("Engine invocation finished",
		slog.Duration("elapsed", elapsed),
		slog.Int("buffers", len(res.buffers)),
	)
	return res.buffers, nil
}

// writeBuffers stores engine-returned buffers in the job output directory
// under their variant marker so the collector treats them like files the
// engine wrote itself.
func (o *Orchestrator) writeBuffers(r *run, buffers map[string][]byte, outDir string) error {
	requested := make(map[string]bool, len(r.job.Parameters.OutputVariants))
	for _, v := range r.job.Parameters.OutputVariants {
		requested[v] = true
	}

	for variant, data := range buffers {
		if !requested[variant] {
			r.logger.Warn("Ignoring unrequested engine output", slog.String("variant", variant))
			continue
		}
		if len(data) == 0 {
			r.logger.Warn("Ignoring empty engine output", slog.String("variant", variant))
			continue
		}
		marker, ok := o.deps.Collector.Marker(variant)
		if !ok {
			marker = variant
		}
		name := fmt.Sprintf("%s_%s%s", marker, r.job.ID, extensionFor(data))
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write engine output %s: %w", variant, err)
		}
	}
	return nil
}

// upload puts every artifact. One failed artifact does not stop the others;
// the job fails only when nothing was uploaded.
func (o *Orchestrator) upload(ctx context.Context, r *run, artifacts map[string]domain.Artifact) error {
	variants := make([]string, 0, len(artifacts))
	for v := range artifacts {
		variants = append(variants, v)
	}
	sort.Strings(variants)

	var merr *multierror.Error
	for _, variant := range variants {
		a := artifacts[variant]
		key := o.objectKey(r.job.ID, variant, a.LocalPath)

		url, err := o.deps.Uploader.Put(ctx, a.LocalPath, key)
		if err != nil {
			metrics.UploadResults.WithLabelValues(metrics.OutcomeFailure).Inc()
			r.uploadErrors[variant] = err.Error()
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", variant, err))
			r.logger.Error("Artifact upload failed",
				slog.String("variant", variant),
				slog.String("key", key),
				slog.Any("error", err),
			)
			continue
		}

		metrics.UploadResults.WithLabelValues(metrics.OutcomeSuccess).Inc()
		r.outputs[variant] = url
		r.logger.Info("Artifact uploaded",
			slog.String("variant", variant),
			slog.String("url", url),
			slog.Int64("size_bytes", a.SizeBytes),
		)
	}

	if merr == nil {
		return nil
	}
	if len(r.outputs) == 0 {
		return fmt.Errorf("all %d artifact uploads failed: %w", len(variants), merr.ErrorOrNil())
	}

	r.partial = fmt.Errorf("%w: %w", domain.ErrPartialUpload, merr.ErrorOrNil())
	r.logger.Warn("Some artifacts failed to upload",
		slog.Int("uploaded", len(r.outputs)),
		slog.Int("failed", len(r.uploadErrors)),
		slog.Any("error", r.partial),
	)
	return nil
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func (o *Orchestrator) objectKey(jobID, variant, localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	if ext == "" {
		ext = ".png"
	}
	return path.Join(o.cfg.KeyPrefix, jobID, variant+ext)
}

// advance moves the job forward and records the transition.
func (o *Orchestrator) advance(ctx context.Context, r *run, stage domain.Stage) {
	prev := r.job.Stage
	if err := r.job.Advance(stage, time.Now()); err != nil {
		r.logger.Error("Invalid stage transition",
			slog.String("from", string(prev)),
			slog.String("to", string(stage)),
			slog.Any("error", err),
		)
		return
	}
	if prev == stage {
		return
	}

	now := time.Now()
	metrics.StageDuration.WithLabelValues(string(prev)).Observe(now.Sub(r.stageStart).Seconds())
	r.stageStart = now

	r.logger.Info("Job stage changed",
		slog.String("from", string(prev)),
		slog.String("stage", string(stage)),
	)
	o.recordStage(ctx, r, stage)
}

func (o *Orchestrator) recordStage(ctx context.Context, r *run, stage domain.Stage) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.RecordStage(context.WithoutCancel(ctx), r.job.ID, stage); err != nil {
		r.logger.Warn("Failed to record job stage",
			slog.String("stage", string(stage)),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, failedStage domain.Stage, err error) *domain.Response {
	job := r.job
	job.FinishedAt = time.Now()

	resp := &domain.Response{
		JobID:      job.ID,
		Outputs:    r.outputs,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}

	if err != nil {
		job.Status = domain.StatusError
		job.FailedStage = failedStage
		resp.Status = domain.StatusError
		resp.Stage = failedStage
		resp.ErrorKind = domain.KindOf(err)
		resp.ErrorMessage = err.Error()
		if len(r.uploadErrors) > 0 {
			resp.UploadErrors = r.uploadErrors
		}
	} else {
		job.Status = domain.StatusSuccess
		resp.Status = domain.StatusSuccess
		if len(r.uploadErrors) > 0 {
			resp.UploadErrors = r.uploadErrors
			resp.ErrorKind = domain.KindPartialUpload
		}
	}

	o.advance(ctx, r, domain.StageDone)

	stageLabel := string(domain.StageDone)
	if resp.Status == domain.StatusError {
		stageLabel = string(failedStage)
	}
	metrics.JobsTotal.WithLabelValues(resp.Status, stageLabel).Inc()
	metrics.JobDuration.WithLabelValues(resp.Status).Observe(job.FinishedAt.Sub(job.StartedAt).Seconds())

	if resp.Status == domain.StatusError {
		r.logger.Error("Job failed",
			slog.String("stage", string(failedStage)),
			slog.String("error_kind", string(resp.ErrorKind)),
			slog.String("error", resp.ErrorMessage),
			slog.Duration("duration", job.FinishedAt.Sub(job.StartedAt)),
		)
	} else {
		r.logger.Info("Job completed",
			slog.Int("outputs", len(resp.Outputs)),
			slog.Int("upload_errors", len(resp.UploadErrors)),
			slog.Duration("duration", job.FinishedAt.Sub(job.StartedAt)),
		)
	}

	if o.deps.Recorder != nil {
		if recErr := o.deps.Recorder.RecordResult(context.WithoutCancel(ctx), resp); recErr != nil {
			r.logger.Error("Failed to record job result", slog.Any("error", recErr))
		}
	}
	return resp
}
