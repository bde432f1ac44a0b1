package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

const maxStderrInError = 2048

// CommandConfig describes the external engine program
type CommandConfig struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	WaitDelay time.Duration
}

// Command runs the engine as an external process. The request is written to
// stdin as JSON and also exposed through ENHANCE_* environment variables.
// Stdout may carry {"outputs": {"<variant>": "<base64>"}}.
type Command struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommand creates a process-backed engine.
func NewCommand(cfg *CommandConfig, logger *slog.Logger) (*Command, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine command path is required")
	}
	c := *cfg
	if c.WaitDelay <= 0 {
		c.WaitDelay = 10 * time.Second
	}
	return &Command{cfg: c, logger: logger}, nil
}

type commandOutput struct {
	Outputs map[string]string `json:"outputs"`
}

// Invoke runs the program once and waits for it to exit.
func (c *Command) Invoke(ctx context.Context, req Request) (map[string][]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Path, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(append(os.Environ(), c.cfg.Env...), requestEnv(req)...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = c.cfg.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	c.logger.Info("Starting engine process",
		slog.String("job_id", req.JobID),
		slog.String("path", c.cfg.Path),
	)

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("engine process interrupted after %s: %w", elapsed.Round(time.Millisecond), ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrInError {
			msg = msg[len(msg)-maxStderrInError:]
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: engine exited with code %d: %s", domain.ErrEngine, exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%w: failed to run engine: %v", domain.ErrEngine, runErr)
	}

	c.logger.Info("Engine process finished",
		slog.String("job_id", req.JobID),
		slog.Duration("elapsed", elapsed),
		slog.Int("stdout_bytes", stdout.Len()),
	)

	return c.parseOutputs(req.JobID, stdout.Bytes())
}

// parseOutputs decodes the optional JSON document on stdout. Anything that is
// not a JSON object is treated as log output. An object that fails to decode
// is logged and ignored so files in the output directory are still collected.
func (c *Command) parseOutputs(jobID string, stdout []byte) (map[string][]byte, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}

	var out commandOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		c.logger.Warn("Engine stdout looks like JSON but could not be decoded, ignoring in-memory outputs",
			slog.String("job_id", jobID),
			slog.Int("stdout_bytes", len(trimmed)),
			slog.Any("error", err),
		)
		return nil, nil
	}

	buffers := make(map[string][]byte, len(out.Outputs))
	for variant, encoded := range out.Outputs {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: output %q is not valid base64: %v", domain.ErrEngine, variant, err)
		}
		buffers[variant] = data
	}
	return buffers, nil
}

func requestEnv(req Request) []string {
	return []string{
		"ENHANCE_JOB_ID=" + req.JobID,
		"ENHANCE_INPUT_PATH=" + req.InputPath,
		"ENHANCE_OUTPUT_DIR=" + req.OutputDir,
		"ENHANCE_DETAIL_AMOUNT=" + strconv.FormatFloat(req.Parameters.DetailAmount, 'f', -1, 64),
		"ENHANCE_UPSCALE_FACTOR=" + strconv.Itoa(req.Parameters.UpscaleFactor),
		"ENHANCE_OUTPUT_VARIANTS=" + strings.Join(req.Parameters.OutputVariants, ","),
	}
}
