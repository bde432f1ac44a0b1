package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestCommand(t *testing.T, script string) *Command {
	t.Helper()
	cmd, err := NewCommand(&CommandConfig{Path: writeScript(t, script), WaitDelay: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return cmd
}

func testRequest(outDir string) Request {
	return Request{
		JobID:     "job-1",
		InputPath: "/tmp/input.png",
		OutputDir: outDir,
		Parameters: domain.Parameters{
			DetailAmount:   0.7,
			UpscaleFactor:  4,
			OutputVariants: []string{domain.VariantFinalResized},
		},
	}
}

func TestCommand_ReturnsStdoutBuffers(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	cmd := newTestCommand(t, `cat >/dev/null
echo "loading model..." >&2
echo '{"outputs": {"final_resized": "`+encoded+`"}}'
`)

	out, err := cmd.Invoke(context.Background(), testRequest(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{domain.VariantFinalResized: []byte("png-bytes")}, out)
}

func TestCommand_WritesFilesUsingEnv(t *testing.T) {
	outDir := t.TempDir()
	cmd := newTestCommand(t, `cat >/dev/null
printf 'x' > "$ENHANCE_OUTPUT_DIR/result_${ENHANCE_UPSCALE_FACTOR}_${ENHANCE_OUTPUT_VARIANTS}.png"
echo "done"
`)

	out, err := cmd.Invoke(context.Background(), testRequest(outDir))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.FileExists(t, filepath.Join(outDir, "result_4_final_resized.png"))
}

func TestCommand_NonZeroExit(t *testing.T) {
	cmd := newTestCommand(t, `echo "CUDA out of memory" >&2
exit 3
`)

	_, err := cmd.Invoke(context.Background(), testRequest(t.TempDir()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEngine))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestCommand_ContextDeadline(t *testing.T) {
	cmd := newTestCommand(t, `sleep 5
`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := cmd.Invoke(ctx, testRequest(t.TempDir()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseOutputs(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("jpeg"))

	tests := []struct {
		name    string
		stdout  string
		want    map[string][]byte
		wantErr bool
		wantLog string
	}{
		{name: "empty"},
		{name: "plain log line", stdout: "plain log line\n"},
		{name: "outputs object", stdout: `{"outputs": {"comparison": "` + encoded + `"}}`, want: map[string][]byte{"comparison": []byte("jpeg")}},
		{name: "bad base64", stdout: `{"outputs": {"comparison": "%%%"}}`, wantErr: true},
		{name: "truncated object", stdout: `{"outputs": {"comparison": "` + encoded, wantLog: "could not be decoded"},
		{name: "python dict repr", stdout: "{'prompt_id': 'abc'}\n", wantLog: "could not be decoded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			cmd, err := NewCommand(&CommandConfig{Path: "engine"}, slog.New(slog.NewTextHandler(&logs, nil)))
			require.NoError(t, err)

			out, err := cmd.parseOutputs("job-1", []byte(tt.stdout))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrEngine))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			if tt.wantLog != "" {
				assert.Contains(t, logs.String(), "level=WARN")
				assert.Contains(t, logs.String(), tt.wantLog)
				assert.Contains(t, logs.String(), "job_id=job-1")
			} else {
				assert.Empty(t, logs.String())
			}
		})
	}
}

func TestFunc(t *testing.T) {
	var got Request
	e := Func(func(_ context.Context, req Request) (map[string][]byte, error) {
		got = req
		return map[string][]byte{"comparison": {1}}, nil
	})

	out, err := e.Invoke(context.Background(), testRequest("/out"))
	require.NoError(t, err)
	assert.Equal(t, "/out", got.OutputDir)
	assert.Len(t, out, 1)
}

func TestNewCommand_RequiresPath(t *testing.T) {
	_, err := NewCommand(&CommandConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
