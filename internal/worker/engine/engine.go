// Package engine is the boundary to the image synthesis engine. The engine is
// opaque: one blocking call takes the canonical input and parameters and
// either returns encoded buffers per variant or writes files into the output
// directory it is given.
package engine

import (
	"context"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// Request is one engine invocation.
type Request struct {
	JobID      string            `json:"job_id"`
	InputPath  string            `json:"input_path"`
	OutputDir  string            `json:"output_dir"`
	Parameters domain.Parameters `json:"parameters"`
	// Markers maps each requested variant to the filename prefix expected
	// for files the engine writes itself.
	Markers map[string]string `json:"markers,omitempty"`
}

// Engine runs one enhancement.
type Engine interface {
	Invoke(ctx context.Context, req Request) (map[string][]byte, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req Request) (map[string][]byte, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (map[string][]byte, error) {
	return f(ctx, req)
}
