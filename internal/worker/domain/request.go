package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Request is the payload a caller submits for one enhancement job.
type Request struct {
	Input      InputDescriptor   `json:"input"`
	Parameters RequestParameters `json:"parameters"`
}

// InputDescriptor names where the source image comes from.
type InputDescriptor struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// UnmarshalJSON accepts the canonical {kind, payload} shape as well as the
// {type, data} and {image_id} shapes older clients send.
func (d *InputDescriptor) UnmarshalJSON(data []byte) error {
	var aux struct {
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
		Type    string `json:"type"`
		Data    string `json:"data"`
		ImageID string `json:"image_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	d.Kind = aux.Kind
	d.Payload = aux.Payload
	if d.Kind == "" && aux.Type != "" {
		d.Kind = aux.Type
	}
	if d.Payload == "" && aux.Data != "" {
		d.Payload = aux.Data
	}
	if d.Kind == "" && d.Payload == "" && aux.ImageID != "" {
		d.Kind = InputObjectKey
		d.Payload = aux.ImageID
	}
	return nil
}

// RequestParameters holds the raw, unvalidated parameters. Pointers record
// whether a field was present at all.
type RequestParameters struct {
	DetailAmount   *float64 `json:"detail_amount,omitempty"`
	UpscaleFactor  *float64 `json:"upscale_factor,omitempty"`
	OutputVariants []string `json:"output_variants"`
}

// Parameters are the validated enhancement parameters handed to the engine.
type Parameters struct {
	DetailAmount   float64  `json:"detail_amount"`
	UpscaleFactor  int      `json:"upscale_factor"`
	OutputVariants []string `json:"output_variants"`
}

// Validate checks the descriptor shape and parameter ranges and returns the
// normalized input and parameters.
func (r *Request) Validate() (InputDescriptor, Parameters, error) {
	input, err := r.Input.Normalize()
	if err != nil {
		return InputDescriptor{}, Parameters{}, err
	}
	params, err := r.Parameters.Validate()
	if err != nil {
		return InputDescriptor{}, Parameters{}, err
	}
	return input, params, nil
}

// Normalize maps alias kinds onto the canonical ones and rejects descriptors
// that do not name exactly one known kind with a non-empty payload.
func (d InputDescriptor) Normalize() (InputDescriptor, error) {
	kind, ok := inputKindAliases[strings.TrimSpace(d.Kind)]
	if !ok {
		if d.Kind == "" {
			return InputDescriptor{}, Validationf("input.kind is required")
		}
		return InputDescriptor{}, Validationf("unsupported input.kind %q", d.Kind)
	}
	payload := strings.TrimSpace(d.Payload)
	if payload == "" {
		return InputDescriptor{}, Validationf("input.payload is required for kind %q", kind)
	}
	return InputDescriptor{Kind: kind, Payload: payload}, nil
}

// Validate applies defaults and range checks.
func (p RequestParameters) Validate() (Parameters, error) {
	out := Parameters{
		DetailAmount:  DefaultDetailAmount,
		UpscaleFactor: DefaultUpscaleFactor,
	}

	if p.DetailAmount != nil {
		v := *p.DetailAmount
		if math.IsNaN(v) || v < MinDetailAmount || v > MaxDetailAmount {
			return Parameters{}, Validationf("detail_amount must be between %.1f and %.1f, got %v", MinDetailAmount, MaxDetailAmount, v)
		}
		out.DetailAmount = v
	}

	if p.UpscaleFactor != nil {
		v := *p.UpscaleFactor
		if v != math.Trunc(v) || !allowedUpscale(int(v)) {
			return Parameters{}, Validationf("upscale_factor must be one of %v, got %v", AllowedUpscaleFactors, v)
		}
		out.UpscaleFactor = int(v)
	}

	if p.OutputVariants == nil {
		out.OutputVariants = append([]string(nil), DefaultOutputVariants...)
		return out, nil
	}

	seen := make(map[string]bool, len(p.OutputVariants))
	out.OutputVariants = make([]string, 0, len(p.OutputVariants))
	for _, name := range p.OutputVariants {
		name = strings.TrimSpace(name)
		if !IsKnownVariant(name) {
			return Parameters{}, Validationf("unknown output variant %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out.OutputVariants = append(out.OutputVariants, name)
	}
	return out, nil
}

func allowedUpscale(v int) bool {
	for _, f := range AllowedUpscaleFactors {
		if f == v {
			return true
		}
	}
	return false
}

// Response is the terminal result of a job.
type Response struct {
	Status       string            `json:"status"`
	JobID        string            `json:"job_id"`
	Stage        Stage             `json:"stage,omitempty"`
	Outputs      map[string]string `json:"outputs"`
	UploadErrors map[string]string `json:"upload_errors,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}
