package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestRequestParameters_Validate(t *testing.T) {
	tests := []struct {
		name      string
		params    RequestParameters
		want      Parameters
		wantErr   bool
		errString string
	}{
		{
			name:   "defaults when fields are absent",
			params: RequestParameters{},
			want: Parameters{
				DetailAmount:   DefaultDetailAmount,
				UpscaleFactor:  DefaultUpscaleFactor,
				OutputVariants: []string{VariantFinalResized},
			},
		},
		{
			name: "explicit empty variant list means no outputs",
			params: RequestParameters{
				OutputVariants: []string{},
			},
			want: Parameters{
				DetailAmount:   DefaultDetailAmount,
				UpscaleFactor:  DefaultUpscaleFactor,
				OutputVariants: []string{},
			},
		},
		{
			name: "valid values and duplicate variants collapsed",
			params: RequestParameters{
				DetailAmount:   floatPtr(1.5),
				UpscaleFactor:  floatPtr(2),
				OutputVariants: []string{VariantComparison, VariantFinalHires, VariantComparison},
			},
			want: Parameters{
				DetailAmount:   1.5,
				UpscaleFactor:  2,
				OutputVariants: []string{VariantComparison, VariantFinalHires},
			},
		},
		{
			name:      "detail amount too high",
			params:    RequestParameters{DetailAmount: floatPtr(5.0)},
			wantErr:   true,
			errString: "detail_amount",
		},
		{
			name:      "detail amount too low",
			params:    RequestParameters{DetailAmount: floatPtr(0.05)},
			wantErr:   true,
			errString: "detail_amount",
		},
		{
			name:      "upscale factor outside set",
			params:    RequestParameters{UpscaleFactor: floatPtr(3)},
			wantErr:   true,
			errString: "upscale_factor",
		},
		{
			name:      "upscale factor not integral",
			params:    RequestParameters{UpscaleFactor: floatPtr(2.5)},
			wantErr:   true,
			errString: "upscale_factor",
		},
		{
			name:      "unknown variant",
			params:    RequestParameters{OutputVariants: []string{"thumbnail"}},
			wantErr:   true,
			errString: "unknown output variant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.params.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInputDescriptor_UnmarshalAndNormalize(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantErr  bool
	}{
		{name: "canonical inline", raw: `{"kind":"inline-data","payload":"abc"}`, wantKind: InputInlineData},
		{name: "canonical key", raw: `{"kind":"object-key","payload":"a.jpg"}`, wantKind: InputObjectKey},
		{name: "type/data alias", raw: `{"type":"url","data":"https://example.com/a.jpg"}`, wantKind: InputRemoteURL},
		{name: "base64 alias", raw: `{"type":"base64","data":"abc"}`, wantKind: InputInlineData},
		{name: "legacy image id", raw: `{"image_id":"Asian+Man+1+Before.jpg"}`, wantKind: InputObjectKey},
		{name: "missing kind", raw: `{"payload":"abc"}`, wantErr: true},
		{name: "unknown kind", raw: `{"kind":"ftp","payload":"abc"}`, wantErr: true},
		{name: "empty payload", raw: `{"kind":"remote-url","payload":"  "}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d InputDescriptor
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &d))

			got, err := d.Normalize()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindValidation, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.NotEmpty(t, got.Payload)
		})
	}
}

func TestJob_Advance(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", InputDescriptor{}, now)

	require.NoError(t, job.Advance(StageValidating, now))
	require.NoError(t, job.Advance(StageValidating, now))
	require.NoError(t, job.Advance(StageCleanup, now))

	err := job.Advance(StageUploading, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageRegression))
	assert.Equal(t, StageCleanup, job.Stage)

	stages := make([]Stage, 0)
	for _, tr := range job.Transitions() {
		stages = append(stages, tr.Stage)
	}
	assert.Equal(t, []Stage{StageReceived, StageValidating, StageCleanup}, stages)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindValidation, KindOf(Validationf("bad")))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("fetch: %w", ErrNotFound)))
	assert.Equal(t, KindTransientStorage, KindOf(&TransientError{Op: "get", Attempts: 3, Err: errors.New("503")}))
	assert.Equal(t, KindEngine, KindOf(fmt.Errorf("%w: boom", ErrEngine)))
	assert.Equal(t, KindUnexpected, KindOf(errors.New("boom")))
}
