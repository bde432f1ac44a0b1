package domain

// Job record status constants (persisted in the jobs table)
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Terminal response status constants
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Stage is a step of the job lifecycle. Stages are ordered; a job never moves
// to a stage with a lower rank than its current one.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageValidating        Stage = "VALIDATING"
	StageFetchingInput     Stage = "FETCHING_INPUT"
	StageInvokingEngine    Stage = "INVOKING_ENGINE"
	StageCollectingOutputs Stage = "COLLECTING_OUTPUTS"
	StageUploading         Stage = "UPLOADING"
	StageCleanup           Stage = "CLEANUP"
	StageDone              Stage = "DONE"
)

var stageRank = map[Stage]int{
	StageReceived:          0,
	StageValidating:        1,
	StageFetchingInput:     2,
	StageInvokingEngine:    3,
	StageCollectingOutputs: 4,
	StageUploading:         5,
	StageCleanup:           6,
	StageDone:              7,
}

// Rank returns the position of the stage in the lifecycle, or -1 if unknown.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Input descriptor kinds
const (
	InputInlineData = "inline-data"
	InputRemoteURL  = "remote-url"
	InputObjectKey  = "object-key"
)

// inputKindAliases maps the names older clients send onto the canonical kinds.
var inputKindAliases = map[string]string{
	InputInlineData: InputInlineData,
	InputRemoteURL:  InputRemoteURL,
	InputObjectKey:  InputObjectKey,
	"base64":        InputInlineData,
	"url":           InputRemoteURL,
}

// Output variants
const (
	VariantComparison   = "comparison"
	VariantFinalResized = "final_resized"
	VariantFinalHires   = "final_hires"
	VariantFirstHires   = "first_hires"
)

// DefaultVariantMarkers maps each output variant to the filename prefix the
// enhancement workflow saves it under.
var DefaultVariantMarkers = map[string]string{
	VariantComparison:   "RealSkin AI Lite Comparer Original Vs Final",
	VariantFinalResized: "RealSkin AI Light Final Resized to Original Scale",
	VariantFinalHires:   "RealSkin AI Light Final Hi-Rez Output",
	VariantFirstHires:   "RealSkin AI Light First Hi-Rez Output",
}

// Parameter bounds and defaults
const (
	MinDetailAmount      = 0.1
	MaxDetailAmount      = 2.0
	DefaultDetailAmount  = 0.7
	DefaultUpscaleFactor = 4
)

// AllowedUpscaleFactors lists the accepted values of upscale_factor.
var AllowedUpscaleFactors = []int{2, 4}

// DefaultOutputVariants is used when a request omits output_variants.
var DefaultOutputVariants = []string{VariantFinalResized}

// IsKnownVariant reports whether name is one of the fixed output variants.
func IsKnownVariant(name string) bool {
	_, ok := DefaultVariantMarkers[name]
	return ok
}
