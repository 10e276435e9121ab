package encoder

import (
	"time"
)

// DefaultDimensions is the hidden size of bert-base-uncased.
const DefaultDimensions = 768

// Backend selects the inference engine used for the text encoder.
type Backend string

const (
	// BackendONNX runs the exported transformer through ONNX Runtime (build tag 'onnx').
	BackendONNX Backend = "onnx"

	// BackendHash produces deterministic token vectors without native dependencies.
	BackendHash Backend = "hash"
)

// ResolverConfig contains artifact resolution configuration
type ResolverConfig struct {
	Backend         Backend       `yaml:"backend" mapstructure:"backend"`                   // "onnx" or "hash"
	CacheDir        string        `yaml:"cache_dir" mapstructure:"cache_dir"`               // "./models"
	AutoDownload    bool          `yaml:"auto_download" mapstructure:"auto_download"`       // true
	HubURL          string        `yaml:"hub_url" mapstructure:"hub_url"`                   // "https://huggingface.co"
	MaxLength       int           `yaml:"max_length" mapstructure:"max_length"`             // 512
	Dimensions      int           `yaml:"dimensions" mapstructure:"dimensions"`             // 768
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout"` // 5m
}

// TokenizedInput represents tokenized text ready for model inference
type TokenizedInput struct {
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32
	Tokens        []string
	Length        int
	OriginalText  string
	Truncated     bool
}

// EncodeResult is the pooled representation of one text
type EncodeResult struct {
	Vector     []float64     `json:"vector"`
	TokenCount int           `json:"token_count"`
	Truncated  bool          `json:"truncated"`
	Duration   time.Duration `json:"duration"`
}

// Stats represents encoder performance statistics
type Stats struct {
	TotalInferences   int64         `json:"total_inferences"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerText  float64       `json:"avg_tokens_per_text"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	ErrorRate         float64       `json:"error_rate"`
	StartTime         time.Time     `json:"start_time"`
}

// EncoderError is a typed encoder failure
type EncoderError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EncoderError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput       = &EncoderError{Type: "invalid_input", Message: "invalid input text", Code: 1001}
	ErrModelNotLoaded     = &EncoderError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002}
	ErrInferenceFailed    = &EncoderError{Type: "inference_failed", Message: "inference failed", Code: 1003}
	ErrTimeout            = &EncoderError{Type: "timeout_error", Message: "operation timed out", Code: 1007}
	ErrTokenizationFailed = &EncoderError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008}
	ErrDownloadFailed     = &EncoderError{Type: "model_download_failed", Message: "model download failed", Code: 1009}
	ErrArtifactNotFound   = &EncoderError{Type: "artifact_not_found", Message: "model artifact not found", Code: 1011}
	ErrBackendUnavailable = &EncoderError{Type: "backend_unavailable", Message: "encoder backend unavailable", Code: 1012}
)
