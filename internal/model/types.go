package model

import (
	"time"

	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/scaler"
)

// DefaultModelID is the pretrained encoder used when none is configured.
const DefaultModelID = "bert-base-uncased"

// Config contains facade model configuration
type Config struct {
	ModelID           string        `yaml:"model_id" mapstructure:"model_id"`                     // "bert-base-uncased"
	NumericalFeatures int           `yaml:"numerical_features" mapstructure:"numerical_features"` // 2
	HiddenSizes       []int         `yaml:"hidden_sizes" mapstructure:"hidden_sizes"`             // [512, 256]
	OutputDim         int           `yaml:"output_dim" mapstructure:"output_dim"`                 // 128
	Dropout           float64       `yaml:"dropout" mapstructure:"dropout"`                       // 0.3
	Seed              uint64        `yaml:"seed" mapstructure:"seed"`                             // 42
	ScalerMode        scaler.Mode   `yaml:"scaler_mode" mapstructure:"scaler_mode"`               // "refit" or "frozen"
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`                       // per text encode
}

// DefaultConfig returns the architecture of the reference model.
func DefaultConfig() Config {
	return Config{
		ModelID:           DefaultModelID,
		NumericalFeatures: 2,
		HiddenSizes:       []int{512, 256},
		OutputDim:         128,
		Dropout:           0.3,
		Seed:              42,
		ScalerMode:        scaler.ModeRefit,
		Timeout:           30 * time.Second,
	}
}

// Output is the result of Forward. Every embedding row pairs the same text
// vector with one numerical row.
type Output struct {
	Embeddings        [][]float64 `json:"embeddings"`
	TextFeatures      []float64   `json:"text_features"`
	NumericalFeatures [][]float64 `json:"numerical_features"`
}

// BatchOutput is the result of ForwardBatch, where row i pairs text i with
// numerical row i.
type BatchOutput struct {
	Embeddings        [][]float64 `json:"embeddings"`
	TextFeatures      [][]float64 `json:"text_features"`
	NumericalFeatures [][]float64 `json:"numerical_features"`
}

// Info describes the loaded model.
type Info struct {
	ModelID      string        `json:"model_id"`
	EncoderDim   int           `json:"encoder_dim"`
	NumericalDim int           `json:"numerical_dim"`
	LayerWidths  []int         `json:"layer_widths"`
	Dropout      float64       `json:"dropout"`
	ScalerMode   scaler.Mode   `json:"scaler_mode"`
	ScalerFitted bool          `json:"scaler_fitted"`
	Encoder      encoder.Stats `json:"encoder"`
}
