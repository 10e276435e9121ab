//go:build !onnx

package encoder

import (
	"fmt"

	"go.uber.org/zap"
)

// NewONNXEncoder always fails in builds without the 'onnx' tag.
func NewONNXEncoder(logger *zap.Logger, modelPath string, dims int) (Encoder, error) {
	logger.Warn("ONNX encoder requested in a build without the 'onnx' tag",
		zap.String("model", modelPath), zap.Int("dims", dims))
	return nil, fmt.Errorf("%w: rebuild with -tags onnx to load %s", ErrBackendUnavailable, modelPath)
}
