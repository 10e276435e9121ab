//go:build onnx

package encoder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXEncoder runs an exported BERT-style transformer through ONNX Runtime
// and returns its last_hidden_state. Calls are serialized on one session.
type ONNXEncoder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputNames []string
	dims       int
	logger     *zap.Logger
}

// NewONNXEncoder opens modelPath. ONNXRUNTIME_SHARED_LIB (or ORT_SHLIB)
// points at the runtime library when it is not on the default search path.
func NewONNXEncoder(logger *zap.Logger, modelPath string, dims int) (Encoder, error) {
	for _, env := range []string{"ONNXRUNTIME_SHARED_LIB", "ORT_SHLIB"} {
		if lib := os.Getenv(env); lib != "" {
			ort.SetSharedLibraryPath(lib)
			break
		}
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: onnx runtime init: %w", ErrBackendUnavailable, err)
		}
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %w", ErrModelNotLoaded, modelPath, err)
	}

	inputNames := selectInputs(inputsInfo)
	outputName, err := selectOutput(outputsInfo)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrModelNotLoaded, err)
	}

	logger.Info("ONNX encoder ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
		zap.Int("dims", dims))

	return &ONNXEncoder{
		session:    session,
		inputNames: inputNames,
		dims:       dims,
		logger:     logger,
	}, nil
}

// selectInputs orders the declared inputs the way BERT exports name them,
// falling back to alphabetical order for unfamiliar graphs.
func selectInputs(infos []ort.InputOutputInfo) []string {
	declared := make(map[string]string, len(infos))
	for _, info := range infos {
		declared[strings.ToLower(info.Name)] = info.Name
	}

	var names []string
	for _, want := range []string{"input_ids", "attention_mask", "token_type_ids"} {
		if name, ok := declared[want]; ok {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		return names
	}

	for _, info := range infos {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

func selectOutput(infos []ort.InputOutputInfo) (string, error) {
	if len(infos) == 0 {
		return "", fmt.Errorf("%w: onnx model declares no outputs", ErrModelNotLoaded)
	}
	for _, info := range infos {
		if strings.EqualFold(info.Name, "last_hidden_state") {
			return info.Name, nil
		}
	}
	return infos[0].Name, nil
}

// Dimensions returns the hidden size.
func (b *ONNXEncoder) Dimensions() int {
	return b.dims
}

// IsReady reports whether the session is open.
func (b *ONNXEncoder) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil
}

// Close destroys the session and the runtime environment.
func (b *ONNXEncoder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	b.session.Destroy()
	b.session = nil
	return ort.DestroyEnvironment()
}

// Encode returns one hidden-state row per token of input.
func (b *ONNXEncoder) Encode(ctx context.Context, input *TokenizedInput) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqLen := len(input.InputIDs)
	if seqLen == 0 {
		return nil, fmt.Errorf("%w: empty token sequence", ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, fmt.Errorf("%w: onnx session closed", ErrModelNotLoaded)
	}

	inputs, release, err := b.buildInputs(input)
	if err != nil {
		return nil, err
	}
	defer release()

	outputs := []ort.Value{nil}
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("%w: no output tensor", ErrInferenceFailed)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output is not a float32 tensor", ErrInferenceFailed)
	}
	return b.hiddenStates(tensor.GetData(), tensor.GetShape())
}

// buildInputs creates one [1, seq] int64 tensor per session input. release
// destroys them.
func (b *ONNXEncoder) buildInputs(input *TokenizedInput) ([]ort.Value, func(), error) {
	shape := ort.NewShape(1, int64(len(input.InputIDs)))

	var created []*ort.Tensor[int64]
	release := func() {
		for _, t := range created {
			t.Destroy()
		}
	}

	values := make([]ort.Value, 0, len(b.inputNames))
	for _, name := range b.inputNames {
		source := input.InputIDs
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "mask"):
			source = input.AttentionMask
		case strings.Contains(lower, "token_type"), strings.Contains(lower, "segment"):
			source = input.TokenTypeIDs
		}

		data := make([]int64, len(source))
		for i, v := range source {
			data[i] = int64(v)
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%w: %s tensor: %w", ErrInferenceFailed, name, err)
		}
		created = append(created, tensor)
		values = append(values, tensor)
	}
	return values, release, nil
}

// hiddenStates reshapes a [1, seq, dims] output into rows. A pooled
// [1, dims] output becomes a single row.
func (b *ONNXEncoder) hiddenStates(data []float32, shape ort.Shape) ([][]float32, error) {
	var seq, dims int
	switch len(shape) {
	case 2:
		seq, dims = 1, int(shape[1])
	case 3:
		seq, dims = int(shape[1]), int(shape[2])
	default:
		return nil, fmt.Errorf("%w: unsupported output shape %v", ErrInferenceFailed, shape)
	}
	if dims != b.dims {
		return nil, fmt.Errorf("%w: hidden size %d, want %d", ErrInferenceFailed, dims, b.dims)
	}
	if len(data) != seq*dims {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrInferenceFailed, len(data), shape)
	}

	hidden := make([][]float32, seq)
	for s := range hidden {
		row := make([]float32, dims)
		copy(row, data[s*dims:(s+1)*dims])
		hidden[s] = row
	}
	return hidden, nil
}
