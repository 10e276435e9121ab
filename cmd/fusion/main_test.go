package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/encoder/encodertest"
	"github.com/raaihank/fusion-encoder/internal/model"
)

// writeConfig lays out a config file, a local vocabulary and a checkpoint
// directory under a temp dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	_, err := encodertest.WriteVocab(filepath.Join(dir, "models", model.DefaultModelID))
	require.NoError(t, err)

	cfg := `
encoder:
  backend: hash
  cache_dir: ` + filepath.Join(dir, "models") + `
  auto_download: false
checkpoint:
  backend: file
  dir: ` + filepath.Join(dir, "ckpt") + `
logging:
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fusion-encoder "+version)
	assert.Contains(t, out, "commit: "+commit)
}

func TestForwardCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "forward", "--text", "hello world", "-n", "1,10;3,30")
	require.NoError(t, err)

	var result model.Output
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Embeddings, 2)
	assert.Len(t, result.Embeddings[0], 128)
	assert.Len(t, result.TextFeatures, 768)
	assert.InDelta(t, -1.0, result.NumericalFeatures[0][0], 1e-9)
	assert.InDelta(t, 1.0, result.NumericalFeatures[1][1], 1e-9)
}

func TestForwardCommandEmbeddingsOnly(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "forward", "-t", "hello", "-n", "1,2", "--embeddings-only")
	require.NoError(t, err)

	var embeddings [][]float64
	require.NoError(t, json.Unmarshal([]byte(out), &embeddings))
	require.Len(t, embeddings, 1)
	assert.Len(t, embeddings[0], 128)
}

func TestForwardCommandErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "-c", cfgPath, "forward", "-t", "hello")
	assert.Error(t, err, "numerical flag is required")

	_, err = run(t, "-c", cfgPath, "forward", "-t", "hello", "-n", "1,2,3")
	assert.Error(t, err, "row width differs from numerical_features")

	_, err = run(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "forward", "-n", "1,2")
	assert.Error(t, err)
}

func TestCheckpointCommands(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "checkpoint", "save", "best", "--fit-numerical", "1,10;3,30")
	require.NoError(t, err)
	assert.Contains(t, out, "saved best to file store")

	out, err = run(t, "-c", cfgPath, "checkpoint", "list", "--json")
	require.NoError(t, err)
	var infos []checkpoint.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "best", infos[0].Name)
	assert.Positive(t, infos[0].Size)

	out, err = run(t, "-c", cfgPath, "checkpoint", "list")
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(out), "NAME")
	assert.Contains(t, out, "best")

	out, err = run(t, "-c", cfgPath, "checkpoint", "inspect", "best")
	require.NoError(t, err)
	var inspected inspectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &inspected))
	assert.Equal(t, "file:best", inspected.Source)
	assert.Equal(t, model.DefaultModelID, inspected.Manifest.ModelID)
	assert.True(t, inspected.Manifest.ScalerFitted)
	assert.Equal(t, 2, inspected.ScalerSamples)
	assert.NotEmpty(t, inspected.Sections)

	out, err = run(t, "-c", cfgPath, "checkpoint", "load", "best")
	require.NoError(t, err)
	var info model.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.True(t, info.ScalerFitted)
	assert.Equal(t, 2, info.NumericalDim)

	file := filepath.Join(dir, "exported.ckpt")
	_, err = run(t, "-c", cfgPath, "checkpoint", "save", "--file", file, "--from", "best")
	require.NoError(t, err)
	assert.FileExists(t, file)

	out, err = run(t, "-c", cfgPath, "checkpoint", "inspect", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, file)

	_, err = run(t, "-c", cfgPath, "checkpoint", "load", "missing")
	assert.Error(t, err)

	_, err = run(t, "-c", cfgPath, "checkpoint", "save")
	assert.Error(t, err)
}

func TestBatchCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	in := filepath.Join(dir, "in.csv")
	csv := "id,text,age,income\na,hello world,30,1000\nb,the model,40,2000\nc,embeddings,50,3000\n"
	require.NoError(t, os.WriteFile(in, []byte(csv), 0644))
	outPath := filepath.Join(dir, "out.jsonl")

	out, err := run(t, "-c", cfgPath, "batch", in, outPath, "--batch-size", "2", "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, `"processed_ok": 3`)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		var rec struct {
			ID        string    `json:"id"`
			Embedding []float64 `json:"embedding"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Len(t, rec.Embedding, 128)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestParseRows(t *testing.T) {
	rows, err := parseRows(" 1, 2 ; 3,4 ")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rows)

	_, err = parseRows("")
	assert.Error(t, err)

	_, err = parseRows("1,x")
	assert.ErrorContains(t, err, "row 0 column 1")
}
