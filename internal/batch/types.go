package batch

import (
	"path/filepath"
	"strings"
	"time"
)

// Record is one input row: a text and its numerical features
type Record struct {
	ID       string    `parquet:"id" json:"id,omitempty"`
	Text     string    `parquet:"text" json:"text"`
	Features []float64 `parquet:"features" json:"features"`
}

// OutputRecord is one result row. Row is the zero-based index of the record
// among the valid input records. Records whose chunk failed carry Error
// instead of an embedding.
type OutputRecord struct {
	Row       int64     `parquet:"row" json:"row"`
	ID        string    `parquet:"id" json:"id,omitempty"`
	Embedding []float64 `parquet:"embedding" json:"embedding,omitempty"`
	Error     string    `parquet:"error" json:"error,omitempty"`
}

// Result summarizes a batch run
type Result struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Skipped         int64         `json:"skipped"`
	Batches         int64         `json:"batches"`
	Duration        time.Duration `json:"duration"`
	ForwardTime     time.Duration `json:"forward_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains batch runner configuration
type Config struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`     // 64
	WorkerCount int `yaml:"worker_count" mapstructure:"worker_count"` // 4
	// NumericalFeatures rejects rows of any other width before batching when
	// positive.
	NumericalFeatures int `yaml:"-" mapstructure:"-"`
}

// maxErrors bounds Result.Errors
const maxErrors = 100

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension. Unknown extensions
// are read as CSV and written as JSONL.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	case ".csv":
		return FormatCSV
	default:
		return ""
	}
}
