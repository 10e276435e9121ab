package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
)

// RecordWriter receives output records in input order
type RecordWriter interface {
	Write(*OutputRecord) error
	Close() error
}

// CreateWriter creates path and picks Parquet or JSONL from its extension.
// "-" writes JSONL to stdout.
func CreateWriter(path string) (RecordWriter, error) {
	if path == "-" {
		return newJSONLWriter(nopCloser{os.Stdout}), nil
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	if DetectFileFormat(path) == FormatParquet {
		return newParquetWriter(file), nil
	}
	return newJSONLWriter(file), nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type jsonlWriter struct {
	out     io.WriteCloser
	buf     *bufio.Writer
	encoder *json.Encoder
}

func newJSONLWriter(out io.WriteCloser) *jsonlWriter {
	buf := bufio.NewWriter(out)
	return &jsonlWriter{out: out, buf: buf, encoder: json.NewEncoder(buf)}
}

func (w *jsonlWriter) Write(rec *OutputRecord) error {
	return w.encoder.Encode(rec)
}

func (w *jsonlWriter) Close() error {
	err := w.buf.Flush()
	if cerr := w.out.Close(); err == nil {
		err = cerr
	}
	return err
}

type parquetWriter struct {
	file   *os.File
	writer *parquet.Writer
}

func newParquetWriter(file *os.File) *parquetWriter {
	return &parquetWriter{
		file:   file,
		writer: parquet.NewWriter(file, parquet.SchemaOf(new(OutputRecord))),
	}
}

func (w *parquetWriter) Write(rec *OutputRecord) error {
	return w.writer.Write(rec)
}

func (w *parquetWriter) Close() error {
	err := w.writer.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}
