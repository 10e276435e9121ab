package batch

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

// errBadRecord marks input rows that could not be parsed. Readers return it
// wrapped and stay usable for the next row.
var errBadRecord = errors.New("malformed record")

// RecordReader yields input records until io.EOF
type RecordReader interface {
	Read() (*Record, error)
	Close() error
}

// OpenReader opens path according to its extension
func OpenReader(path string) (RecordReader, error) {
	switch DetectFileFormat(path) {
	case FormatParquet:
		return openParquetReader(path)
	case FormatJSONL:
		return openJSONLReader(path)
	default:
		return openCSVReader(path)
	}
}

// csvReader reads files with a header naming a "text" column, an optional
// "id" column and one column per numerical feature.
type csvReader struct {
	file     *os.File
	reader   *csv.Reader
	textCol  int
	idCol    int
	features []int
	line     int
}

func openCSVReader(path string) (*csvReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}

	reader := csv.NewReader(bufio.NewReader(file))
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	r := &csvReader{file: file, reader: reader, textCol: -1, idCol: -1, line: 1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "text":
			r.textCol = i
		case "id":
			r.idCol = i
		default:
			r.features = append(r.features, i)
		}
	}
	if r.textCol < 0 {
		file.Close()
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}
	return r, nil
}

func (r *csvReader) Read() (*Record, error) {
	row, err := r.reader.Read()
	r.line++
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: line %d: %w", errBadRecord, r.line, err)
	}

	rec := &Record{
		Text:     row[r.textCol],
		Features: make([]float64, len(r.features)),
	}
	if r.idCol >= 0 {
		rec.ID = row[r.idCol]
	}
	for i, col := range r.features {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d column %d: %w", errBadRecord, r.line, col+1, err)
		}
		rec.Features[i] = v
	}
	return rec, nil
}

func (r *csvReader) Close() error {
	return r.file.Close()
}

type parquetReader struct {
	file   *os.File
	reader *parquet.Reader
}

func openParquetReader(path string) (*parquetReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	return &parquetReader{file: file, reader: parquet.NewReader(file)}, nil
}

func (r *parquetReader) Read() (*Record, error) {
	var rec Record
	if err := r.reader.Read(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read Parquet record: %w", err)
	}
	return &rec, nil
}

func (r *parquetReader) Close() error {
	err := r.reader.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// jsonlReader reads one JSON object per line
type jsonlReader struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func openJSONLReader(path string) (*jsonlReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	return &jsonlReader{file: file, scanner: scanner}, nil
}

func (r *jsonlReader) Read() (*Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", errBadRecord, r.line, err)
		}
		return &rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSON file: %w", err)
	}
	return nil, io.EOF
}

func (r *jsonlReader) Close() error {
	return r.file.Close()
}
