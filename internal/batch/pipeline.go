// Package batch runs the fusion model over CSV, Parquet or JSONL files.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/fusion-encoder/internal/metrics"
	"github.com/raaihank/fusion-encoder/internal/model"
)

// Forwarder is the part of the model the runner needs
type Forwarder interface {
	ForwardBatch(ctx context.Context, texts []string, batch [][]float64) (*model.BatchOutput, error)
}

// Pipeline reads records in chunks of BatchSize, runs up to WorkerCount
// chunks through the model at once and writes results in input order
type Pipeline struct {
	model   Forwarder
	config  Config
	metrics metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	result *Result
}

type chunk struct {
	index   int64
	first   int64 // input row of records[0]
	records []*Record
}

type chunkResult struct {
	chunk   *chunk
	output  *model.BatchOutput
	err     error
	elapsed time.Duration
}

// NewPipeline creates a new batch pipeline. m may be nil.
func NewPipeline(forwarder Forwarder, config Config, m metrics.Metrics, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &Pipeline{
		model:   forwarder,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// ProcessFile reads inputPath and writes one output record per input row
// to outputPath.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	reader, err := OpenReader(inputPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	writer, err := CreateWriter(outputPath)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Starting batch run",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	result, runErr := p.Process(ctx, reader, writer)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close output: %w", err)
	}
	return result, runErr
}

// Process streams records from reader to writer. Chunks that fail in the
// model are written as error records; only read, write and cancellation
// errors abort the run.
func (p *Pipeline) Process(ctx context.Context, reader RecordReader, writer RecordWriter) (*Result, error) {
	start := time.Now()
	p.mu.Lock()
	p.result = &Result{}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	pending := make(chan chan chunkResult, p.config.WorkerCount)

	g.Go(func() error {
		return p.writeLoop(gctx, pending, writer)
	})

	g.Go(func() error {
		defer close(pending)

		var pool errgroup.Group
		pool.SetLimit(p.config.WorkerCount)

		var row int64
		for index := int64(0); ; index++ {
			records, err := p.readChunk(gctx, reader, &row)
			if err != nil {
				_ = pool.Wait()
				return err
			}
			if len(records) == 0 {
				break
			}
			c := &chunk{index: index, first: row - int64(len(records)), records: records}

			slot := make(chan chunkResult, 1)
			select {
			case pending <- slot:
			case <-gctx.Done():
				_ = pool.Wait()
				return gctx.Err()
			}
			pool.Go(func() error {
				slot <- p.processChunk(gctx, c)
				return nil
			})
		}
		return pool.Wait()
	})

	err := g.Wait()

	result := p.Stats()
	result.Duration = time.Since(start)

	p.logger.Info("Batch run completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("batches", result.Batches),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("forward_time", result.ForwardTime))

	return result, err
}

// readChunk reads up to BatchSize valid records. Malformed rows are counted
// as skipped.
func (p *Pipeline) readChunk(ctx context.Context, reader RecordReader, row *int64) ([]*Record, error) {
	records := make([]*Record, 0, p.config.BatchSize)
	for len(records) < p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, errBadRecord) {
			p.skip(err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}

		if n := p.config.NumericalFeatures; n > 0 && len(rec.Features) != n {
			p.skip(fmt.Errorf("record %q has %d features, want %d", rec.ID, len(rec.Features), n))
			continue
		}
		records = append(records, rec)
		*row++
	}
	return records, nil
}

func (p *Pipeline) processChunk(ctx context.Context, c *chunk) chunkResult {
	texts := make([]string, len(c.records))
	features := make([][]float64, len(c.records))
	for i, rec := range c.records {
		texts[i] = rec.Text
		features[i] = rec.Features
	}

	start := time.Now()
	out, err := p.model.ForwardBatch(ctx, texts, features)
	elapsed := time.Since(start)

	if err == nil && p.metrics != nil {
		p.metrics.ObserveForward(metrics.ForwardBatch, len(c.records), elapsed.Seconds())
	}
	p.logger.Debug("Chunk processed",
		zap.Int64("chunk", c.index),
		zap.Int("records", len(c.records)),
		zap.Duration("duration", elapsed),
		zap.Error(err))

	return chunkResult{chunk: c, output: out, err: err, elapsed: elapsed}
}

// writeLoop drains chunk results in the order chunks were read
func (p *Pipeline) writeLoop(ctx context.Context, pending <-chan chan chunkResult, writer RecordWriter) error {
	for slot := range pending {
		var res chunkResult
		select {
		case res = <-slot:
		case <-ctx.Done():
			return ctx.Err()
		}

		if res.err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.writeChunk(res, writer); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) writeChunk(res chunkResult, writer RecordWriter) error {
	c := res.chunk
	for i, rec := range c.records {
		out := &OutputRecord{Row: c.first + int64(i), ID: rec.ID}
		if res.err != nil {
			out.Error = res.err.Error()
		} else {
			out.Embedding = res.output.Embeddings[i]
		}
		if err := writer.Write(out); err != nil {
			return err
		}
	}

	n := int64(len(c.records))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.TotalRecords += n
	p.result.Batches++
	p.result.ForwardTime += res.elapsed
	if res.err != nil {
		p.result.ProcessedFailed += n
		p.addError(fmt.Sprintf("chunk %d (rows %d-%d): %v", c.index, c.first, c.first+n-1, res.err))
		p.observeRecords(metrics.StatusError, int(n))
	} else {
		p.result.ProcessedOK += n
		p.observeRecords(metrics.StatusOK, int(n))
	}
	return nil
}

func (p *Pipeline) skip(err error) {
	p.logger.Warn("Skipping input record", zap.Error(err))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Skipped++
	p.addError(err.Error())
	p.observeRecords("skipped", 1)
}

// addError must be called with p.mu held
func (p *Pipeline) addError(msg string) {
	if len(p.result.Errors) < maxErrors {
		p.result.Errors = append(p.result.Errors, msg)
	}
}

func (p *Pipeline) observeRecords(status string, n int) {
	if p.metrics != nil {
		p.metrics.ObserveBatchRecords(status, n)
	}
}

// Stats returns a copy of the running totals
func (p *Pipeline) Stats() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return &Result{}
	}
	r := *p.result
	r.Errors = append([]string(nil), p.result.Errors...)
	return &r
}
