package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/batch"
)

const batchLongDesc string = `Embed every record of a CSV, Parquet or JSONL file.

CSV files need a header with a "text" column, an optional "id" column and one
column per numerical feature. Parquet and JSONL records carry "id", "text"
and "features". Results are written in input order as Parquet when the output
ends in .parquet and as JSONL otherwise; "-" writes JSONL to stdout.

Examples:
  fusion batch reviews.csv embeddings.jsonl
  fusion batch reviews.parquet embeddings.parquet --workers 8 --from best`

func newBatchCmd(a *app) *cobra.Command {
	var (
		batchSize      int
		workers        int
		checkpointPath string
		from           string
	)

	cmd := &cobra.Command{
		Use:   "batch <input> <output>",
		Short: "Embed a CSV, Parquet or JSONL file",
		Long:  batchLongDesc,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			m, err := a.newModel(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := a.restore(ctx, m, checkpointPath, from); err != nil {
				return err
			}

			cfg := batch.Config{
				BatchSize:         a.cfg.Batch.BatchSize,
				WorkerCount:       a.cfg.Batch.WorkerCount,
				NumericalFeatures: m.Info().NumericalDim,
			}
			if batchSize > 0 {
				cfg.BatchSize = batchSize
			}
			if workers > 0 {
				cfg.WorkerCount = workers
			}

			pipeline := batch.NewPipeline(m, cfg, nil, a.log.WithComponent("batch").Logger)
			result, err := pipeline.ProcessFile(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("batch run failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if args[1] == "-" {
				out = cmd.ErrOrStderr()
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}

			if result.ProcessedFailed > 0 {
				a.log.Warn("Some records failed", zap.Int64("failed", result.ProcessedFailed))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per forward pass (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Chunks in flight (default from config)")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Load this checkpoint file first")
	cmd.Flags().StringVar(&from, "from", "", "Load this stored checkpoint first")

	return cmd
}
