package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/config"
	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/logger"
	"github.com/raaihank/fusion-encoder/internal/model"
)

const rootLongDesc string = `fusion-encoder fuses a pretrained text encoder with standardized numerical
features into one dense embedding.

  fusion serve                      Run the HTTP inference server
  fusion forward --text ... -n ...  Embed one text with numerical rows
  fusion batch in.csv out.jsonl     Embed a CSV, Parquet or JSONL file
  fusion checkpoint ...             Save, load, inspect and list checkpoints`

// app carries the configuration and logger shared by every subcommand
type app struct {
	configPath string
	logLevel   string

	loader *config.Loader
	cfg    *config.Config
	log    *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "fusion",
		Short:         "Text + numerical feature fusion encoder",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newForwardCmd(a))
	cmd.AddCommand(newBatchCmd(a))
	cmd.AddCommand(newCheckpointCmd(a))
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// load reads the configuration and builds the logger
func (a *app) load() error {
	a.loader = config.NewLoader()
	cfg, err := a.loader.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.log = log
	return nil
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) newModel(ctx context.Context) (*model.Model, error) {
	resolver := encoder.NewLocalResolver(a.cfg.Encoder, a.log.WithComponent("encoder").Logger)
	return model.New(ctx, a.cfg.Model, resolver, a.log.WithComponent("model").Logger)
}

func (a *app) newStore() (checkpoint.Store, error) {
	return checkpoint.NewStore(&a.cfg.Checkpoint, a.log.WithComponent("checkpoint").Logger)
}

// restore loads a checkpoint file when path is set, otherwise the stored
// checkpoint called name when that is set.
func (a *app) restore(ctx context.Context, m *model.Model, path, name string) error {
	switch {
	case path != "":
		return m.Load(ctx, path)
	case name != "":
		store, err := a.newStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return m.LoadFrom(ctx, store, name)
	default:
		a.log.Debug("No checkpoint given, using freshly initialized weights", zap.Uint64("seed", a.cfg.Model.Seed))
		return nil
	}
}

// parseRows parses "1,2;3,4" into [[1 2] [3 4]].
func parseRows(s string) ([][]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("no numerical rows given")
	}

	var rows [][]float64
	for i, part := range strings.Split(s, ";") {
		fields := strings.Split(part, ",")
		row := make([]float64, len(fields))
		for j, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i, j, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
