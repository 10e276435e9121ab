package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
)

const checkpointLongDesc string = `Save, load, inspect and list model checkpoints.

Checkpoints live in the configured store (file, redis or postgres) under a
name, or in a plain file when --file is given.

  fusion checkpoint save <name>      Save the current weights
  fusion checkpoint load <name>      Verify a checkpoint loads into this model
  fusion checkpoint inspect <name>   Print the manifest and sections
  fusion checkpoint list             List stored checkpoints`

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage model checkpoints",
		Long:  checkpointLongDesc,
	}

	cmd.AddCommand(newCheckpointSaveCmd(a))
	cmd.AddCommand(newCheckpointLoadCmd(a))
	cmd.AddCommand(newCheckpointInspectCmd(a))
	cmd.AddCommand(newCheckpointListCmd(a))

	return cmd
}

func newCheckpointSaveCmd(a *app) *cobra.Command {
	var (
		file      string
		from      string
		numerical string
	)

	cmd := &cobra.Command{
		Use:   "save [name]",
		Short: "Save the model weights and scaler statistics",
		Long: `Save the model weights and scaler statistics.

Without --from the freshly initialized weights for the configured seed are
saved. --fit-numerical fits the scaler on the given rows first, which gives
frozen-mode deployments fixed statistics.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && file == "" {
				return fmt.Errorf("give a checkpoint name or --file")
			}
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

			if err := a.restore(ctx, m, "", from); err != nil {
				return err
			}
			if numerical != "" {
				rows, err := parseRows(numerical)
				if err != nil {
					return err
				}
				if _, _, err := m.NormalizeNumerical(ctx, rows); err != nil {
					return err
				}
			}

			if file != "" {
				if err := m.Save(ctx, file); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", file)
				return nil
			}

			store, err := a.newStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := m.SaveTo(ctx, store, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s to %s store\n", args[0], a.cfg.Checkpoint.Backend)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Write to this file instead of the store")
	cmd.Flags().StringVar(&from, "from", "", "Start from this stored checkpoint")
	cmd.Flags().StringVar(&numerical, "fit-numerical", "", "Fit the scaler on these rows before saving, e.g. \"1,2;3,4\"")

	return cmd
}

func newCheckpointLoadCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "load [name]",
		Short: "Load a checkpoint and print the resulting model info",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && file == "" {
				return fmt.Errorf("give a checkpoint name or --file")
			}
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

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := a.restore(ctx, m, file, name); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m.Info())
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Read this file instead of the store")

	return cmd
}

type inspectSection struct {
	Tag   string `json:"tag"`
	Bytes int    `json:"bytes"`
}

type inspectOutput struct {
	Source        string              `json:"source"`
	Size          int                 `json:"size"`
	Manifest      checkpoint.Manifest `json:"manifest"`
	Sections      []inspectSection    `json:"sections"`
	ScalerSamples int                 `json:"scaler_samples,omitempty"`
}

func newCheckpointInspectCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inspect [name]",
		Short: "Print the manifest and sections of a checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && file == "" {
				return fmt.Errorf("give a checkpoint name or --file")
			}
			if err := a.load(); err != nil {
				return err
			}
			defer a.close()

			data, source, err := a.readCheckpoint(cmd.Context(), file, args)
			if err != nil {
				return err
			}

			sections, err := checkpoint.DecodeSections(data)
			if err != nil {
				return err
			}
			cp, err := checkpoint.Unmarshal(data)
			if err != nil {
				return err
			}

			out := inspectOutput{Source: source, Size: len(data), Manifest: cp.Manifest}
			for _, s := range sections {
				out.Sections = append(out.Sections, inspectSection{Tag: s.Tag, Bytes: len(s.Payload)})
			}
			if cp.ScalerStats != nil {
				out.ScalerSamples = cp.ScalerStats.Samples
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Read this file instead of the store")

	return cmd
}

func (a *app) readCheckpoint(ctx context.Context, file string, args []string) ([]byte, string, error) {
	if file != "" {
		data, err := checkpoint.ReadFile(file)
		return data, file, err
	}

	store, err := a.newStore()
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	data, err := store.Get(ctx, args[0])
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, "", fmt.Errorf("checkpoint %q not found in %s store", args[0], a.cfg.Checkpoint.Backend)
	}
	return data, a.cfg.Checkpoint.Backend + ":" + args[0], err
}

func newCheckpointListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			defer a.close()

			store, err := a.newStore()
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				if infos == nil {
					infos = []checkpoint.Info{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Name", "Size", "Updated"})
			table.SetBorder(false)
			for _, info := range infos {
				table.Append([]string{
					info.Name,
					strconv.FormatInt(info.Size, 10),
					info.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}
