package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

const forwardLongDesc string = `Encode one text, standardize the numerical rows and print the fused
embeddings as JSON.

Rows are separated by ';' and features by ','.

Examples:
  fusion forward --text "hello world" --numerical "1.5,2;3,4"
  fusion forward --text "hello" -n "1,2" --from best`

func newForwardCmd(a *app) *cobra.Command {
	var (
		text           string
		numerical      string
		checkpointPath string
		from           string
		pretty         bool
		embeddingsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Embed one text with numerical rows",
		Long:  forwardLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := parseRows(numerical)
			if err != nil {
				return err
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

			if err := a.restore(ctx, m, checkpointPath, from); err != nil {
				return err
			}

			out, err := m.Forward(ctx, text, rows)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			if embeddingsOnly {
				return enc.Encode(out.Embeddings)
			}
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "Text to encode")
	cmd.Flags().StringVarP(&numerical, "numerical", "n", "", "Numerical rows, e.g. \"1,2;3,4\"")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Load this checkpoint file first")
	cmd.Flags().StringVar(&from, "from", "", "Load this stored checkpoint first")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	cmd.Flags().BoolVar(&embeddingsOnly, "embeddings-only", false, "Print only the embedding rows")
	if err := cmd.MarkFlagRequired("numerical"); err != nil {
		panic(fmt.Sprintf("forward: %v", err))
	}

	return cmd
}
