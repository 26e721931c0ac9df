// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/detect"
	"github.com/jeranaias/modelmux/internal/registry"
)

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var (
		recommend bool
		fit       bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the router can choose from",
		Example: `  modelmux models
  modelmux models --recommend --limit 3
  modelmux models --recommend --fit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.openApp(true)
			if err != nil {
				return err
			}
			defer app.Close()
			_ = app.Refresh(cmd.Context())

			var hw *detect.GpuInfo
			if fit {
				hw = detectHardware(cmd.Context())
			}

			var models []registry.ModelDescriptor
			if recommend {
				// Filter before truncating so --limit counts models that fit.
				models = detect.FilterFits(app.Registry.Recommendations(0), hw)
				if limit > 0 && len(models) > limit {
					models = models[:limit]
				}
			} else {
				models = detect.FilterFits(app.Registry.Snapshot().Models(), hw)
			}
			if opts.jsonOutput {
				payload := map[string]any{
					"models": models,
					"stats":  app.Registry.Stats(),
				}
				if hw != nil {
					payload["hardware"] = hw
				}
				return writeJSONOut(cmd.OutOrStdout(), payload)
			}
			if hw != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", LabelStyle.Render("Hardware:"), hw)
			}
			printModels(cmd.OutOrStdout(), models, recommend)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recommend, "recommend", "r", false, "show models worth downloading")
	cmd.Flags().BoolVar(&fit, "fit", false, "only show models that fit in detected GPU memory")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of recommendations")
	return cmd
}

func printModels(w io.Writer, models []registry.ModelDescriptor, recommend bool) {
	if len(models) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No models available."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if recommend {
		fmt.Fprintln(tw, "MODEL\tPRIORITY\tSIZE\tSPECIALIZATIONS")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", m.FullName, m.DownloadPriority, m.SizeLabel(), strings.Join(m.Specializations, ","))
		}
	} else {
		fmt.Fprintln(tw, "MODEL\tSCORE\tSIZE\tLOCAL\tSPECIALIZATIONS")
		for _, m := range models {
			local := "-"
			if m.Local {
				local = "yes"
			}
			fmt.Fprintf(tw, "%s\t%.0f\t%s\t%s\t%s\n", m.FullName, m.PerformanceScore, m.SizeLabel(), local, strings.Join(m.Specializations, ","))
		}
	}
	tw.Flush()
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the model registry from the catalog and Ollama",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.openApp(true)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Refresh(cmd.Context()); err != nil {
				return fmt.Errorf("failed to refresh: %w", err)
			}
			st := app.Registry.Stats()
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d models (%d local, %d downloadable) from %s\n",
				SuccessStyle.Render("Refreshed:"), st.TotalModels, st.LocalModels, st.DownloadableModels, app.Catalog.LastOrigin())
			return nil
		},
	}
}

// detectHardware is replaced in tests.
var detectHardware = detect.DetectCached
