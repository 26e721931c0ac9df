// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/benchmark"
	"github.com/jeranaias/modelmux/internal/config"
)

func newBenchCmd(opts *rootOptions) *cobra.Command {
	var (
		categories []string
		save       bool
	)
	cmd := &cobra.Command{
		Use:   "bench [model...]",
		Short: "Benchmark local models on one prompt per specialization",
		Long: `bench runs a fixed prompt suite against each model and reports throughput,
latency and a quality score per specialization. With no arguments every
locally installed model in the registry is measured. Results are also
recorded in the router's performance history.`,
		Example: `  modelmux bench
  modelmux bench qwen2.5-coder:7b llama3.2:3b
  modelmux bench llama3.2:3b --category coding --category math --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(true)
			if err != nil {
				return err
			}
			defer app.Close()

			models := args
			if len(models) == 0 {
				_ = app.Refresh(cmd.Context())
				for _, m := range app.Registry.Snapshot().Models() {
					if m.Local {
						models = append(models, m.FullName)
					}
				}
				if len(models) == 0 {
					return errors.New("no local models to benchmark (pull one or name it explicitly)")
				}
			}

			runner := benchmark.NewRunner(app.Ollama, app.Local.Tracker())
			tests := benchmark.FilterTests(runner.Tests(), categories)
			if len(tests) == 0 {
				return fmt.Errorf("no benchmark prompts match categories %s", strings.Join(categories, ", "))
			}
			runner.WithTests(tests)

			if !opts.jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d prompts x %d models\n",
					DimStyle.Render("Running"), len(tests), len(models))
			}
			comparison, err := runner.RunComparison(cmd.Context(), models)
			if err != nil && !errors.Is(err, benchmark.ErrAllFailed) {
				return err
			}

			if save {
				if err := saveResults(cmd.OutOrStdout(), comparison, !opts.jsonOutput); err != nil {
					return err
				}
			}
			if opts.jsonOutput {
				if werr := writeJSONOut(cmd.OutOrStdout(), comparison); werr != nil {
					return werr
				}
				return err
			}
			printComparison(cmd.OutOrStdout(), comparison)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only run prompts for these specializations")
	cmd.Flags().BoolVar(&save, "save", false, "save results under the config directory")
	return cmd
}

func saveResults(w io.Writer, c *benchmark.Comparison, verbose bool) error {
	base, err := config.ConfigDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(base, "benchmarks")
	for _, m := range c.Models {
		r := c.Results[m]
		if r == nil {
			continue
		}
		path, err := benchmark.Save(dir, r)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(w, "%s %s\n", DimStyle.Render("Saved"), path)
		}
	}
	return nil
}

func printComparison(w io.Writer, c *benchmark.Comparison) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPASSED\tLATENCY\tSPEED\tQUALITY\tBEST AT")
	for _, r := range c.Ranked() {
		best, ok := r.BestCategory()
		if !ok {
			best = "-"
		}
		fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%.0f\t%s\n",
			r.ModelName, r.PassedTests, len(r.Tests),
			benchmark.FormatDuration(r.AvgLatency),
			benchmark.FormatTokensPerSec(r.AvgTokensPerSec),
			r.AvgQualityScore, best)
	}
	tw.Flush()

	for _, r := range c.Ranked() {
		if len(r.CategoryScores) < 2 {
			continue
		}
		cats := make([]string, 0, len(r.CategoryScores))
		for cat := range r.CategoryScores {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		parts := make([]string, len(cats))
		for i, cat := range cats {
			parts[i] = fmt.Sprintf("%s %.0f", cat, r.CategoryScores[cat])
		}
		fmt.Fprintf(w, "%s %s\n", ModelStyle.Render(r.ModelName), DimStyle.Render(strings.Join(parts, " | ")))
	}
}
