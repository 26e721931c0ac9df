// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/router"
)

func newRouteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "route <query>",
		Short: "Show which model a query would be routed to",
		Long: `route runs the routing decision without generating an answer. With
--json the full decision is printed, including the rewrite and translation
when the meta-router is enabled.`,
		Example: `  modelmux route "prove that sqrt(2) is irrational"
  modelmux route --json "fix this python traceback"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return fmt.Errorf("query is empty")
			}
			app, err := opts.openApp(true)
			if err != nil {
				return err
			}
			defer app.Close()
			_ = app.Refresh(cmd.Context())

			d, err := app.Route(cmd.Context(), query)
			if err != nil {
				return fmt.Errorf("routing failed: %w", err)
			}
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), d)
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func printDecision(w io.Writer, d *router.RoutingDecision) {
	fmt.Fprintln(w, TitleStyle.Render("Routing decision"))
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", RenderLabel(label), ValueStyle.Render(value))
		}
	}
	row("Model", ModelStyle.Render(d.Model))
	row("Method", string(d.Method))
	row("Confidence", fmt.Sprintf("%.2f", d.Confidence))
	row("Query type", d.QueryType)
	row("Complexity", d.Complexity.String())
	row("Specializations", strings.Join(d.Specializations, ", "))
	row("Alternatives", strings.Join(d.Alternatives, ", "))
	if d.DownloadNeeded {
		row("Download", WarningStyle.Render("model is not installed"))
	}
	row("Reasoning", d.Reasoning)
	if d.Enhanced() {
		row("Optimized query", d.Rewrite.Optimized)
	}
	if d.Translation != nil && d.Translation.Applied {
		row("Translated from", d.Translation.LanguageName)
	}
}
