// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/router"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Route a single query and print the answer",
		Example: `  modelmux ask "write a binary search in go"
  modelmux ask --model llama3.2:3b "hello"
  modelmux ask --json "explain monads"`,
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

			res, err := app.Answerer().Query(cmd.Context(), query, router.QueryOptions{Model: model})
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), res)
			}
			printAnswer(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "answer with this model instead of routing")
	return cmd
}

// printAnswer renders the response as markdown with a routing footer.
func printAnswer(w io.Writer, res *metarouter.Result) {
	fmt.Fprintln(w, renderMarkdown(newMarkdownRenderer(), res.Response.Response))
	fmt.Fprintln(w)
	fmt.Fprintln(w, routeLine(res.Response))
	if res.QueryEnhanced && res.OptimizedQuery != "" {
		fmt.Fprintln(w, DimStyle.Render("optimized query: "+res.OptimizedQuery))
	}
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
