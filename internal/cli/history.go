// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/export"
	"github.com/jeranaias/modelmux/internal/storage"
	"github.com/jeranaias/modelmux/internal/util"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse stored chat transcripts",
		Long: `history reads the transcripts recorded by serve and chat. Session ids may
be shortened to any unique prefix.`,
	}
	cmd.AddCommand(
		newHistoryListCmd(opts),
		newHistoryShowCmd(opts),
		newHistorySearchCmd(opts),
		newHistoryExportCmd(opts),
		newHistoryDeleteCmd(opts),
	)
	return cmd
}

// openStore opens the transcript database named by the config.
func (o *rootOptions) openStore() (*storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, errors.New("storage is disabled (storage.enabled = false)")
	}
	return storage.Open(util.ExpandHome(cfg.Storage.Path))
}

// resolveScanLimit bounds how many sessions a prefix is matched against.
const resolveScanLimit = 10000

// resolveSession expands a unique id prefix to a full session id.
func resolveSession(ctx context.Context, store *storage.Store, prefix string) (string, error) {
	sessions, err := store.Sessions(ctx, resolveScanLimit)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range sessions {
		if s.ID == prefix {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, prefix) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: session %s", storage.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

func newHistoryListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), sessions)
			}
			fmt.Fprintln(cmd.OutOrStdout(), storage.FormatSessionList(sessions))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}

func newHistoryShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := resolveSession(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			tr, err := loadTranscript(cmd.Context(), store, id)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), tr.Turns)
			}
			md, err := export.NewMarkdownExporter(&export.Options{IncludeTimestamps: true}).Export(tr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(newMarkdownRenderer(), string(md)))
			return nil
		},
	}
}

func newHistorySearchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find turns containing text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			turns, err := store.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSONOut(cmd.OutOrStdout(), turns)
			}
			out := cmd.OutOrStdout()
			if len(turns) == 0 {
				fmt.Fprintln(out, DimStyle.Render("No matches."))
				return nil
			}
			for _, t := range turns {
				fmt.Fprintf(out, "%s %s %s: %s\n",
					DimStyle.Render(util.PrefixRunes(t.SessionID, 8)),
					DimStyle.Render(t.Timestamp.Format("2006-01-02 15:04")),
					t.Role,
					util.Preview(t.Content, 100))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum matches")
	return cmd
}

func newHistoryExportCmd(opts *rootOptions) *cobra.Command {
	var (
		output string
		format string
		theme  string
		auto   bool
	)
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a transcript as Markdown, JSON or HTML",
		Example: `  modelmux history export 3f2a > chat.md
  modelmux history export 3f2a -f html -o chat.html
  modelmux history export 3f2a -f json --auto-name`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.ForFormat(format, &export.Options{
				IncludeMetadata:   true,
				IncludeTimestamps: true,
				Theme:             theme,
			})
			if err != nil {
				return err
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := resolveSession(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			tr, err := loadTranscript(cmd.Context(), store, id)
			if err != nil {
				return err
			}
			data, err := exporter.Export(tr)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			if auto && output == "" {
				output = export.Filename(tr, exporter)
			}
			if output == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := util.AtomicWriteFile(output, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Exported to"), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "md", "output format: "+strings.Join(export.Formats, ", "))
	cmd.Flags().StringVar(&theme, "theme", "dark", "HTML theme: dark or light")
	cmd.Flags().BoolVar(&auto, "auto-name", false, "write to a generated file name in the current directory")
	return cmd
}

// loadTranscript reads every turn of a session.
func loadTranscript(ctx context.Context, store *storage.Store, id string) (*export.Transcript, error) {
	turns, err := store.Turns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &export.Transcript{SessionID: id, Turns: turns}, nil
}

func newHistoryDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := resolveSession(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteSession(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Deleted"), id)
			return nil
		},
	}
}

