// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/session"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with routing and memory",
		Long: `chat opens a REPL backed by one session. Every turn is routed and
remembered, so follow-up questions see earlier context.

Commands during chat:
  /help            Show commands
  /model [name]    Show, pin or unpin ("auto") the model
  /memory          Show memory usage
  /status          Show session status
  /clear           Start a fresh session
  /quit            Exit (also Ctrl+D)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.openApp(true)
			if err != nil {
				return err
			}
			defer app.Close()
			_ = app.Refresh(cmd.Context())

			input := newLineInput()
			defer input.Close()

			c := &chat{
				sessions: app.Sessions,
				model:    model,
				out:      cmd.OutOrStdout(),
				renderer: newMarkdownRenderer(),
			}
			return c.run(cmd.Context(), input)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "pin every turn to this model")
	return cmd
}

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// lineInput is a liner-backed reader with persistent history.
type lineInput struct {
	line        *liner.State
	historyFile string
}

func newLineInput() *lineInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &lineInput{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

// Prompt reads a line and records non-empty input in history.
func (in *lineInput) Prompt(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (in *lineInput) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

type chat struct {
	sessions *session.Manager
	sess     *session.Session
	model    string
	out      io.Writer
	renderer *glamour.TermRenderer
}

// run loops until /quit, EOF or a canceled context.
func (c *chat) run(ctx context.Context, in lineReader) error {
	if err := c.newSession(); err != nil {
		return err
	}
	defer func() { c.sessions.End(c.sess.ID()) }()

	fmt.Fprintln(c.out, TitleStyle.Render("modelmux chat"))
	fmt.Fprintln(c.out, DimStyle.Render("Type /help for commands, /quit or Ctrl+D to exit."))

	for {
		if ctx.Err() != nil {
			return nil
		}
		text, err := in.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(c.out, DimStyle.Render("(use /quit or Ctrl+D to exit)"))
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}

		text = strings.TrimSpace(text)
		switch {
		case text == "":
			continue
		case text == "exit" || text == "quit":
			return nil
		case strings.HasPrefix(text, "/"):
			quit, err := c.command(text)
			if err != nil {
				fmt.Fprintln(c.out, ErrorStyle.Render("Error: ")+err.Error())
			}
			if quit {
				return nil
			}
		default:
			c.ask(ctx, text)
		}
	}
}

func (c *chat) newSession() error {
	s, err := c.sessions.Create()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sess = s
	return nil
}

func (c *chat) ask(ctx context.Context, query string) {
	reply, err := c.sessions.Ask(ctx, c.sess, query, c.model)
	if err != nil {
		fmt.Fprintln(c.out, ErrorStyle.Render("Error: ")+err.Error())
		return
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, renderMarkdown(c.renderer, reply.Response.Response))
	fmt.Fprintln(c.out)
	footer := routeLine(reply.Response)
	if reply.ContextUsed {
		footer += DimStyle.Render(" +memory")
	}
	fmt.Fprintln(c.out, footer)
	fmt.Fprintln(c.out)
}

// command handles a slash command and reports whether to quit.
func (c *chat) command(text string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "q", "exit":
		return true, nil
	case "help", "h":
		fmt.Fprintln(c.out, strings.Join([]string{
			"/model [name]   show, pin or unpin (auto) the model",
			"/memory         show memory usage",
			"/status         show session status",
			"/clear          start a fresh session",
			"/quit           exit",
		}, "\n"))
	case "model", "m":
		switch arg {
		case "":
			current := c.model
			if current == "" {
				current = "auto"
			}
			fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Model"), ModelStyle.Render(current))
		case "auto":
			c.model = ""
			fmt.Fprintln(c.out, SuccessStyle.Render("Routing enabled"))
		default:
			c.model = arg
			fmt.Fprintf(c.out, "%s %s\n", SuccessStyle.Render("Pinned to"), ModelStyle.Render(arg))
		}
	case "memory":
		mem := c.sess.Memory()
		if mem == nil {
			fmt.Fprintln(c.out, DimStyle.Render("Memory is disabled."))
			return false, nil
		}
		st := mem.Stats()
		fmt.Fprintf(c.out, "%s %d\n", RenderLabel("Entries"), st.ShortTermMemories)
		fmt.Fprintf(c.out, "%s %d/%d (%.1f%%)\n", RenderLabel("Tokens"), st.ShortTermTokens, st.TokenLimit, st.TokenUsagePercent)
		fmt.Fprintf(c.out, "%s %d\n", RenderLabel("Summaries"), st.SummariesCreated)
		fmt.Fprintf(c.out, "%s %s (%d)\n", RenderLabel("Long-term store"), st.LongTermStorage, st.LongTermEntries)
		fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Summarizer"), st.Summarizer)
	case "status", "s":
		st, err := c.sessions.Status(c.sess.ID())
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Session"), st.SessionID)
		fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Duration"), session.FormatDuration(st.Duration))
		fmt.Fprintf(c.out, "%s %d\n", RenderLabel("Turns"), st.Turns)
		if st.PreviousModel != "" {
			fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Last model"), ModelStyle.Render(st.PreviousModel))
		}
		if st.Summary != "" {
			fmt.Fprintf(c.out, "%s %s\n", RenderLabel("Summary"), st.Summary)
		}
	case "clear", "c":
		c.sessions.End(c.sess.ID())
		if err := c.newSession(); err != nil {
			return true, err
		}
		fmt.Fprintln(c.out, SuccessStyle.Render("Started a new session"))
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}
