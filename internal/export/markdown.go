// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"
)

// MarkdownExporter renders a transcript as Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a Markdown exporter. nil opts means defaults.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export renders t.
func (e *MarkdownExporter) Export(t *Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", t.SessionID)

	if e.options.IncludeMetadata {
		fmt.Fprintf(&sb, "- **Started**: %s\n", t.StartedAt().Format(time.RFC3339))
		fmt.Fprintf(&sb, "- **Last turn**: %s\n", t.EndedAt().Format(time.RFC3339))
		fmt.Fprintf(&sb, "- **Turns**: %d\n", len(t.Turns))
		if models := t.Models(); len(models) > 0 {
			fmt.Fprintf(&sb, "- **Models**: %s\n", strings.Join(models, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("---\n\n")

	for _, turn := range t.Turns {
		sb.WriteString("**" + roleLabel(turn.Role) + "**")
		if turn.Role == "assistant" && turn.Model != "" {
			sb.WriteString(" `" + turn.Model + "`")
		}
		if e.options.IncludeTimestamps && !turn.Timestamp.IsZero() {
			sb.WriteString(" (" + turn.Timestamp.Format("15:04") + ")")
		}
		sb.WriteString(":\n\n")
		sb.WriteString(turn.Content)
		sb.WriteString("\n\n")

		if turn.Role == "assistant" && e.options.IncludeMetadata {
			if stats := markdownStats(turn.RoutingMethod, turn.ResponseTimeMs); stats != "" {
				sb.WriteString(stats + "\n\n")
			}
		}
		sb.WriteString("---\n\n")
	}
	return []byte(sb.String()), nil
}

func markdownStats(method string, ms int64) string {
	var parts []string
	if method != "" {
		parts = append(parts, "routed: "+method)
	}
	if ms > 0 {
		parts = append(parts, "time: "+formatDuration(ms))
	}
	if len(parts) == 0 {
		return ""
	}
	return "_" + strings.Join(parts, " | ") + "_"
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// MimeType returns the Markdown MIME type.
func (e *MarkdownExporter) MimeType() string { return "text/markdown" }
