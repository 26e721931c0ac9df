// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// HTMLExporter renders a transcript as a standalone HTML page with
// embedded CSS.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates an HTML exporter. nil opts means defaults.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
)

// Export renders t.
func (e *HTMLExporter) Export(t *Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}
	title := html.EscapeString("Session " + t.SessionID)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("<meta charset=\"UTF-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", title)
	sb.WriteString("<meta name=\"generator\" content=\"modelmux\">\n")
	fmt.Fprintf(&sb, "<meta name=\"date\" content=\"%s\">\n", t.StartedAt().Format(time.RFC3339))
	sb.WriteString(htmlCSS)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s\">\n<div class=\"container\">\n", theme)

	fmt.Fprintf(&sb, "<header><h1>%s</h1>\n", title)
	if e.options.IncludeMetadata {
		sb.WriteString("<div class=\"meta\">")
		fmt.Fprintf(&sb, "<span><strong>Started:</strong> %s</span>", formatTimestamp(t.StartedAt()))
		fmt.Fprintf(&sb, "<span><strong>Turns:</strong> %d</span>", len(t.Turns))
		if models := t.Models(); len(models) > 0 {
			fmt.Fprintf(&sb, "<span><strong>Models:</strong> %s</span>", html.EscapeString(strings.Join(models, ", ")))
		}
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</header>\n<main>\n")

	for _, turn := range t.Turns {
		role := strings.ToLower(turn.Role)
		fmt.Fprintf(&sb, "<div class=\"msg %s\">\n<div class=\"head\"><span class=\"role\">%s</span>",
			html.EscapeString(role), html.EscapeString(roleLabel(turn.Role)))
		if turn.Role == "assistant" && turn.Model != "" {
			fmt.Fprintf(&sb, " <span class=\"model\">%s</span>", html.EscapeString(turn.Model))
		}
		if e.options.IncludeTimestamps && !turn.Timestamp.IsZero() {
			fmt.Fprintf(&sb, " <span class=\"time\">%s</span>", turn.Timestamp.Format("15:04:05"))
		}
		sb.WriteString("</div>\n<div class=\"body\">\n")
		sb.WriteString(formatHTMLContent(turn.Content))
		sb.WriteString("</div>\n")
		if turn.Role == "assistant" && e.options.IncludeMetadata {
			if turn.RoutingMethod != "" || turn.ResponseTimeMs > 0 {
				sb.WriteString("<div class=\"stats\">")
				if turn.RoutingMethod != "" {
					fmt.Fprintf(&sb, "<span>Routed: %s</span>", html.EscapeString(turn.RoutingMethod))
				}
				if turn.ResponseTimeMs > 0 {
					fmt.Fprintf(&sb, "<span>Time: %s</span>", formatDuration(turn.ResponseTimeMs))
				}
				sb.WriteString("</div>\n")
			}
		}
		sb.WriteString("</div>\n")
	}

	sb.WriteString("</main>\n")
	fmt.Fprintf(&sb, "<footer>Exported from <strong>modelmux</strong> on %s</footer>\n",
		time.Now().Format("January 2, 2006 at 3:04 PM"))
	sb.WriteString("</div>\n</body>\n</html>\n")
	return []byte(sb.String()), nil
}

// formatHTMLContent escapes content and converts fenced code blocks, inline
// code and blank-line separated paragraphs.
func formatHTMLContent(content string) string {
	var sb strings.Builder
	rest := content
	for {
		loc := codeBlockRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			sb.WriteString(formatParagraphs(rest))
			break
		}
		sb.WriteString(formatParagraphs(rest[:loc[0]]))
		lang := rest[loc[2]:loc[3]]
		code := strings.TrimRight(rest[loc[4]:loc[5]], "\n")
		sb.WriteString("<div class=\"code\">")
		if lang != "" {
			fmt.Fprintf(&sb, "<div class=\"lang\">%s</div>", html.EscapeString(lang))
		}
		fmt.Fprintf(&sb, "<pre><code class=\"language-%s\">%s</code></pre></div>\n",
			html.EscapeString(lang), html.EscapeString(code))
		rest = rest[loc[1]:]
	}
	return sb.String()
}

func formatParagraphs(text string) string {
	var sb strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		escaped := html.EscapeString(para)
		escaped = inlineCodeRe.ReplaceAllString(escaped, "<code>$1</code>")
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		sb.WriteString("<p>" + escaped + "</p>\n")
	}
	return sb.String()
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string { return ".html" }

// MimeType returns the HTML MIME type.
func (e *HTMLExporter) MimeType() string { return "text/html" }

const htmlCSS = `<style>
* { box-sizing: border-box; margin: 0; padding: 0; }
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; line-height: 1.6; padding: 2rem; }
body.dark { background: #1a1b26; color: #c0caf5; }
body.light { background: #f6f8fa; color: #24292f; }
.container { max-width: 900px; margin: 0 auto; }
header { margin-bottom: 2rem; padding-bottom: 1rem; border-bottom: 1px solid #414868; }
h1 { font-size: 1.6rem; margin-bottom: 0.5rem; }
.meta span { margin-right: 1.5rem; font-size: 0.9rem; opacity: 0.8; }
.msg { margin-bottom: 1.5rem; padding: 1rem 1.25rem; border-radius: 8px; }
.dark .msg.user { background: #24283b; }
.dark .msg.assistant { background: #1f2335; border-left: 3px solid #7aa2f7; }
.light .msg.user { background: #ffffff; border: 1px solid #d0d7de; }
.light .msg.assistant { background: #ffffff; border-left: 3px solid #0969da; }
.head { font-size: 0.85rem; margin-bottom: 0.5rem; }
.role { font-weight: 600; }
.model { font-family: monospace; opacity: 0.8; }
.time { float: right; opacity: 0.6; }
.body p { margin-bottom: 0.75rem; }
.body p:last-child { margin-bottom: 0; }
code { font-family: "JetBrains Mono", Consolas, monospace; font-size: 0.9em; }
.code { margin: 0.75rem 0; }
.lang { font-size: 0.75rem; opacity: 0.7; }
pre { padding: 0.75rem; border-radius: 6px; overflow-x: auto; }
.dark pre { background: #16161e; }
.light pre { background: #f0f2f4; }
.stats { margin-top: 0.5rem; font-size: 0.8rem; opacity: 0.7; }
.stats span { margin-right: 1rem; }
footer { margin-top: 2rem; font-size: 0.8rem; opacity: 0.6; text-align: center; }
</style>
`
