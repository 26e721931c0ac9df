// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders stored chat transcripts as Markdown, JSON or HTML.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/storage"
)

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is one session's turns in chronological order.
type Transcript struct {
	SessionID string
	Turns     []storage.Turn
}

// StartedAt is the timestamp of the first turn.
func (t *Transcript) StartedAt() time.Time {
	if len(t.Turns) == 0 {
		return time.Time{}
	}
	return t.Turns[0].Timestamp
}

// EndedAt is the timestamp of the last turn.
func (t *Transcript) EndedAt() time.Time {
	if len(t.Turns) == 0 {
		return time.Time{}
	}
	return t.Turns[len(t.Turns)-1].Timestamp
}

// Models lists the distinct models that answered, in first-use order.
func (t *Transcript) Models() []string {
	seen := make(map[string]bool)
	var models []string
	for _, turn := range t.Turns {
		if turn.Role != "assistant" || turn.Model == "" || seen[turn.Model] {
			continue
		}
		seen[turn.Model] = true
		models = append(models, turn.Model)
	}
	return models
}

var (
	ErrNilTranscript   = errors.New("transcript is nil")
	ErrEmptyTranscript = errors.New("transcript has no turns")
)

func validate(t *Transcript) error {
	if t == nil {
		return ErrNilTranscript
	}
	if len(t.Turns) == 0 {
		return ErrEmptyTranscript
	}
	return nil
}

// =============================================================================
// EXPORTER
// =============================================================================

// Exporter converts a transcript to one output format.
type Exporter interface {
	Export(t *Transcript) ([]byte, error)

	// FileExtension includes the leading dot.
	FileExtension() string

	MimeType() string
}

// Options configures exporters.
type Options struct {
	// IncludeMetadata adds a header with the session id, time span and models.
	IncludeMetadata bool

	// IncludeTimestamps adds the time to each turn.
	IncludeTimestamps bool

	// Theme is "dark" or "light" and only affects HTML.
	Theme string
}

// DefaultOptions returns options with metadata and timestamps on.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "dark",
	}
}

// Formats lists the names accepted by ForFormat.
var Formats = []string{"md", "json", "html"}

// ForFormat returns the exporter for a format name.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "md", "markdown", "":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	case "html", "htm":
		return NewHTMLExporter(opts), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

// Filename suggests a file name for an exported transcript.
func Filename(t *Transcript, e Exporter) string {
	id := t.SessionID
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	stamp := t.StartedAt().Format("20060102_150405")
	return fmt.Sprintf("session_%s_%s%s", sanitizeFilename(id), stamp, e.FileExtension())
}

// =============================================================================
// HELPERS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names on
// common platforms.
func sanitizeFilename(s string) string {
	if s == "" {
		return "session"
	}
	var sb strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			sb.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			sb.WriteRune('_')
		case r < 32 || r == 127:
			sb.WriteRune('-')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// formatDuration formats milliseconds for display.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := float64(ms) / 1000.0
	if seconds < 60 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	return fmt.Sprintf("%dm %ds", int(seconds/60), int(seconds)%60)
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	case "":
		return "Unknown"
	default:
		r := []rune(role)
		return strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:]))
	}
}
