// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/modelmux/internal/storage"
)

// JSONExporter renders a transcript as an indented JSON document.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a JSON exporter. nil opts means defaults.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

type jsonTranscript struct {
	SessionID string         `json:"session_id"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	TurnCount int            `json:"turn_count"`
	Models    []string       `json:"models,omitempty"`
	Turns     []storage.Turn `json:"turns"`
	Generator string         `json:"generator,omitempty"`
}

// Export renders t.
func (e *JSONExporter) Export(t *Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	doc := jsonTranscript{
		SessionID: t.SessionID,
		TurnCount: len(t.Turns),
		Turns:     t.Turns,
	}
	if e.options.IncludeMetadata {
		started, ended := t.StartedAt(), t.EndedAt()
		doc.StartedAt = &started
		doc.EndedAt = &ended
		doc.Models = t.Models()
		doc.Generator = "modelmux"
	}
	return json.MarshalIndent(doc, "", "  ")
}

// FileExtension returns ".json".
func (e *JSONExporter) FileExtension() string { return ".json" }

// MimeType returns the JSON MIME type.
func (e *JSONExporter) MimeType() string { return "application/json" }
