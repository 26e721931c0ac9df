// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama API.
//
// The client is the only inference engine modelmux talks to. It covers
// completions (/api/generate, /api/chat), model management (/api/tags,
// /api/pull) and embeddings (/api/embeddings).
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - Options: sampling parameters forwarded with each request
//   - ClientError: typed error with sentinels ErrNotRunning, ErrTimeout
//     and ErrModelNotFound
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL: "http://127.0.0.1:11434",
//	})
//	resp, err := client.Generate(ctx, "llama3.2:3b", "Why is the sky blue?",
//	    &ollama.Options{Temperature: 0.7, TopK: 40, TopP: 0.9, NumPredict: 2048})
package ollama
