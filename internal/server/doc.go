// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server serves the web chat page, the chat websocket and the
// status API.
//
// # Endpoints
//
//   - GET  /                    - Embedded chat page
//   - GET  /ws                  - Chat websocket, one session per connection
//   - GET  /api/stats           - Router, registry and meta-router statistics
//   - GET  /api/models          - Current model registry
//   - GET  /api/recommendations - Models worth downloading (?limit=N)
//   - POST /api/refresh         - Refresh the registry now
//   - GET  /api/health          - Inference engine reachability
//   - GET  /api/memory          - Memory configuration
//   - POST /v1/chat/completions - OpenAI-compatible, stateless
//   - GET  /v1/models           - OpenAI-compatible model list
//
// # Websocket protocol
//
// A client frame is either plain query text or {"query": "...", "model":
// "..."}. Every query is answered with a processing frame followed by the
// reply, or by an error frame with model "error-handler". The connection
// stays open after errors.
//
// # Middleware
//
// Requests pass through recovery, security headers, request logging and a
// per-IP token bucket (golang.org/x/time/rate).
package server
