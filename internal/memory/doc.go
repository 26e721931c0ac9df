// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory implements per-session hybrid conversation memory.
//
// Recent turns live in a short-term buffer. When the buffer exceeds its
// token or entry limit, everything except the newest KeepRecent entries is
// summarized and pushed into a vectorstore.Store. ContextForQuery blends
// the buffer, the long-term store and the running summary into a context
// block that is prepended to the next query.
//
// A System is owned by one session and serializes its own mutations; it is
// not meant to be shared between sessions.
package memory
