// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists routing performance and chat transcripts.
//
// Everything lives in one SQLite database (modernc.org/sqlite, WAL mode,
// a single connection). The Store satisfies router.Sink, so the router's
// performance tracker flushes into the performance table; the server
// appends one turn row per user query and per reply.
//
// # Usage
//
//	store, err := storage.Open("~/.modelmux/modelmux.db")
//	defer store.Close()
//
//	err = store.AppendTurn(ctx, storage.Turn{SessionID: id, Role: "user", Content: q})
//	sessions, err := store.Sessions(ctx, 20)
//	turns, err := store.Turns(ctx, sessions[0].ID)
//	hits, err := store.Search(ctx, "goroutine", 10)
package storage
