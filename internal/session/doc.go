// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs the per-conversation query pipeline.
//
// Each chat connection owns one Session: its hybrid memory, the model that
// answered its previous turn, and activity timestamps. Ask drives one turn
// end to end:
//
//	memory context -> router (meta or local) -> generation -> memory -> transcript
//
// A Session handles one query at a time; a second concurrent Ask fails
// with ErrBusy. The Manager tracks live sessions and reaps those idle for
// longer than the configured timeout.
//
// # Usage
//
//	mgr := session.NewManager(session.DefaultConfig(), answerer, memFactory, store)
//	mgr.Start()
//	defer mgr.Stop()
//
//	s, err := mgr.Create()
//	reply, err := mgr.Ask(ctx, s, "explain channels", "")
package session
