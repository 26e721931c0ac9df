// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the modelmux command line.
//
// Commands:
//
//	serve               chat web server, websocket and OpenAI-compatible API
//	ask <query>         route one query and print the rendered answer
//	chat                interactive REPL with per-session memory
//	route <query>       print the routing decision without generating
//	models              list the registry (--recommend for downloads)
//	refresh             rebuild the registry
//	config show|init|path|get|set
//	history list|show|search|export|delete
//	bench [model...]    measure models on one prompt per specialization
//
// Every command shares one wiring path (newApp) so the server and the
// terminal commands route identically. Output honors NO_COLOR and
// FORCE_COLOR; --json switches commands to machine-readable output.
package cli
