// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metarouter delegates routing decisions to a larger oracle model.
//
// The oracle sees the live registry and returns a JSON decision, optionally
// with a rewritten query and a translation of non-English input. Decisions
// are validated against the registry snapshot, so the chosen model always
// exists, and cached per raw query for one hour.
//
// Every failure (no API key, network error, malformed JSON, rate limit,
// timeout) is recovered by asking the wrapped [router.LocalRouter] instead.
// The oracle call runs as a [Future]; Route blocks on it for at most the
// configured timeout.
package metarouter
