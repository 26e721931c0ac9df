// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds the set of candidate models the router scores.
//
// A [Catalog] discovers models (remote URL, local file or the built-in
// catalog) and keeps a cache for when discovery fails. [Registry.Refresh]
// picks one variant tag per model with a [TagPolicy], marks the variants
// the inference engine already has, and swaps in a new immutable
// [Snapshot]. Routing always reads a whole snapshot, old or new.
//
// [Scheduler] drives periodic refreshes with a cron spec.
package registry
