// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across modelmux.
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - WriteJSONFile, ReadJSONFile: JSON snapshots on top of AtomicWriteFile
//
// String Utilities:
//   - TruncateRunes, PrefixRunes: UTF-8 safe truncation
//   - Preview: single-line log previews
package util
