// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for modelmux.
//
// Supports both TOML and JSON configuration formats, with defaults for every
// routing, memory and server constant, environment variable overrides, and
// validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.modelmux/config.toml
//   - ~/.modelmux/config.json
//   - Built-in defaults
//
// MODELMUX_HOME relocates the directory. A broken or invalid file never stops
// startup: Load returns the defaults together with the error.
//
// Watch reloads the file on change and publishes it through SetGlobal.
package config
