// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide standard logger.
//
// Log lines follow the EVENT | key=value convention used throughout
// modelmux. With logging.file set, output is also written to a lumberjack
// rotating file.
package logging
