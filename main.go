// modelmux - route LLM queries to the best local model.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/jeranaias/modelmux/internal/cli"
)

func main() {
	// A .env file in the working directory may carry API keys.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
