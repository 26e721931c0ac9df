// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/logging"
)

// Version information, set at build time via -ldflags.
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags and the lazily loaded config.
type rootOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool

	cfg *config.Config
	// logCloser is set by commands that install file logging.
	logCloser io.Closer
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "modelmux",
		Short: "Route LLM queries to the best local model",
		Long: `modelmux picks the best available Ollama model for each query, optionally
asking an OpenAI model to make the routing decision, and keeps a hybrid
short/long-term memory per conversation.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.modelmux/config.toml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "show log output on interactive commands")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newChatCmd(opts),
		newRouteCmd(opts),
		newModelsCmd(opts),
		newRefreshCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
		newBenchCmd(opts),
	)
	return rootCmd
}

// loadConfig loads the config once per invocation. A broken config file is
// reported and the defaults are used.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	if o.configPath != "" {
		cfg, err := config.LoadFromPath(o.configPath)
		if err != nil {
			return nil, err
		}
		o.cfg = cfg
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		log.Printf("CONFIG_LOAD_WARNING | error=%v", err)
	}
	o.cfg = cfg
	return cfg, nil
}

// quietLogs silences the standard logger for interactive commands unless
// --verbose is set. File logging still applies when configured.
func (o *rootOptions) quietLogs(cfg *config.Config) {
	if o.verbose {
		o.logCloser = logging.Setup(cfg.Logging)
		return
	}
	if cfg.Logging.File != "" {
		o.logCloser = logging.SetupFileOnly(cfg.Logging)
		return
	}
	logging.Discard()
}

// openApp loads config and wires the component graph.
func (o *rootOptions) openApp(interactive bool) (*App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if interactive {
		o.quietLogs(cfg)
	} else {
		o.logCloser = logging.Setup(cfg.Logging)
	}
	return newApp(cfg)
}
