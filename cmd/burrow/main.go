// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Command burrow is the administration tool for a burrow data directory:
// index creation, drop, and rebuild against an offline engine.
package main

import (
	"fmt"
	"os"

	"github.com/burrowdb/burrow/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(stderr *os.File) *cobra.Command {
	conf := newConfig()
	rc := &cobra.Command{
		Use:           "burrow",
		Short:         "burrow - embedded table storage administration",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return conf.load()
		},
	}
	rc.PersistentFlags().StringVarP(&conf.ConfigPath, "config", "c", "", "Path to TOML configuration file.")
	rc.PersistentFlags().StringVarP(&conf.Dir, "dir", "d", conf.Dir, "Data directory.")
	rc.PersistentFlags().BoolVar(&conf.Verbose, "verbose", false, "Enable verbose logging.")

	log := func() logger.Logger {
		if conf.Verbose {
			return logger.NewVerboseLogger(stderr)
		}
		return logger.NewStandardLogger(stderr)
	}
	rc.AddCommand(newCreateIndexCommand(conf, log))
	rc.AddCommand(newDropIndexCommand(conf, log))
	rc.AddCommand(newReindexCommand(conf, log))
	rc.AddCommand(newRebuildTableCommand(conf, log))
	rc.AddCommand(newPushTreeCommand(conf, log))
	rc.AddCommand(newPullTreeCommand(conf, log))
	return rc
}
