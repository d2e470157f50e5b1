// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zaprelay",
	Short: "ZapRelay - A replicated object relay",
	Long: `ZapRelay stores whole objects on a set of storage nodes.
A coordinator accepts uploads from clients, relays each one to several
storage nodes at once, and proxies downloads from a single replica.`,
	PersistentPreRunE: setLogLevel,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
}

// setLogLevel applies --log_level when given; LOG_LEVEL is read at startup.
func setLogLevel(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("log_level") {
		return nil
	}
	s, _ := cmd.Flags().GetString("log_level")
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
