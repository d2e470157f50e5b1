// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/client"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a coordinator",
	Long:  `Upload, download, list and delete objects through a ZapRelay coordinator.`,
}

var clientUploadCmd = &cobra.Command{
	Use:   "upload <file> [name]",
	Short: "Upload a local file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		start := time.Now()
		n, err := c.UploadFile(cmd.Context(), args[0], name)
		if err != nil {
			return err
		}
		if name == "" {
			name = filepath.Base(args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%s) in %s\n", name, humanize.IBytes(uint64(n)), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var clientDownloadCmd = &cobra.Command{
	Use:   "download <name> [file]",
	Short: "Download an object to a local file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		path := args[0]
		if len(args) == 2 {
			path = args[1]
		}

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		start := time.Now()
		n, err := c.Download(cmd.Context(), args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s (%s) in %s\n", args[0], humanize.IBytes(uint64(n)), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := newClient(cmd).List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Delete(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(clientUploadCmd, clientDownloadCmd, clientListCmd, clientDeleteCmd)

	f := clientCmd.PersistentFlags()
	f.String("coordinator", "127.0.0.1:5555", "Coordinator address (host:port)")
	f.Duration("dial_timeout", 5*time.Second, "Timeout for connecting to the coordinator")
	f.Duration("io_timeout", 0, "Per read/write deadline (0 = none)")
}

func newClient(cmd *cobra.Command) *client.Client {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("client", false)
	fl := NewFlagLoader(cmd)
	return client.New(fl.String("coordinator"),
		client.WithTimeouts(fl.Duration("dial_timeout"), fl.Duration("io_timeout")))
}
