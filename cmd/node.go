// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/datanode"
	"github.com/LeeDigitalWorks/zaprelay/pkg/debug"
	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NodeOpts holds all configuration for a storage node
type NodeOpts struct {
	BindAddr  string
	DebugPort int
	NodeID    string

	Backend      types.BackendConfig
	Checksum     utils.ChecksumAlgorithm
	MinFreeSpace *utils.FreeSpace

	MaxConnections int
	AcceptRate     float64
	IOTimeout      time.Duration
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a storage node",
	Long: `Start a ZapRelay storage node. It stores whole objects in one storage
root and serves them to the coordinator.`,
	Run: runNode,
}

func init() {
	rootCmd.AddCommand(nodeCmd)

	f := nodeCmd.Flags()

	f.String("bind_addr", datanode.DefaultAddr, "Address to accept coordinator connections on (host:port)")
	f.Int("debug_port", 6676, "Debug/metrics HTTP port (0 disables)")
	f.String("node_id", "", "Node identifier used in logs (default: hostname)")

	f.String("backend_type", string(types.StorageTypeLocal), "Storage backend: local, s3 or memory")
	f.String("data_dir", "data/node", "Storage root for the local backend")
	f.String("s3_bucket", "", "Bucket for the s3 backend")
	f.String("s3_prefix", "", "Key prefix inside the bucket")
	f.String("s3_region", "us-east-1", "Region for the s3 backend")
	f.String("s3_endpoint", "", "Endpoint for S3-compatible services")
	f.String("s3_access_key", "", "Static access key (default: AWS credential chain)")
	f.String("s3_secret_key", "", "Static secret key")

	f.String("checksum", string(utils.ChecksumMD5), "Digest logged for every saved object: md5, sha256, crc64nvme or none")
	f.String("min_free_space", "", "Refuse uploads below this free space, as a percent (\"5\") or size (\"10GiB\")")

	f.Int("max_connections", 256, "Maximum concurrent connections")
	f.Float64("accept_rate", 0, "Maximum accepted connections per second (0 = unlimited)")
	f.Duration("io_timeout", 0, "Per read/write deadline on connections (0 = none)")
}

func loadNodeOpts(cmd *cobra.Command) NodeOpts {
	fl := NewFlagLoader(cmd)
	opts := NodeOpts{
		BindAddr:  fl.String("bind_addr"),
		DebugPort: fl.Int("debug_port"),
		NodeID:    fl.String("node_id"),
		Backend: types.BackendConfig{
			Type:      types.StorageType(fl.String("backend_type")),
			Path:      utils.ResolvePath(fl.String("data_dir")),
			Bucket:    fl.String("s3_bucket"),
			Prefix:    fl.String("s3_prefix"),
			Region:    fl.String("s3_region"),
			Endpoint:  fl.String("s3_endpoint"),
			AccessKey: fl.String("s3_access_key"),
			SecretKey: fl.String("s3_secret_key"),
		},
		MaxConnections: fl.Int("max_connections"),
		AcceptRate:     fl.Float64("accept_rate"),
		IOTimeout:      fl.Duration("io_timeout"),
	}

	if opts.NodeID == "" {
		opts.NodeID, _ = os.Hostname()
	}

	alg, err := utils.ParseChecksumAlgorithm(fl.String("checksum"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid checksum")
	}
	opts.Checksum = alg

	minFree, err := utils.ParseMinFreeSpace(fl.String("min_free_space"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid min_free_space")
	}
	opts.MinFreeSpace = minFree
	return opts
}

func runNode(cmd *cobra.Command, args []string) {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("node", false)
	opts := loadNodeOpts(cmd)

	debug.SetNotReady()
	debugServer := startHTTPServer(debug.GetMux(), bindHost(opts.BindAddr), opts.DebugPort)
	defer stopHTTPServer(debugServer)

	if opts.Backend.Type == types.StorageTypeLocal {
		if err := utils.EnsureWritableDir(opts.Backend.Path); err != nil {
			logger.Fatal().Err(err).Str("data_dir", opts.Backend.Path).Msg("storage root is not writable")
		}
	}
	store, err := backend.New(opts.Backend)
	if err != nil {
		logger.Fatal().Err(err).Str("backend_type", string(opts.Backend.Type)).Msg("failed to open storage backend")
	}
	defer store.Close()

	if cr, ok := store.(types.CapacityReporter); ok {
		if total, avail, err := cr.Capacity(); err == nil {
			logger.Info().
				Str("total", humanize.IBytes(total)).
				Str("free", humanize.IBytes(avail)).
				Msg("storage root capacity")
		}
	}

	engine := datanode.NewEngine(store, datanode.Config{
		NodeID:       opts.NodeID,
		Checksum:     opts.Checksum,
		MinFreeSpace: opts.MinFreeSpace,
	})
	server := datanode.NewServer(engine, datanode.ServerConfig{
		BindAddr:  opts.BindAddr,
		IOTimeout: opts.IOTimeout,
		Accept: utils.AcceptOptions{
			MaxConnections: opts.MaxConnections,
			AcceptRate:     opts.AcceptRate,
		},
	})
	if err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start storage node")
	}

	ctx, stop := signalContext()
	defer stop()

	debug.SetInfo(withRole(VersionInfo(), "node"))
	debug.SetReadyCheck(engine.Accepting)
	debug.SetReady()
	logger.Info().
		Str("node_id", opts.NodeID).
		Str("backend_type", string(opts.Backend.Type)).
		Str("checksum", string(opts.Checksum)).
		Msg("storage node started")

	if err := server.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("storage node stopped with error")
	}
	debug.SetNotReady()
	logger.Info().Msg("storage node shut down")
}
