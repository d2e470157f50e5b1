// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/catalog"
	"github.com/LeeDigitalWorks/zaprelay/pkg/coordinator"
	"github.com/LeeDigitalWorks/zaprelay/pkg/debug"
	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/registry"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CoordinatorOpts holds all configuration for the coordinator
type CoordinatorOpts struct {
	BindAddr      string
	AdvertiseAddr string // written to the endpoint file; defaults to BindAddr
	DebugPort     int

	RegistryFile      string
	ReplicationFactor int

	Catalog catalog.Config

	MaxConnections int
	AcceptRate     float64
	IOTimeout      time.Duration
	DialTimeout    time.Duration
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Start the coordinator",
	Long: `Start a ZapRelay coordinator. It reads the storage node registry,
accepts client requests and relays object data to and from storage nodes.`,
	Run: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)

	f := coordinatorCmd.Flags()

	f.String("bind_addr", coordinator.DefaultAddr, "Address to accept client connections on (host:port)")
	f.String("advertise_addr", "", "Address written to the coordinator endpoint file (default: bind_addr)")
	f.Int("debug_port", 5565, "Debug/metrics HTTP port (0 disables)")

	f.String("registry_file", registry.DefaultFile, "Storage node registry, one 'host port' per line")
	f.Int("replication_factor", coordinator.DefaultReplicationFactor, "Replicas per object, capped at the number of storage nodes")

	f.String("catalog_type", string(catalog.TypeFile), "Object catalog: file, leveldb, redis or memory")
	f.String("catalog_dir", "data/coordinator", "Directory for the file and leveldb catalogs")
	f.String("redis_addr", "localhost:6379", "Redis address for the redis catalog")
	f.String("redis_prefix", catalog.DefaultRedisPrefix, "Key prefix for the redis catalog")

	f.Int("max_connections", 256, "Maximum concurrent client connections")
	f.Float64("accept_rate", 0, "Maximum accepted connections per second (0 = unlimited)")
	f.Duration("io_timeout", 0, "Per read/write deadline on client and node connections (0 = none)")
	f.Duration("dial_timeout", 5*time.Second, "Timeout for connecting to a storage node")
}

func loadCoordinatorOpts(cmd *cobra.Command) CoordinatorOpts {
	fl := NewFlagLoader(cmd)
	opts := CoordinatorOpts{
		BindAddr:          fl.String("bind_addr"),
		AdvertiseAddr:     fl.String("advertise_addr"),
		DebugPort:         fl.Int("debug_port"),
		RegistryFile:      fl.String("registry_file"),
		ReplicationFactor: fl.Int("replication_factor"),
		Catalog: catalog.Config{
			Type:        catalog.Type(fl.String("catalog_type")),
			Dir:         fl.String("catalog_dir"),
			RedisAddr:   fl.String("redis_addr"),
			RedisPrefix: fl.String("redis_prefix"),
		},
		MaxConnections: fl.Int("max_connections"),
		AcceptRate:     fl.Float64("accept_rate"),
		IOTimeout:      fl.Duration("io_timeout"),
		DialTimeout:    fl.Duration("dial_timeout"),
	}
	if opts.AdvertiseAddr == "" {
		opts.AdvertiseAddr = opts.BindAddr
	}
	opts.RegistryFile = utils.ResolvePath(opts.RegistryFile)
	opts.Catalog.Dir = utils.ResolvePath(opts.Catalog.Dir)

	opts.Catalog.Reserved = reservedNames(opts.RegistryFile)
	return opts
}

// reservedNames lists the coordinator bookkeeping files that may share a
// directory with the file catalog.
func reservedNames(registryFile string) []string {
	return []string{
		coordinator.EndpointFile,
		coordinator.LegacyEndpointFile,
		filepath.Base(registryFile),
	}
}

// endpointFileDir returns where the endpoint file goes. Only the file
// catalog owns a plain directory; a LevelDB directory is left to LevelDB.
func endpointFileDir(cfg catalog.Config) (string, bool) {
	if cfg.Type == "" || cfg.Type == catalog.TypeFile {
		return cfg.Dir, true
	}
	return "", false
}

func runCoordinator(cmd *cobra.Command, args []string) {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("coordinator", false)
	opts := loadCoordinatorOpts(cmd)

	debug.SetNotReady()
	debugServer := startHTTPServer(debug.GetMux(), bindHost(opts.BindAddr), opts.DebugPort)
	defer stopHTTPServer(debugServer)

	reg, err := registry.Load(opts.RegistryFile)
	if err != nil {
		logger.Fatal().Err(err).Str("registry_file", opts.RegistryFile).Msg("failed to load storage node registry")
	}

	usesDir := opts.Catalog.Type == "" || opts.Catalog.Type == catalog.TypeFile || opts.Catalog.Type == catalog.TypeLevelDB
	if usesDir {
		if err := utils.EnsureWritableDir(opts.Catalog.Dir); err != nil {
			logger.Fatal().Err(err).Str("catalog_dir", opts.Catalog.Dir).Msg("catalog directory is not writable")
		}
	}
	store, err := catalog.Open(opts.Catalog)
	if err != nil {
		logger.Fatal().Err(err).Str("catalog_type", string(opts.Catalog.Type)).Msg("failed to open catalog")
	}
	defer store.Close()

	if dir, ok := endpointFileDir(opts.Catalog); ok {
		if err := coordinator.WriteEndpointFile(dir, opts.AdvertiseAddr); err != nil {
			logger.Warn().Err(err).Msg("failed to write coordinator endpoint file")
		}
	}

	engine := coordinator.NewEngine(reg, store, coordinator.Config{
		ReplicationFactor: opts.ReplicationFactor,
		Dialer:            utils.Dialer{DialTimeout: opts.DialTimeout, IOTimeout: opts.IOTimeout},
	})
	server := coordinator.NewServer(engine, coordinator.ServerConfig{
		BindAddr:  opts.BindAddr,
		IOTimeout: opts.IOTimeout,
		Accept: utils.AcceptOptions{
			MaxConnections: opts.MaxConnections,
			AcceptRate:     opts.AcceptRate,
		},
	})
	if err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinator")
	}

	ctx, stop := signalContext()
	defer stop()

	debug.SetInfo(withRole(VersionInfo(), "coordinator"))
	debug.SetReady()
	logger.Info().
		Str("catalog_type", string(opts.Catalog.Type)).
		Str("registry_file", opts.RegistryFile).
		Msg("coordinator started")

	if err := server.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("coordinator stopped with error")
	}
	debug.SetNotReady()
	logger.Info().Msg("coordinator shut down")
}
