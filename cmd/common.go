// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/cluster/commands"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/pg"
	"postgrespro.ru/segman/internal/store"
)

// set in Makefile
var SegmanVersion = "not defined during build"

const (
	TopologyFromCatalog = "catalog"
	TopologyFromFile    = "file"
	TopologyFromStore   = "store"
)

type Config struct {
	Store       cluster.ClusterStoreConnInfo
	Coordinator pg.ConnTarget

	TopologySource string
	TopologyFile   string

	// installation prefix on segment hosts
	Home     string
	Parallel int
	LogLevel string
}

func AddCommonFlags(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().StringVar(&cfg.Store.ClusterName, "cluster-name", "", "cluster name")
	cmd.PersistentFlags().StringVar(&cfg.Store.StoreConnInfo.Endpoints, "store-endpoints",
		store.DefaultEtcdEndpoints[0],
		"a comma-delimited list of store endpoints (use https scheme for tls communication)")
	cmd.PersistentFlags().StringVar(&cfg.Store.StoreConnInfo.CAFile, "store-ca-file", "",
		"verify certificates of HTTPS-enabled store using this CA bundle")
	cmd.PersistentFlags().StringVar(&cfg.Store.StoreConnInfo.CertFile, "store-cert-file", "",
		"certificate file for client identification to the store")
	cmd.PersistentFlags().StringVar(&cfg.Store.StoreConnInfo.Key, "store-key", "",
		"private key file for client identification to the store")

	cmd.PersistentFlags().StringVar(&cfg.Coordinator.Host, "coordinator-host", "localhost",
		"coordinator host")
	cmd.PersistentFlags().IntVar(&cfg.Coordinator.Port, "coordinator-port", 5432,
		"coordinator port")
	cmd.PersistentFlags().StringVar(&cfg.Coordinator.DBName, "dbname", "postgres",
		"database to connect to")
	cmd.PersistentFlags().StringVar(&cfg.Coordinator.User, "user", "",
		"database user")
	cmd.PersistentFlags().StringVar(&cfg.Coordinator.Password, "password", "",
		"database password")

	cmd.PersistentFlags().StringVar(&cfg.TopologySource, "topology-source", TopologyFromCatalog,
		"where to take segments from: catalog|file|store")
	cmd.PersistentFlags().StringVar(&cfg.TopologyFile, "topology-file", "",
		"yaml file with segments, for --topology-source=file")

	cmd.PersistentFlags().StringVar(&cfg.Home, "home", "",
		"installation directory on segment hosts; its bin is added to PATH")
	cmd.PersistentFlags().IntVar(&cfg.Parallel, "parallel", 16,
		"max number of hosts worked on at once, 0 for no limit")

	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info",
		"error|warn|info|debug")
}

// check options
func CheckConfig(cfg *Config) error {
	switch cfg.TopologySource {
	case TopologyFromCatalog:
	case TopologyFromFile:
		if cfg.TopologyFile == "" {
			return fmt.Errorf("topology file required")
		}
	case TopologyFromStore:
		if cfg.Store.ClusterName == "" {
			return fmt.Errorf("cluster name required")
		}
	default:
		return fmt.Errorf("unknown topology source %q", cfg.TopologySource)
	}
	if cfg.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative")
	}
	return nil
}

// SnapshotSource gives topology according to config. Returned closer must
// be called when done.
func SnapshotSource(cfg *Config) (cluster.SnapshotSource, func() error, error) {
	nop := func() error { return nil }
	switch cfg.TopologySource {
	case TopologyFromFile:
		return cluster.FileSnapshotSource{Path: cfg.TopologyFile}, nop, nil
	case TopologyFromStore:
		cs, err := cluster.NewClusterStore(&cfg.Store)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create store: %v", err)
		}
		return cluster.StoreSnapshotSource{CS: cs}, cs.Close, nil
	}
	return pg.CatalogSnapshotSource{Exec: pg.PgxExecutor{}, Target: cfg.Coordinator}, nop, nil
}

func Fleet(cfg *Config) commands.FleetOptions {
	return commands.FleetOptions{
		Home:      cfg.Home,
		Transport: command.SSHTransport{},
		Parallel:  cfg.Parallel,
	}
}

// LoadTopology is SnapshotSource + cluster.Load
func LoadTopology(ctx context.Context, cfg *Config) (*cluster.Topology, error) {
	src, closer, err := SnapshotSource(cfg)
	if err != nil {
		return nil, err
	}
	defer closer()
	return cluster.Load(ctx, src)
}
