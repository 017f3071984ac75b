// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	cmdcommon "postgrespro.ru/segman/cmd"
	"postgrespro.ru/segman/internal/cluster"
)

var putTopologyCmd = &cobra.Command{
	Use:   "puttopology",
	Run:   putTopology,
	Short: "Save current topology to the store, for use when the coordinator is unreachable",
	PreRun: func(c *cobra.Command, args []string) {
		if cfg.TopologySource == cmdcommon.TopologyFromStore {
			hl.Fatalf("topology is already taken from the store")
		}
		if cfg.Store.ClusterName == "" {
			hl.Fatalf("cluster name required")
		}
	},
}

var getTopologyCmd = &cobra.Command{
	Use:   "gettopology",
	Run:   getTopology,
	Short: "Print topology as yaml, suitable for --topology-file",
}

func init() {
	rootCmd.AddCommand(putTopologyCmd)
	rootCmd.AddCommand(getTopologyCmd)
}

func putTopology(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	topo, err := cmdcommon.LoadTopology(ctx, &cfg)
	if err != nil {
		hl.Fatalf("cannot get topology: %v", err)
	}
	cs, err := cluster.NewClusterStore(&cfg.Store)
	if err != nil {
		hl.Fatalf("failed to create store: %v", err)
	}
	defer cs.Close()

	if err := cs.PutTopology(ctx, topo); err != nil {
		hl.Fatalf("failed to save topology: %v", err)
	}
	hl.Infof("saved %d segments of cluster %s", len(topo.Segments()), cfg.Store.ClusterName)
}

func getTopology(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	topo, err := cmdcommon.LoadTopology(ctx, &cfg)
	if err != nil {
		hl.Fatalf("cannot get topology: %v", err)
	}
	data, err := cluster.MarshalSnapshotYAML(topo.Rows())
	if err != nil {
		hl.Fatalf("%v", err)
	}
	fmt.Print(string(data))
}
