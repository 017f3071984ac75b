// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/cluster/commands"
)

// for args
var runID string
var manifestHost string

var manifestsCmd = &cobra.Command{
	Use:   "manifests",
	Run:   showManifests,
	Short: "Print recovery orders saved by recover --save-manifests",
	PreRun: func(c *cobra.Command, args []string) {
		if runID == "" {
			hl.Fatalf("run id is required")
		}
		if cfg.Store.ClusterName == "" {
			hl.Fatalf("cluster name required")
		}
	},
}

func init() {
	rootCmd.AddCommand(manifestsCmd)

	manifestsCmd.Flags().StringVar(&runID, "run-id", "", "recovery run id, as logged by recover")
	manifestsCmd.Flags().StringVar(&manifestHost, "host", "", "print orders of this host only")
}

func showManifests(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	cs, err := cluster.NewClusterStore(&cfg.Store)
	if err != nil {
		hl.Fatalf("failed to create store: %v", err)
	}
	defer cs.Close()

	hosts, err := commands.ShowManifests(ctx, cs, runID, manifestHost)
	if err != nil {
		hl.Fatalf("%v", err)
	}
	for _, h := range hosts {
		fmt.Printf("Host %s:\n", h.Host)
		for _, o := range h.Orders {
			mode := "incremental"
			if o.IsFullResync {
				mode = "full"
			}
			fmt.Printf("  dbid %d %s:%d <- %s:%d, %s, progress in %s\n", o.TargetDbID, h.Host,
				o.TargetPort, o.SourceHostname, o.SourcePort, mode, o.ProgressFile)
		}
	}
}
