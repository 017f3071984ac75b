// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"time"

	"github.com/spf13/cobra"

	cmdcommon "postgrespro.ru/segman/cmd"
	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/cluster/commands"
	"postgrespro.ru/segman/internal/pg"
)

// for args
var fullResync bool
var logDir string
var agent string
var saveManifests bool
var reconfigTimeout time.Duration

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Run:   recoverSegments,
	Short: "Recover all down segments from their peers and wait until the cluster uses them",
}

func addReconfigureFlags(c *cobra.Command) {
	c.Flags().DurationVar(&reconfigTimeout, "timeout", 10*time.Minute,
		"how long to wait for fault detection probe and then for convergence")
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().BoolVar(&fullResync, "full", false, "full copy instead of incremental rewind")
	recoverCmd.Flags().StringVar(&logDir, "progress-dir", "/tmp",
		"directory on segment hosts for recovery progress files")
	recoverCmd.Flags().StringVar(&agent, "agent", "", "recovery agent executable on segment hosts")
	recoverCmd.Flags().BoolVar(&saveManifests, "save-manifests", false,
		"save recovery orders of each host to the store")
	addReconfigureFlags(recoverCmd)
}

func recoverSegments(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	src, closer, err := cmdcommon.SnapshotSource(&cfg)
	if err != nil {
		hl.Fatalf("%v", err)
	}
	defer closer()

	opts := commands.RecoverOptions{
		Fleet:   cmdcommon.Fleet(&cfg),
		Full:    fullResync,
		LogDir:  logDir,
		Agent:   agent,
		Probe:   pg.ProbeFTS(pg.PgxExecutor{}, cfg.Coordinator),
		Check:   pg.TempTableCheck(cfg.Coordinator),
		Timeout: reconfigTimeout,
	}
	if saveManifests {
		cs, err := cluster.NewClusterStore(&cfg.Store)
		if err != nil {
			hl.Fatalf("failed to create store: %v", err)
		}
		defer cs.Close()
		opts.Store = cs
	}

	if err := commands.RecoverSegments(ctx, hl, src, opts); err != nil {
		hl.Fatalf("%v", err)
	}
	hl.Infof("recovery done")
}
