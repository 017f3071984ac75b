// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"github.com/spf13/cobra"

	"postgrespro.ru/segman/internal/cluster/commands"
	"postgrespro.ru/segman/internal/pg"
)

var reconfigureCmd = &cobra.Command{
	Use:   "reconfigure",
	Run:   reconfigure,
	Short: "Trigger fault detection and wait until distributed transactions work on all segments",
}

func init() {
	rootCmd.AddCommand(reconfigureCmd)
	addReconfigureFlags(reconfigureCmd)
}

func reconfigure(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	err := commands.Reconfigure(ctx, hl,
		pg.ProbeFTS(pg.PgxExecutor{}, cfg.Coordinator),
		pg.TempTableCheck(cfg.Coordinator),
		reconfigTimeout, nil)
	if err != nil {
		hl.Fatalf("%v", err)
	}
	hl.Infof("cluster converged")
}
