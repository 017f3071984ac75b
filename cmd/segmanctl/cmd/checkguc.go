// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cmdcommon "postgrespro.ru/segman/cmd"
	"postgrespro.ru/segman/internal/cluster/commands"
	"postgrespro.ru/segman/internal/guc"
	"postgrespro.ru/segman/internal/pg"
)

var gucName string

var checkGucCmd = &cobra.Command{
	Use:   "checkguc",
	Run:   checkGuc,
	Short: "Check that configuration parameter has the same value on all segments",
	PreRun: func(c *cobra.Command, args []string) {
		if gucName == "" {
			hl.Fatalf("parameter name is required")
		}
	},
}

func init() {
	rootCmd.AddCommand(checkGucCmd)

	checkGucCmd.Flags().StringVar(&gucName, "name", "", "parameter to check")
}

func checkGuc(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	src, closer, err := cmdcommon.SnapshotSource(&cfg)
	if err != nil {
		hl.Fatalf("%v", err)
	}
	defer closer()

	report, err := commands.CheckGuc(ctx, hl, pg.PgxExecutor{}, cfg.Coordinator, src, gucName, cmdcommon.Fleet(&cfg))
	if err != nil {
		hl.Fatalf("%v", err)
	}
	fmt.Printf("Values of %s on running segments:\n", gucName)
	fmt.Println(report.Database)
	if report.Files != nil {
		fmt.Printf("Values in %s files:\n", guc.ConfigFile)
		fmt.Println(report.Files)
	}
	ok, err := report.Consistent()
	if err != nil {
		hl.Fatalf("%v", err)
	}
	if !ok {
		os.Exit(1)
	}
}
