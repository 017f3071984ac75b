// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	cmdcommon "postgrespro.ru/segman/cmd"
	"postgrespro.ru/segman/internal/cluster/commands"
)

// for args
var shellCmd string
var withCoordinator bool

var faCmd = &cobra.Command{
	Use:   "forall",
	Run:   forall,
	Short: "Execute shell command on all segment hosts",
	PreRun: func(c *cobra.Command, args []string) {
		if shellCmd == "" {
			hl.Fatalf("command is required")
		}
	},
}

func init() {
	rootCmd.AddCommand(faCmd)

	faCmd.Flags().StringVar(&shellCmd, "cmd", "", "shell command to execute")
	faCmd.Flags().BoolVar(&withCoordinator, "with-coordinator", false, "run on coordinator and standby hosts too")
}

func forall(c *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	topo, err := cmdcommon.LoadTopology(ctx, &cfg)
	if err != nil {
		hl.Fatalf("cannot get topology: %v", err)
	}

	results, err := commands.RunOnAllHosts(ctx, hl, topo, shellCmd, withCoordinator, cmdcommon.Fleet(&cfg))
	for _, res := range results {
		fmt.Printf("Host %s says (rc=%d):\n%s", res.Host, res.Result.ReturnCode, res.Result.Stdout)
		if len(res.Result.Stderr) != 0 {
			fmt.Printf("stderr:\n%s", res.Result.Stderr)
		}
		if !strings.HasSuffix(string(res.Result.Stdout), "\n") {
			fmt.Println()
		}
	}
	if err != nil {
		hl.Fatalf("%v", err)
	}
}
