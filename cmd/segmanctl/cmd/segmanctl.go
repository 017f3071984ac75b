// Copyright (c) 2018, Postgres Professional

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cmdcommon "postgrespro.ru/segman/cmd"
	"postgrespro.ru/segman/internal/segmlog"
	"postgrespro.ru/segman/internal/utils"
)

// Here we will store args
var cfg cmdcommon.Config

var hl *segmlog.Logger

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "segmanctl",
	Version: cmdcommon.SegmanVersion,
	Short:   "segment recovery and fleet command tool. Note: you must always run at most one instance of segmanctl at time.",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		hl = segmlog.GetLoggerWithLevel(cfg.LogLevel)

		if err := cmdcommon.CheckConfig(&cfg); err != nil {
			hl.Fatalf("%v", err)
		}
	},
	// bare command does nothing
}

// context cancelled on SIGINT/SIGTERM; running remote commands get killed,
// nothing new is started
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Entry point
func Execute() {
	if err := utils.SetFlagsFromEnv(rootCmd.PersistentFlags(), "SEGMANCTL"); err != nil {
		log.Fatalf("%v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Executed on package init
func init() {
	cmdcommon.AddCommonFlags(rootCmd, &cfg)
}
