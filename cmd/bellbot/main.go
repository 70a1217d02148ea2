package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfgPath          string
	logLevelOverride string
)

var rootCmd = &cobra.Command{
	Use:           "bellbot",
	Short:         "bellbot - watch a quarry's silence in chat rooms",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override logging.level for this run (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
