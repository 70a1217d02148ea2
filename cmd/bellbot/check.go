package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bellbot/internal/app"
	"bellbot/internal/bell"
	"bellbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and print every watch plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		plans, err := app.CompileWatches(cfg)
		if err != nil {
			return err
		}
		return printPlans(cmd.OutOrStdout(), plans)
	},
}

func printPlans(w io.Writer, plans []app.WatchPlan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range plans {
		fmt.Fprintf(tw, "%s\tchat %d thread %d\t%d rules\n", p.Room, p.Target.ChatID, p.Target.ThreadID, len(p.Matcher.Rules()))
		for _, e := range p.Plan.Entries() {
			text := e.Action.Text
			if e.Action.Kind == bell.Expire {
				text = "(timeout)"
			}
			fmt.Fprintf(tw, "\t+%s\t%s\t%s\n", e.Offset, e.Action.Kind, text)
		}
	}
	return tw.Flush()
}
