package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rulekeeper/internal/app"
)

func newHandlersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List registered rule handlers and external manifest rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tKIND\tTAGS\tDESCRIPTION")
				for _, d := range a.Registry().List() {
					kind := "builtin"
					if d.ChainNext != "" {
						kind = "builtin -> " + d.ChainNext
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, kind, strings.Join(d.Tags, ","), d.Description)
				}
				for _, name := range a.Executor().ExternalNames() {
					fmt.Fprintf(tw, "%s\texternal\t\t\n", name)
				}
				return tw.Flush()
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store applies pending migrations.
			return withApp(opts, func(a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "storage schema up to date (driver %s)\n", driverName(a))
				return nil
			})
		},
	}
}

func driverName(a *app.App) string {
	if d := strings.TrimSpace(a.Config().Storage.Driver); d != "" {
		return d
	}
	return "sqlite"
}
