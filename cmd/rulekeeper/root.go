package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"rulekeeper/internal/app"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "rulekeeper",
		Short:         "Cron-driven rule scheduler",
		Long:          "rulekeeper runs stored rules on their cron schedules, records every execution and sends success/failure notifications.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config file (.yaml, .yml or .json)")

	cmd.AddCommand(
		newServeCmd(opts),
		newTickCmd(opts),
		newRulesCmd(opts),
		newHandlersCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(opts *rootOptions, fn func(a *app.App) error) error {
	a, err := app.New(opts.configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
