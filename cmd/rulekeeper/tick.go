package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rulekeeper/internal/app"
	"rulekeeper/internal/scheduler"
)

func newTickCmd(opts *rootOptions) *cobra.Command {
	var (
		nowRaw string
		limit  int
		noSeed bool
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := scheduler.TickRequest{Limit: limit}
			if nowRaw != "" {
				now, err := time.Parse(time.RFC3339, nowRaw)
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
				req.Now = &now
			}
			return withApp(opts, func(a *app.App) error {
				if !noSeed {
					if err := a.SeedRules(cmd.Context()); err != nil {
						return err
					}
				}
				resp, err := a.Tick(cmd.Context(), req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&nowRaw, "now", "", "evaluate due rules at this RFC3339 instant instead of the current time")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rules to process (1..1000, default 100)")
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "skip upserting the rules listed in the config")
	return cmd
}
