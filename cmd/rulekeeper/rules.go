package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rulekeeper/internal/app"
	"rulekeeper/internal/callback"
	"rulekeeper/internal/schedule"
	"rulekeeper/internal/storage"
)

func newRulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and manage stored rules",
	}
	cmd.AddCommand(
		newRulesListCmd(opts),
		newRulesAddCmd(opts),
		newRulesToggleCmd(opts, "enable", true),
		newRulesToggleCmd(opts, "disable", false),
		newRulesHistoryCmd(opts),
	)
	return cmd
}

func newRulesListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app.App) error {
				list, err := a.Store().ListRules(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSCHEDULE\tACTIVE\tHANDLER\tNEXT RUN\tID")
				for _, r := range list {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
						r.Name, r.Schedule, r.IsActive, r.ExecutionScriptPath,
						r.NextRunAt.Format(time.RFC3339), r.ID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRulesAddCmd(opts *rootOptions) *cobra.Command {
	var (
		name, sched, script           string
		payloadRaw, onSuccess, onFail string
		inactive                      bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule, or update the rule with the same name",
		Example: `  rulekeeper rules add --name greet --schedule "*/5 * * * *" --script hello_world \
    --payload '{"name":"ops"}' \
    --on-failure '{"type":"telegram","config":{"chat_id":"-1001234"}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := map[string]any{}
			if strings.TrimSpace(payloadRaw) != "" {
				if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			succ, err := callback.ParseSpec([]byte(onSuccess))
			if err != nil {
				return fmt.Errorf("--on-success: %w", err)
			}
			fail, err := callback.ParseSpec([]byte(onFail))
			if err != nil {
				return fmt.Errorf("--on-failure: %w", err)
			}
			next, err := schedule.NextRun(sched, time.Now().UTC())
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				// Report callback configs that would be skipped at run time.
				for hook, sp := range map[string]*callback.Spec{"on_success": succ, "on_failure": fail} {
					if sp != nil && a.Callbacks().Build(sp) == nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s callback %q builds no handler\n", hook, sp.Type)
					}
				}
				r, created, err := storage.UpsertRule(cmd.Context(), a.Store(), storage.Rule{
					Name:                name,
					Schedule:            sched,
					IsActive:            !inactive,
					Payload:             payload,
					ExecutionScriptPath: script,
					OnSuccess:           succ,
					OnFailure:           fail,
					NextRunAt:           next,
				})
				if err != nil {
					return err
				}
				verb := "updated"
				if created {
					verb = "created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s rule %s (%s), next run %s\n", verb, r.Name, r.ID, r.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "rule name (unique)")
	f.StringVar(&sched, "schedule", "", "cron expression")
	f.StringVar(&script, "script", "", "handler name or script path")
	f.StringVar(&payloadRaw, "payload", "", "payload JSON object")
	f.StringVar(&onSuccess, "on-success", "", `success callback JSON {"type": ..., "config": {...}}`)
	f.StringVar(&onFail, "on-failure", "", "failure callback JSON")
	f.BoolVar(&inactive, "inactive", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newRulesToggleCmd(opts *rootOptions, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name|id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				r, err := storage.SetRuleActive(cmd.Context(), a.Store(), args[0], active)
				if err != nil {
					return fmt.Errorf("%s %q: %w", verb, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule %s is_active=%t\n", r.Name, r.IsActive)
				return nil
			})
		},
	}
}

func newRulesHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history <name|id>",
		Short: "Show recent executions of a rule, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				r, err := storage.FindRule(cmd.Context(), a.Store(), args[0])
				if err != nil {
					return fmt.Errorf("rule %q: %w", args[0], err)
				}
				execs, err := a.Store().ListExecutions(cmd.Context(), r.ID, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), execs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EXECUTED AT\tSTATUS\tSUMMARY")
				for _, e := range execs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ExecutedAt.Format(time.RFC3339), e.Status, oneLine(e.LogSummary, 80))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max executions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
