package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/trigger"
)

func observeCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Observability and health",
	}

	partyStatus := &cobra.Command{
		Use:   "party-status",
		Short: "Show every agent with health and workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("party-status"); err != nil {
				return err
			}
			statuses, err := a.monitor.PartyStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(statuses)
		},
	}

	sitrep := &cobra.Command{
		Use:   "sitrep",
		Short: "Situation report: plan, flags, party, tasks, log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("sitrep"); err != nil {
				return err
			}
			rep, err := a.monitor.GetSitrep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}

	var windowMin int
	checkActivity := &cobra.Command{
		Use:   "check-activity",
		Short: "Flag tasks without recent movement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("check-activity"); err != nil {
				return err
			}
			stalled, err := a.monitor.CheckActivity(cmd.Context(),
				time.Duration(windowMin)*time.Minute)
			if err != nil {
				return err
			}
			return printJSON(stalled)
		},
	}
	checkActivity.Flags().IntVar(&windowMin, "window-min", 60, "idle window in minutes")

	checkFreshness := &cobra.Command{
		Use:   "check-freshness [agent]",
		Short: "Check context age against class windows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("check-freshness"); err != nil {
				return err
			}
			if len(args) == 1 {
				f, err := a.agents.CheckFreshness(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(f)
			}
			sweep, err := a.monitor.CheckFreshness(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(sweep)
		},
	}

	hpCmd := &cobra.Command{
		Use:   "hp <agent>",
		Short: "Show an agent's HP report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("hp"); err != nil {
				return err
			}
			report, err := a.hp.Snapshot(args[0])
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	flags := &cobra.Command{
		Use:   "flags",
		Short: "List set flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("flags"); err != nil {
				return err
			}
			fl, err := trigger.GetFlags(a.store)
			if err != nil {
				return err
			}
			return printJSON(fl)
		},
	}

	triggers := &cobra.Command{
		Use:   "triggers",
		Short: "List known emergency trigger phrases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("triggers"); err != nil {
				return err
			}
			return printJSON(trigger.List())
		},
	}

	cmd.AddCommand(partyStatus, sitrep, checkActivity, checkFreshness, hpCmd, flags, triggers)
	return cmd
}
