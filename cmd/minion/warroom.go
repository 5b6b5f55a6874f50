package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func warroomCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "war-room",
		Short: "Plans and the shared log",
	}

	setPlan := &cobra.Command{
		Use:   "set-plan <agent> <text>",
		Short: "Set the active plan, superseding the previous one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("set-plan"); err != nil {
				return err
			}
			plan, err := a.plans.SetPlan(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}

	var withText bool
	getPlan := &cobra.Command{
		Use:   "get-plan",
		Short: "Show the active plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("get-plan"); err != nil {
				return err
			}
			plan, err := a.plans.GetPlan(cmd.Context())
			if err != nil {
				return err
			}
			if withText {
				return printJSON(map[string]interface{}{
					"plan": plan,
					"text": a.plans.PlanText(cmd.Context()),
				})
			}
			return printJSON(plan)
		},
	}
	getPlan.Flags().BoolVar(&withText, "text", false, "include the plan body")

	updateStatus := &cobra.Command{
		Use:   "update-plan-status <plan-id> <status>",
		Short: "Mark a plan completed or canceled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("update-plan-status"); err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			plan, err := a.plans.UpdatePlanStatus(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}

	var priority string
	logCmd := &cobra.Command{
		Use:   "log <agent> <entry>",
		Short: "Append to the shared log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("log"); err != nil {
				return err
			}
			entry, err := a.plans.Log(cmd.Context(), args[0], args[1], priority)
			if err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
	logCmd.Flags().StringVar(&priority, "priority", "", "low, normal, or high")

	var count int
	getLog := &cobra.Command{
		Use:   "get-log",
		Short: "Show recent log entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("get-log"); err != nil {
				return err
			}
			entries, err := a.plans.GetLog(cmd.Context(), count)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	getLog.Flags().IntVar(&count, "count", 20, "entries to return")

	cmd.AddCommand(setPlan, getPlan, updateStatus, logCmd, getLog)
	return cmd
}
