package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/daemon"
	"github.com/minionhq/minion/internal/provider"
)

func daemonCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Per-agent daemon runtime",
	}

	var class, model, providerName, binary string
	run := &cobra.Command{
		Use:   "run <agent>",
		Short: "Run the poll loop in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("daemon-run"); err != nil {
				return err
			}

			var prov provider.Provider
			switch providerName {
			case "", "claude":
				prov = provider.NewClaudeProvider(binary, int64(a.cfg.Daemon.ContextWindow), a.log)
			default:
				return fmt.Errorf("unknown provider: %s", providerName)
			}

			runner := daemon.NewRunner(a.cfg, args[0], class, model, a.store, prov,
				a.bus, a.agents, a.comms, a.tasks, a.hp, a.life, a.log)

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runner.Run(ctx)
		},
	}
	run.Flags().StringVar(&class, "class", "", "agent class (required)")
	run.Flags().StringVar(&model, "model", "", "model identifier")
	run.Flags().StringVar(&providerName, "provider", "claude", "provider name")
	run.Flags().StringVar(&binary, "binary", "claude", "provider binary path")
	_ = run.MarkFlagRequired("class")

	status := &cobra.Command{
		Use:   "status <agent>",
		Short: "Show the daemon state file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("daemon-status"); err != nil {
				return err
			}
			st, err := daemon.ReadState(a.cfg.Paths.StateDir(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return printJSON(map[string]string{"status": "never started"})
			}
			return printJSON(st)
		},
	}

	var stopBy string
	stopCmd := &cobra.Command{
		Use:   "stop <agent>",
		Short: "Request a graceful daemon exit via retirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("retire-agent"); err != nil {
				return err
			}
			if err := a.life.RetireAgent(cmd.Context(), args[0], stopBy); err != nil {
				return err
			}
			return printOK("retirement requested; daemon exits after its current turn")
		},
	}
	stopCmd.Flags().StringVar(&stopBy, "by", "", "requesting agent (required)")
	_ = stopCmd.MarkFlagRequired("by")

	cleanState := &cobra.Command{
		Use:   "clean-state <agent>",
		Short: "Remove a stale state file after a crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("daemon-clean"); err != nil {
				return err
			}
			if err := daemon.RemoveState(a.cfg.Paths.StateDir(), args[0]); err != nil {
				return err
			}
			return printOK("state removed")
		},
	}

	cmd.AddCommand(run, status, stopCmd, cleanState)
	return cmd
}
