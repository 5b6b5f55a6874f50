package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/hp"
)

func agentsCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Agent registry and presence",
	}

	var class, model, transport string
	register := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or refresh an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("register"); err != nil {
				return err
			}
			reg, err := a.agents.Register(cmd.Context(), args[0], class, model, transport)
			if err != nil {
				return err
			}
			return printJSON(reg)
		},
	}
	register.Flags().StringVar(&class, "class", "", "agent class (required)")
	register.Flags().StringVar(&model, "model", "", "model identifier")
	register.Flags().StringVar(&transport, "transport", "", "daemon or terminal")
	_ = register.MarkFlagRequired("class")

	deregister := &cobra.Command{
		Use:   "deregister <name>",
		Short: "Remove an agent from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("deregister"); err != nil {
				return err
			}
			if err := a.agents.Deregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOK("deregistered " + args[0])
		},
	}

	rename := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename an agent, rewriting every reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("rename"); err != nil {
				return err
			}
			if err := a.agents.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printOK("renamed " + args[0] + " to " + args[1])
		},
	}

	var summary, files string
	var tokensUsed, tokensLimit int64
	var hpPercent int
	setContext := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Refresh an agent's context summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("set-context"); err != nil {
				return err
			}
			upd := agent.ContextUpdate{
				Summary:     summary,
				TokensUsed:  tokensUsed,
				TokensLimit: tokensLimit,
			}
			if cmd.Flags().Changed("hp") {
				upd.HPPercent = &hpPercent
			}
			if files != "" {
				upd.FilesModified = strings.Split(files, ",")
			}
			if err := a.agents.SetContext(cmd.Context(), args[0], upd); err != nil {
				return err
			}
			return printOK("context updated")
		},
	}
	setContext.Flags().StringVar(&summary, "summary", "", "what the agent is doing (required)")
	setContext.Flags().Int64Var(&tokensUsed, "tokens-used", 0, "tokens consumed so far")
	setContext.Flags().Int64Var(&tokensLimit, "tokens-limit", 0, "context window size")
	setContext.Flags().IntVar(&hpPercent, "hp", 0, "self-reported HP percent")
	setContext.Flags().StringVar(&files, "files", "", "comma-separated modified files")
	_ = setContext.MarkFlagRequired("summary")

	setStatus := &cobra.Command{
		Use:   "set-status <name> <status>",
		Short: "Set an agent's free-form status line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("set-status"); err != nil {
				return err
			}
			if err := a.agents.SetStatus(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printOK("status set")
		},
	}

	who := &cobra.Command{
		Use:   "who",
		Short: "List agents with liveness and context age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("who"); err != nil {
				return err
			}
			presences, err := a.agents.Who(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(presences)
		},
	}

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("get-agent"); err != nil {
				return err
			}
			ag, err := a.agents.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ag)
		},
	}

	var creditCumulative bool
	updateHP := &cobra.Command{
		Use:   "update-hp <name> <turn-input> <turn-output>",
		Short: "Write provider turn telemetry (daemons only)",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("update-hp"); err != nil {
				return err
			}
			turnInput, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			turnOutput, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return err
			}
			var window int64
			if len(args) == 4 {
				if window, err = strconv.ParseInt(args[3], 10, 64); err != nil {
					return err
				}
			}
			report, err := a.hp.Update(cmd.Context(), args[0],
				hp.Usage{TurnInput: turnInput, TurnOutput: turnOutput, ContextWindow: window},
				hp.UpdateOptions{CreditCumulative: creditCumulative})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	updateHP.Flags().BoolVar(&creditCumulative, "credit", true, "credit this turn to cumulative spend")

	cmd.AddCommand(register, deregister, rename, setContext, setStatus, who, get, updateHP)
	return cmd
}
