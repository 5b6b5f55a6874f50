package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/lifecycle"
)

func crewCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crew",
		Short: "Crew lifecycle and recovery",
	}

	spawnParty := &cobra.Command{
		Use:   "spawn-party <config.yaml>",
		Short: "Register every member of a crew declaration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("spawn-party"); err != nil {
				return err
			}
			cfg, err := lifecycle.LoadCrewConfig(args[0])
			if err != nil {
				return err
			}
			crew, err := a.life.SpawnParty(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			return printJSON(crew)
		},
	}

	var recruitClass, recruitModel string
	recruit := &cobra.Command{
		Use:   "recruit <name>",
		Short: "Register one new daemon agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("recruit"); err != nil {
				return err
			}
			if err := a.life.Recruit(cmd.Context(), args[0], recruitClass, recruitModel); err != nil {
				return err
			}
			return printOK("recruited " + args[0])
		},
	}
	recruit.Flags().StringVar(&recruitClass, "class", "", "agent class (required)")
	recruit.Flags().StringVar(&recruitModel, "model", "", "model identifier")
	_ = recruit.MarkFlagRequired("class")

	listCrews := &cobra.Command{
		Use:   "list",
		Short: "List crews, running first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("list-crews"); err != nil {
				return err
			}
			crews, err := a.life.ListCrews(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(crews)
		},
	}

	stopCrew := &cobra.Command{
		Use:   "stop <name>",
		Short: "Mark a crew stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("stop-crew"); err != nil {
				return err
			}
			if err := a.life.StopCrew(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOK("crew stopped")
		},
	}

	standDown := &cobra.Command{
		Use:   "stand-down <by>",
		Short: "Set the process-wide stand_down flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("stand-down"); err != nil {
				return err
			}
			if err := a.life.StandDown(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOK("stand_down set")
		},
	}

	clearStandDown := &cobra.Command{
		Use:   "clear-stand-down",
		Short: "Clear the stand_down flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("stand-down"); err != nil {
				return err
			}
			if err := a.life.ClearStandDown(cmd.Context()); err != nil {
				return err
			}
			return printOK("stand_down cleared")
		},
	}

	var retireBy string
	retire := &cobra.Command{
		Use:   "retire <agent>",
		Short: "Ask an agent's daemon to exit after its current turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("retire-agent"); err != nil {
				return err
			}
			if err := a.life.RetireAgent(cmd.Context(), args[0], retireBy); err != nil {
				return err
			}
			return printOK("retirement requested")
		},
	}
	retire.Flags().StringVar(&retireBy, "by", "", "requesting agent (required)")
	_ = retire.MarkFlagRequired("by")

	handOff := &cobra.Command{
		Use:   "hand-off-zone <from> <to> <zone>",
		Short: "Transfer a zone and release its unfinished tasks",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("hand-off-zone"); err != nil {
				return err
			}
			if err := a.life.HandOffZone(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			return printOK("zone handed off")
		},
	}

	interrupt := &cobra.Command{
		Use:   "interrupt <agent>",
		Short: "Kill the agent's current provider turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("interrupt"); err != nil {
				return err
			}
			if err := a.life.Interrupt(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOK("interrupt requested")
		},
	}

	resume := &cobra.Command{
		Use:   "resume <agent> [message...]",
		Short: "Clear an interrupt and optionally deliver a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("resume"); err != nil {
				return err
			}
			message := strings.Join(args[1:], " ")
			if err := a.life.Resume(cmd.Context(), args[0], message); err != nil {
				return err
			}
			return printOK("resumed")
		},
	}

	fenixDown := &cobra.Command{
		Use:   "fenix-down <agent> <manifest>",
		Short: "Record a pre-death knowledge dump",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("fenix-down"); err != nil {
				return err
			}
			files, _ := cmd.Flags().GetStringSlice("files")
			rec, err := a.life.FenixDown(cmd.Context(), args[0], files, args[1])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	fenixDown.Flags().StringSlice("files", nil, "dumped file paths")

	coldStart := &cobra.Command{
		Use:   "cold-start <agent>",
		Short: "Serve the recovery briefing, consuming fenix records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("cold-start"); err != nil {
				return err
			}
			b, err := a.life.ColdStart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	endSession := &cobra.Command{
		Use:   "end-session",
		Short: "Debrief and stop all crews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("end-session"); err != nil {
				return err
			}
			d, err := a.life.EndSession(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	}

	cmd.AddCommand(spawnParty, recruit, listCrews, stopCrew, standDown, clearStandDown,
		retire, handOff, interrupt, resume, fenixDown, coldStart, endSession)
	return cmd
}
