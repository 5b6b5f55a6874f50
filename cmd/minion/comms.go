package main

import (
	"time"

	"github.com/spf13/cobra"
)

func commsCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comms",
		Short: "Messaging between agents",
	}

	var ccList []string
	send := &cobra.Command{
		Use:   "send <from> <to> <content>",
		Short: "Send a message (to an agent, a class, or 'all')",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("send"); err != nil {
				return err
			}
			res, err := a.comms.Send(cmd.Context(), args[0], args[1], args[2], ccList...)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	send.Flags().StringSliceVar(&ccList, "cc", nil, "extra agents receiving a copy")

	checkInbox := &cobra.Command{
		Use:   "check-inbox <agent>",
		Short: "Drain unread messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("check-inbox"); err != nil {
				return err
			}
			messages, err := a.comms.CheckInbox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(messages)
		},
	}

	unread := &cobra.Command{
		Use:   "unread <agent>",
		Short: "Count unread messages without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("unread"); err != nil {
				return err
			}
			count, err := a.comms.UnreadCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"unread": count})
		},
	}

	var historyLimit int
	history := &cobra.Command{
		Use:   "history <agent-a> <agent-b>",
		Short: "Show the conversation between two agents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("history"); err != nil {
				return err
			}
			messages, err := a.comms.GetHistory(cmd.Context(), args[0], args[1], historyLimit)
			if err != nil {
				return err
			}
			return printJSON(messages)
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages")

	var ageHours int
	purge := &cobra.Command{
		Use:   "purge-inbox <agent>",
		Short: "Delete read messages older than the cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("purge-inbox"); err != nil {
				return err
			}
			age := time.Duration(ageHours) * time.Hour
			if !cmd.Flags().Changed("age-hours") {
				age = a.cfg.Comms.PurgeAge()
			}
			deleted, err := a.comms.Purge(cmd.Context(), args[0], age)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"deleted": deleted})
		},
	}
	purge.Flags().IntVar(&ageHours, "age-hours", 0, "cutoff age in hours")

	clearMoonCrash := &cobra.Command{
		Use:   "clear-moon-crash <by>",
		Short: "Clear the moon_crash emergency flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("clear-moon-crash"); err != nil {
				return err
			}
			if err := a.comms.ClearMoonCrash(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOK("moon_crash cleared")
		},
	}

	var waitTimeout int
	wait := &cobra.Command{
		Use:   "wait <agent>",
		Short: "Block until the agent has unread messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("wait"); err != nil {
				return err
			}
			count, err := a.monitor.WaitForMessage(cmd.Context(), args[0],
				time.Duration(waitTimeout)*time.Second)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"unread": count})
		},
	}
	wait.Flags().IntVar(&waitTimeout, "timeout", 300, "seconds to wait")

	cmd.AddCommand(send, checkInbox, unread, history, purge, clearMoonCrash, wait)
	return cmd
}
