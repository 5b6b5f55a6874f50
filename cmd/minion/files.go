package main

import (
	"github.com/spf13/cobra"
)

func filesCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "File claims",
	}

	claim := &cobra.Command{
		Use:   "claim <agent> <file>",
		Short: "Claim a file or join its waitlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("claim"); err != nil {
				return err
			}
			res, err := a.claims.Claim(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	var force bool
	release := &cobra.Command{
		Use:   "release <agent> <file>",
		Short: "Release a claim, promoting the waitlist head",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			command := "release"
			if force {
				command = "force-release"
			}
			if err := a.authorize(command); err != nil {
				return err
			}
			res, err := a.claims.Release(cmd.Context(), args[0], args[1], force)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	release.Flags().BoolVar(&force, "force", false, "release another agent's claim (lead only)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List claims with their waitlists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("list-claims"); err != nil {
				return err
			}
			entries, err := a.claims.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	cmd.AddCommand(claim, release, list)
	return cmd
}
