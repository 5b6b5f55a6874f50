package main

import (
	"github.com/spf13/cobra"
)

func flowsCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Flow definitions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List available flow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("list-flows"); err != nil {
				return err
			}
			names, err := a.flows.List()
			if err != nil {
				return err
			}
			return printJSON(names)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a flow's stages and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("show-flow"); err != nil {
				return err
			}
			f, err := a.flows.Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"name":    f.Name,
				"initial": f.Initial,
				"stages":  f.StageNames(),
				"dag":     f.RenderDAG(""),
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
