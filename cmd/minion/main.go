// Package main is the entry point for the minion binary: the coordination
// CLI that agents and their daemons call against a shared project
// datastore.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/minionerr"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "minion",
		Short:         "Coordination substrate for concurrent agent processes",
		Long:          "minion coordinates a party of agent processes: registry, messaging,\ntask flows, file claims, health tracking, and daemon runtimes over one\nshared datastore.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file directory")

	var a *app
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		a, err = newApp(configPath)
		if err != nil {
			return err
		}
		return a.open()
	}

	rootCmd.AddCommand(
		agentsCmd(func() *app { return a }),
		commsCmd(func() *app { return a }),
		tasksCmd(func() *app { return a }),
		flowsCmd(func() *app { return a }),
		filesCmd(func() *app { return a }),
		warroomCmd(func() *app { return a }),
		crewCmd(func() *app { return a }),
		observeCmd(func() *app { return a }),
		daemonCmd(func() *app { return a }),
	)

	err := rootCmd.Execute()
	if a != nil {
		a.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(minionerr.ExitCode(err))
	}
}
