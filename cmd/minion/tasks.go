package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minionhq/minion/internal/task"
)

func parseTaskID(arg string) (int64, error) {
	return strconv.ParseInt(arg, 10, 64)
}

func tasksCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Task DAG engine",
	}

	var createFlags struct {
		taskFile, project, zone, class, flowType, files, requirement, createdBy, blockedBy string
	}
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task at its flow's initial stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("create-task"); err != nil {
				return err
			}
			var blockers []int64
			if createFlags.blockedBy != "" {
				for _, part := range strings.Split(createFlags.blockedBy, ",") {
					id, err := parseTaskID(strings.TrimSpace(part))
					if err != nil {
						return err
					}
					blockers = append(blockers, id)
				}
			}
			created, err := a.tasks.Create(cmd.Context(), task.CreateParams{
				Title:           args[0],
				TaskFile:        createFlags.taskFile,
				Project:         createFlags.project,
				Zone:            createFlags.zone,
				ClassRequired:   createFlags.class,
				FlowType:        createFlags.flowType,
				BlockedBy:       blockers,
				Files:           createFlags.files,
				RequirementPath: createFlags.requirement,
				CreatedBy:       createFlags.createdBy,
			})
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	create.Flags().StringVar(&createFlags.taskFile, "task-file", "", "task description file")
	create.Flags().StringVar(&createFlags.project, "project", "", "project label")
	create.Flags().StringVar(&createFlags.zone, "zone", "", "zone label")
	create.Flags().StringVar(&createFlags.class, "class", "", "required worker class")
	create.Flags().StringVar(&createFlags.flowType, "flow", "", "flow type (default bugfix)")
	create.Flags().StringVar(&createFlags.files, "files", "", "files the task touches")
	create.Flags().StringVar(&createFlags.requirement, "requirement", "", "requirement document path")
	create.Flags().StringVar(&createFlags.createdBy, "by", "", "creating agent (required)")
	create.Flags().StringVar(&createFlags.blockedBy, "blocked-by", "", "comma-separated blocker task ids")
	_ = create.MarkFlagRequired("by")

	var listFlags struct{ status, assignedTo, project, flowType string }
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("list-tasks"); err != nil {
				return err
			}
			tasks, err := a.tasks.List(cmd.Context(), task.ListFilter{
				Status:     listFlags.status,
				AssignedTo: listFlags.assignedTo,
				Project:    listFlags.project,
				FlowType:   listFlags.flowType,
			})
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
	list.Flags().StringVar(&listFlags.status, "status", "", "filter by status")
	list.Flags().StringVar(&listFlags.assignedTo, "assigned-to", "", "filter by assignee")
	list.Flags().StringVar(&listFlags.project, "project", "", "filter by project")
	list.Flags().StringVar(&listFlags.flowType, "flow", "", "filter by flow type")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("get-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			t, err := a.tasks.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}

	var assignBy string
	assign := &cobra.Command{
		Use:   "assign <id> <agent>",
		Short: "Assign an open task to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("assign-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			res, err := a.tasks.Assign(cmd.Context(), id, args[1], assignBy)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	assign.Flags().StringVar(&assignBy, "by", "", "assigning agent (required)")
	_ = assign.MarkFlagRequired("by")

	pull := &cobra.Command{
		Use:   "pull <agent> <id>",
		Short: "Atomically take a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("pull"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			res, err := a.tasks.Pull(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	var updFlags struct{ progress, files, status string }
	update := &cobra.Command{
		Use:   "update <agent> <id>",
		Short: "Record progress without changing the stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("update-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			var p task.UpdateParams
			if cmd.Flags().Changed("progress") {
				p.Progress = &updFlags.progress
			}
			if cmd.Flags().Changed("files") {
				p.Files = &updFlags.files
			}
			if cmd.Flags().Changed("status") {
				p.Status = &updFlags.status
			}
			t, err := a.tasks.Update(cmd.Context(), args[0], id, p)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	update.Flags().StringVar(&updFlags.progress, "progress", "", "progress note")
	update.Flags().StringVar(&updFlags.files, "files", "", "files touched")
	update.Flags().StringVar(&updFlags.status, "status", "", "restate the current stage (no-op guard)")

	submitResult := &cobra.Command{
		Use:   "submit-result <agent> <id> <result-file>",
		Short: "Attach the result artifact",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("submit-result"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			t, err := a.tasks.SubmitResult(cmd.Context(), args[0], id, args[2])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}

	var failed bool
	completePhase := &cobra.Command{
		Use:   "complete-phase <agent> <id>",
		Short: "Advance the task along its flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("complete-phase"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			res, err := a.tasks.CompletePhase(cmd.Context(), args[0], id, failed)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	completePhase.Flags().BoolVar(&failed, "failed", false, "take the failure edge")

	closeCmd := &cobra.Command{
		Use:   "close <agent> <id>",
		Short: "Close a task (lead or assignee, result required)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("close-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			res, err := a.tasks.Close(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	reopen := &cobra.Command{
		Use:   "reopen <agent> <id> <stage>",
		Short: "Reopen a task at a non-terminal stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("reopen-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			res, err := a.tasks.Reopen(cmd.Context(), args[0], id, args[2])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	transition := &cobra.Command{
		Use:   "transition <agent> <id> <stage>",
		Short: "Force a transition along a declared edge",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("transition"); err != nil {
				return err
			}
			id, err := parseTaskID(args[1])
			if err != nil {
				return err
			}
			res, err := a.tasks.Transition(cmd.Context(), args[0], id, args[2])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	history := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a task's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("task-history"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			entries, err := a.tasks.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	lineage := &cobra.Command{
		Use:   "lineage <id>",
		Short: "Show history, stages, and the rendered DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("lineage"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			l, err := a.tasks.GetLineage(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}

	claimable := &cobra.Command{
		Use:   "claimable <agent>",
		Short: "List tasks the agent could work on, mine first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if err := a.authorize("claimable"); err != nil {
				return err
			}
			tasks, err := a.tasks.Claimable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}

	cmd.AddCommand(create, list, get, assign, pull, update, submitResult,
		completePhase, closeCmd, reopen, transition, history, lineage, claimable)
	return cmd
}
