package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hivemesh/switchboard/pkg/jobboard"
	"github.com/hivemesh/switchboard/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with the job board",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an open task",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetInt("priority")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")
		creator, _ := cmd.Flags().GetString("by")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.Board.Create(cmd.Context(), jobboard.TaskSpec{
			Title:        title,
			Description:  description,
			Priority:     priority,
			Dependencies: deps,
			CreatedBy:    creator,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		available, _ := cmd.Flags().GetBool("available")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		var (
			tasks []types.Task
			err2  error
		)
		if available {
			tasks, err2 = c.Board.Available(cmd.Context(), "")
		} else {
			tasks, err2 = c.Board.List(cmd.Context(), types.TaskStatus(status), limit)
		}
		if err2 != nil {
			return err2
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRI\tASSIGNEE\tDEPS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
				t.ID, t.Title, t.Status, t.Priority, t.Assignee, len(t.Dependencies))
		}
		return w.Flush()
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim TASK_ID",
	Short: "Claim an open task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		task, err := c.Board.Claim(cmd.Context(), agent, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Task %s assigned to %s\n", task.ID, task.Assignee)
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update TASK_ID",
	Short: "Move a task between in-progress and blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")
		status, _ := cmd.Flags().GetString("status")
		note, _ := cmd.Flags().GetString("note")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		return c.Board.Update(cmd.Context(), agent, args[0], types.TaskStatus(status), note)
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete TASK_ID",
	Short: "Finish a task, done or failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")
		result, _ := cmd.Flags().GetString("result")
		errMsg, _ := cmd.Flags().GetString("error")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		return c.Board.Complete(cmd.Context(), agent, args[0], result, errMsg)
	},
}

var taskReleaseStaleCmd = &cobra.Command{
	Use:   "release-stale",
	Short: "Return abandoned tasks to the board",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetDuration("threshold")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		released, err := c.Board.ReleaseStale(cmd.Context(), threshold)
		if err != nil {
			return err
		}
		for _, id := range released {
			fmt.Println(id)
		}
		fmt.Printf("Released %d stale tasks\n", len(released))
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskReleaseStaleCmd)

	taskCreateCmd.Flags().String("title", "", "Task title")
	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().Int("priority", 5, "Priority 1-10")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Task IDs that must be done first")
	taskCreateCmd.Flags().String("by", "operator", "Creating agent ID")
	taskCreateCmd.MarkFlagRequired("title")
	taskCreateCmd.MarkFlagRequired("description")

	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().Bool("available", false, "Only claimable tasks")
	taskListCmd.Flags().Int("limit", 100, "Maximum tasks to list")

	taskClaimCmd.Flags().String("agent", "", "Claiming agent ID")
	taskClaimCmd.MarkFlagRequired("agent")

	taskUpdateCmd.Flags().String("agent", "", "Acting agent ID")
	taskUpdateCmd.Flags().String("status", "", "New status: in-progress or blocked")
	taskUpdateCmd.Flags().String("note", "", "History note")
	taskUpdateCmd.MarkFlagRequired("agent")
	taskUpdateCmd.MarkFlagRequired("status")

	taskCompleteCmd.Flags().String("agent", "", "Acting agent ID")
	taskCompleteCmd.Flags().String("result", "", "Result summary (done)")
	taskCompleteCmd.Flags().String("error", "", "Error message (failed)")
	taskCompleteCmd.MarkFlagRequired("agent")

	taskReleaseStaleCmd.Flags().Duration("threshold", 0, "Staleness threshold (default from config)")
}
