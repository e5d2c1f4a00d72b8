package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage exploit jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		sort, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")

		var roundID *int64
		if cmd.Flags().Changed("round") {
			id, _ := cmd.Flags().GetInt64("round")
			roundID = &id
		}

		c := api(cmd)
		defer c.Close()

		jobs, err := c.ListJobs(roundID, status, sort, limit)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tROUND\tRUN\tTEAM\tPRIORITY\tSTATUS\tDURATION\tREASON")
		for _, j := range jobs {
			run := "-"
			if j.ExploitRunID != nil {
				run = fmt.Sprintf("%d", *j.ExploitRunID)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\t%dms\t%s\n",
				j.ID, j.RoundID, run, j.TeamID, j.Priority, j.Status, j.DurationMS, j.CreateReason)
		}
		return w.Flush()
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one job including its captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		j, err := c.GetJob(id)
		if err != nil {
			return err
		}
		fmt.Printf("Job %d\n", j.ID)
		fmt.Printf("  Round:    %d\n", j.RoundID)
		if j.ExploitRunID != nil {
			fmt.Printf("  Run:      %d\n", *j.ExploitRunID)
		}
		fmt.Printf("  Team:     %d\n", j.TeamID)
		fmt.Printf("  Priority: %d\n", j.Priority)
		fmt.Printf("  Status:   %s\n", j.Status)
		if j.CreateReason != "" {
			fmt.Printf("  Reason:   %s\n", j.CreateReason)
		}
		if j.StartedAt != nil {
			fmt.Printf("  Started:  %s\n", j.StartedAt.Format(time.RFC3339))
		}
		if j.FinishedAt != nil {
			fmt.Printf("  Finished: %s (%dms)\n", j.FinishedAt.Format(time.RFC3339), j.DurationMS)
		}
		if j.ContainerID != "" {
			fmt.Printf("  Container: %s\n", j.ContainerID)
		}
		if j.Stdout != "" {
			fmt.Printf("--- stdout ---\n%s\n", j.Stdout)
		}
		if j.Stderr != "" {
			fmt.Printf("--- stderr ---\n%s\n", j.Stderr)
		}
		return nil
	},
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue RUN_ID",
	Short: "Insert an ad-hoc job for one exploit-run into the running round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		j, err := c.EnqueueJob(runID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job %d enqueued into round %d (priority %d)\n", j.ID, j.RoundID, j.Priority)
		return nil
	},
}

var jobReorderCmd = &cobra.Command{
	Use:   "reorder ID=PRIORITY [ID=PRIORITY...]",
	Short: "Assign new priorities in one batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make([]client.PriorityUpdate, 0, len(args))
		for _, arg := range args {
			id, priority, err := parseAssignment(arg)
			if err != nil {
				return err
			}
			updates = append(updates, client.PriorityUpdate{ID: id, Priority: priority})
		}

		c := api(cmd)
		defer c.Close()

		if err := c.ReorderJobs(updates); err != nil {
			return err
		}
		fmt.Printf("✓ Reordered %d jobs\n", len(updates))
		return nil
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Bump a pending job to the front of the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		j, err := c.RunJobNow(id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job %d bumped (priority %d)\n", j.ID, j.Priority)
		return nil
	},
}

var jobStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Kill a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")

		c := api(cmd)
		defer c.Close()

		j, err := c.StopJob(id, reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job %d stopped (status %s)\n", j.ID, j.Status)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobEnqueueCmd)
	jobCmd.AddCommand(jobReorderCmd)
	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobStopCmd)

	jobListCmd.Flags().Int64("round", 0, "Only jobs of this round")
	jobListCmd.Flags().String("status", "", "Only jobs in this status")
	jobListCmd.Flags().String("sort", "", "Sort order: asc or desc (default desc)")
	jobListCmd.Flags().Int("limit", 50, "Maximum jobs to list (0 = all)")

	jobStopCmd.Flags().String("reason", "", "Reason recorded on the job (default \"manual stop\")")

	rootCmd.AddCommand(jobCmd)
}
