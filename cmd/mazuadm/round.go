package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var roundCmd = &cobra.Command{
	Use:   "round",
	Short: "Manage rounds",
}

var roundListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		sort, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")

		c := api(cmd)
		defer c.Close()

		rounds, err := c.ListRounds(sort, limit)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tFINISHED")
		for _, r := range rounds {
			finished := "-"
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				r.ID, r.Status, r.StartedAt.Format(time.RFC3339), finished)
		}
		return w.Flush()
	},
}

var roundShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		r, err := c.GetRound(id)
		if err != nil {
			return err
		}
		fmt.Printf("Round %d\n", r.ID)
		fmt.Printf("  Status:   %s\n", r.Status)
		fmt.Printf("  Started:  %s\n", r.StartedAt.Format(time.RFC3339))
		if r.FinishedAt != nil {
			fmt.Printf("  Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
		}

		jobs, err := c.ListJobs(&r.ID, "", "", 0)
		if err == nil {
			byStatus := make(map[string]int)
			for _, j := range jobs {
				byStatus[string(j.Status)]++
			}
			fmt.Printf("  Jobs:     %d", len(jobs))
			for status, n := range byStatus {
				fmt.Printf(" %s=%d", status, n)
			}
			fmt.Println()
		}
		return nil
	},
}

var roundNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a pending round from the enabled exploit-runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		run, _ := cmd.Flags().GetBool("run")

		c := api(cmd)
		defer c.Close()

		r, err := c.CreateRound()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Round created: %d\n", r.ID)

		if run {
			if err := c.RunRound(r.ID); err != nil {
				return err
			}
			fmt.Printf("✓ Round %d accepted for execution\n", r.ID)
		}
		return nil
	},
}

var roundRunCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Start a pending round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.RunRound(id); err != nil {
			return err
		}
		fmt.Printf("✓ Round %d accepted for execution\n", id)
		return nil
	},
}

var roundRerunCmd = &cobra.Command{
	Use:   "rerun ID",
	Short: "Reset a finished round's jobs and run it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.RerunRound(id); err != nil {
			return err
		}
		fmt.Printf("✓ Round %d accepted for rerun\n", id)
		return nil
	},
}

var roundRerunUnflaggedCmd = &cobra.Command{
	Use:   "rerun-unflagged ID",
	Short: "Requeue the running round's jobs that produced no flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		cloned, err := c.RerunUnflagged(id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Requeued %d unflagged jobs in round %d\n", cloned, id)
		return nil
	},
}

func init() {
	roundCmd.AddCommand(roundListCmd)
	roundCmd.AddCommand(roundShowCmd)
	roundCmd.AddCommand(roundNewCmd)
	roundCmd.AddCommand(roundRunCmd)
	roundCmd.AddCommand(roundRerunCmd)
	roundCmd.AddCommand(roundRerunUnflaggedCmd)

	roundListCmd.Flags().String("sort", "", "Sort order: asc or desc (default desc)")
	roundListCmd.Flags().Int("limit", 20, "Maximum rounds to list (0 = all)")

	roundNewCmd.Flags().Bool("run", false, "Start the round immediately")

	rootCmd.AddCommand(roundCmd)
}
