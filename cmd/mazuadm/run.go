package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
	"github.com/mazubot/mazuadm/pkg/types"
)

var exploitRunCmd = &cobra.Command{
	Use:     "exploit-run",
	Aliases: []string{"run", "runs"},
	Short:   "Manage exploit-runs (exploit-to-team assignments)",
}

var exploitRunListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exploit-runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		var challengeID, teamID *int64
		if cmd.Flags().Changed("challenge") {
			id, _ := cmd.Flags().GetInt64("challenge")
			challengeID = &id
		}
		if cmd.Flags().Changed("team") {
			id, _ := cmd.Flags().GetInt64("team")
			teamID = &id
		}

		runs, err := c.ListExploitRuns(challengeID, teamID)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tEXPLOIT\tCHALLENGE\tTEAM\tSEQUENCE\tPRIORITY\tENABLED")
		for _, r := range runs {
			priority := "auto"
			if r.Priority != nil {
				priority = fmt.Sprintf("%d", *r.Priority)
			}
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
				r.ID, r.ExploitID, r.ChallengeID, r.TeamID, r.Sequence, priority, yesNo(r.Enabled))
		}
		return w.Flush()
	},
}

var exploitRunAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Point an exploit at one team",
	RunE: func(cmd *cobra.Command, args []string) error {
		exploitID, _ := cmd.Flags().GetInt64("exploit")
		teamID, _ := cmd.Flags().GetInt64("team")
		challengeID, _ := cmd.Flags().GetInt64("challenge")
		sequence, _ := cmd.Flags().GetInt("sequence")
		disabled, _ := cmd.Flags().GetBool("disabled")

		run := types.ExploitRun{
			ExploitID:   exploitID,
			ChallengeID: challengeID,
			TeamID:      teamID,
			Sequence:    sequence,
			Enabled:     !disabled,
		}
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			run.Priority = &p
		}

		c := api(cmd)
		defer c.Close()

		created, err := c.CreateExploitRun(run)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Exploit-run created: %d (exploit %d -> team %d)\n",
			created.ID, created.ExploitID, created.TeamID)
		return nil
	},
}

var exploitRunUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update an exploit-run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		run, err := findExploitRun(c, id)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("sequence") {
			run.Sequence, _ = cmd.Flags().GetInt("sequence")
		}
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			run.Priority = &p
		}
		if cmd.Flags().Changed("auto-priority") {
			run.Priority = nil
		}
		if cmd.Flags().Changed("enabled") {
			run.Enabled, _ = cmd.Flags().GetBool("enabled")
		}

		updated, err := c.UpdateExploitRun(id, *run)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Exploit-run updated: %d\n", updated.ID)
		return nil
	},
}

var exploitRunRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove an exploit-run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DeleteExploitRun(id); err != nil {
			return err
		}
		fmt.Printf("✓ Exploit-run removed: %d\n", id)
		return nil
	},
}

var exploitRunReorderCmd = &cobra.Command{
	Use:   "reorder ID=SEQ [ID=SEQ...]",
	Short: "Assign new sequences in one batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make([]client.SequenceUpdate, 0, len(args))
		for _, arg := range args {
			id, seq, err := parseAssignment(arg)
			if err != nil {
				return err
			}
			updates = append(updates, client.SequenceUpdate{ID: id, Sequence: seq})
		}

		c := api(cmd)
		defer c.Close()

		if err := c.ReorderExploitRuns(updates); err != nil {
			return err
		}
		fmt.Printf("✓ Reordered %d exploit-runs\n", len(updates))
		return nil
	},
}

func findExploitRun(c *client.Client, id int64) (*types.ExploitRun, error) {
	runs, err := c.ListExploitRuns(nil, nil)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("exploit-run %d not found", id)
}

func init() {
	exploitRunCmd.AddCommand(exploitRunListCmd)
	exploitRunCmd.AddCommand(exploitRunAddCmd)
	exploitRunCmd.AddCommand(exploitRunUpdateCmd)
	exploitRunCmd.AddCommand(exploitRunRemoveCmd)
	exploitRunCmd.AddCommand(exploitRunReorderCmd)

	exploitRunListCmd.Flags().Int64("challenge", 0, "Only runs of this challenge")
	exploitRunListCmd.Flags().Int64("team", 0, "Only runs against this team")

	exploitRunAddCmd.Flags().Int64("exploit", 0, "Exploit id (required)")
	exploitRunAddCmd.Flags().Int64("team", 0, "Target team id (required)")
	exploitRunAddCmd.Flags().Int64("challenge", 0, "Challenge id (defaults to the exploit's)")
	exploitRunAddCmd.Flags().Int("sequence", 0, "Ordering sequence within the target")
	exploitRunAddCmd.Flags().Int("priority", 0, "Priority override (default: computed)")
	exploitRunAddCmd.Flags().Bool("disabled", false, "Create the run disabled")
	_ = exploitRunAddCmd.MarkFlagRequired("exploit")
	_ = exploitRunAddCmd.MarkFlagRequired("team")

	exploitRunUpdateCmd.Flags().Int("sequence", 0, "Ordering sequence within the target")
	exploitRunUpdateCmd.Flags().Int("priority", 0, "Priority override")
	exploitRunUpdateCmd.Flags().Bool("auto-priority", false, "Clear the priority override")
	exploitRunUpdateCmd.Flags().Bool("enabled", true, "Enable or disable the run")

	rootCmd.AddCommand(exploitRunCmd)
}
