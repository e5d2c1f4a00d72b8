package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
)

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "List and submit captured flags",
}

var flagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		sort, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")

		query := client.FlagQuery{Sort: sort, Limit: limit}
		if cmd.Flags().Changed("round") {
			id, _ := cmd.Flags().GetInt64("round")
			query.RoundID = &id
		}
		if cmd.Flags().Changed("challenge") {
			id, _ := cmd.Flags().GetInt64("challenge")
			query.ChallengeID = &id
		}
		if cmd.Flags().Changed("team") {
			id, _ := cmd.Flags().GetInt64("team")
			query.TeamID = &id
		}

		c := api(cmd)
		defer c.Close()

		flags, err := c.ListFlags(query)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tROUND\tCHALLENGE\tTEAM\tSTATUS\tSUBMITTED\tVALUE")
		for _, f := range flags {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
				f.ID, f.RoundID, f.ChallengeID, f.TeamID, f.Status,
				f.SubmittedAt.Format(time.RFC3339), f.FlagValue)
		}
		return w.Flush()
	},
}

var flagSubmitCmd = &cobra.Command{
	Use:   "submit VALUE [VALUE...]",
	Short: "Record manually captured flags",
	Long: `Record one or more manually captured flags for a challenge/team pair.
Without --round the flags land in the currently running round; duplicates
of already recorded flags are rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID, _ := cmd.Flags().GetInt64("challenge")
		teamID, _ := cmd.Flags().GetInt64("team")
		status, _ := cmd.Flags().GetString("status")

		var roundID *int64
		if cmd.Flags().Changed("round") {
			id, _ := cmd.Flags().GetInt64("round")
			roundID = &id
		}

		subs := make([]client.FlagSubmission, 0, len(args))
		for _, value := range args {
			subs = append(subs, client.FlagSubmission{
				RoundID:     roundID,
				ChallengeID: challengeID,
				TeamID:      teamID,
				FlagValue:   value,
				Status:      status,
			})
		}

		c := api(cmd)
		defer c.Close()

		if len(subs) == 1 {
			f, err := c.SubmitFlag(subs[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Flag recorded: %s (round %d)\n", f.FlagValue, f.RoundID)
			return nil
		}

		flags, err := c.SubmitFlags(subs)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Recorded %d flags\n", len(flags))
		return nil
	},
}

func init() {
	flagCmd.AddCommand(flagListCmd)
	flagCmd.AddCommand(flagSubmitCmd)

	flagListCmd.Flags().Int64("round", 0, "Only flags of this round")
	flagListCmd.Flags().Int64("challenge", 0, "Only flags of this challenge")
	flagListCmd.Flags().Int64("team", 0, "Only flags against this team")
	flagListCmd.Flags().String("sort", "", "Sort order: asc or desc (default desc)")
	flagListCmd.Flags().Int("limit", 50, "Maximum flags to list (0 = all)")

	flagSubmitCmd.Flags().Int64("challenge", 0, "Challenge id (required)")
	flagSubmitCmd.Flags().Int64("team", 0, "Team the flag was captured from (required)")
	flagSubmitCmd.Flags().Int64("round", 0, "Round to record into (default: running round)")
	flagSubmitCmd.Flags().String("status", "", "Flag status (default \"manual\")")
	_ = flagSubmitCmd.MarkFlagRequired("challenge")
	_ = flagSubmitCmd.MarkFlagRequired("team")

	rootCmd.AddCommand(flagCmd)
}
