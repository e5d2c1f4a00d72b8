package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/types"
)

var relationCmd = &cobra.Command{
	Use:   "relation",
	Short: "Manage per-team connection info",
	Long: `Manage per-team connection info.

Each challenge/team pair resolves to an address and port that exploits
receive as TARGET_HOST and TARGET_PORT. Unset fields fall back to the
team default IP and the challenge port, so an override is only needed
when a service lives somewhere unusual.`,
}

var relationListCmd = &cobra.Command{
	Use:   "list CHALLENGE_ID",
	Short: "List resolved connection info for a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		relations, err := c.ListRelations(challengeID)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "TEAM\tADDR\tPORT")
		for _, rel := range relations {
			port := "-"
			if rel.Port != 0 {
				port = fmt.Sprintf("%d", rel.Port)
			}
			addr := rel.Addr
			if addr == "" {
				addr = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", rel.TeamID, addr, port)
		}
		return w.Flush()
	},
}

var relationShowCmd = &cobra.Command{
	Use:   "show CHALLENGE_ID TEAM_ID",
	Short: "Show resolved connection info for one pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID, err := parseID(args[0])
		if err != nil {
			return err
		}
		teamID, err := parseID(args[1])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		rel, err := c.GetRelation(challengeID, teamID)
		if err != nil {
			return err
		}

		fmt.Printf("Challenge: %d\n", rel.ChallengeID)
		fmt.Printf("Team:      %d\n", rel.TeamID)
		fmt.Printf("Addr:      %s\n", rel.Addr)
		fmt.Printf("Port:      %d\n", rel.Port)
		return nil
	},
}

var relationSetCmd = &cobra.Command{
	Use:   "set CHALLENGE_ID TEAM_ID",
	Short: "Override connection info for one pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID, err := parseID(args[0])
		if err != nil {
			return err
		}
		teamID, err := parseID(args[1])
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")

		c := api(cmd)
		defer c.Close()

		rel, err := c.UpdateRelation(types.Relation{
			ChallengeID: challengeID,
			TeamID:      teamID,
			Addr:        addr,
			Port:        port,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Connection info set: challenge=%d team=%d addr=%s port=%d\n",
			rel.ChallengeID, rel.TeamID, rel.Addr, rel.Port)
		return nil
	},
}

func init() {
	relationCmd.AddCommand(relationListCmd)
	relationCmd.AddCommand(relationShowCmd)
	relationCmd.AddCommand(relationSetCmd)

	relationSetCmd.Flags().String("addr", "", "Override address (empty = team default IP)")
	relationSetCmd.Flags().Int("port", 0, "Override port (0 = challenge port)")

	rootCmd.AddCommand(relationCmd)
}
