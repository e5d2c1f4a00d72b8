package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
	"github.com/mazubot/mazuadm/pkg/types"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage opposing teams",
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		teams, err := c.ListTeams()
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tTEAM ID\tNAME\tDEFAULT IP\tENABLED\tPRIORITY")
		for _, t := range teams {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
				t.ID, t.TeamID, t.TeamName, t.DefaultIP, yesNo(t.Enabled), t.Priority)
		}
		return w.Flush()
	},
}

var teamAddCmd = &cobra.Command{
	Use:   "add TEAM_ID",
	Short: "Add a team",
	Long: `Add a team. TEAM_ID is the identifier the game infrastructure uses
for the team; it is passed to exploits as an argument.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		ip, _ := cmd.Flags().GetString("ip")
		priority, _ := cmd.Flags().GetInt("priority")
		disabled, _ := cmd.Flags().GetBool("disabled")
		if name == "" {
			name = args[0]
		}

		c := api(cmd)
		defer c.Close()

		t, err := c.CreateTeam(types.Team{
			TeamID:    args[0],
			TeamName:  name,
			DefaultIP: ip,
			Priority:  priority,
			Enabled:   !disabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Team created: %s (ID: %d)\n", t.TeamID, t.ID)
		return nil
	},
}

var teamUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update a team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		t, err := findTeam(c, id)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("name") {
			t.TeamName, _ = cmd.Flags().GetString("name")
		}
		if cmd.Flags().Changed("ip") {
			t.DefaultIP, _ = cmd.Flags().GetString("ip")
		}
		if cmd.Flags().Changed("priority") {
			t.Priority, _ = cmd.Flags().GetInt("priority")
		}
		if cmd.Flags().Changed("enabled") {
			t.Enabled, _ = cmd.Flags().GetBool("enabled")
		}

		updated, err := c.UpdateTeam(id, *t)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Team updated: %s (ID: %d)\n", updated.TeamID, updated.ID)
		return nil
	},
}

var teamRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a team and everything attached to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DeleteTeam(id); err != nil {
			return err
		}
		fmt.Printf("✓ Team removed: %d\n", id)
		return nil
	},
}

func findTeam(c *client.Client, id int64) (*types.Team, error) {
	teams, err := c.ListTeams()
	if err != nil {
		return nil, err
	}
	for i := range teams {
		if teams[i].ID == id {
			return &teams[i], nil
		}
	}
	return nil, fmt.Errorf("team %d not found", id)
}

func init() {
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamAddCmd)
	teamCmd.AddCommand(teamUpdateCmd)
	teamCmd.AddCommand(teamRemoveCmd)

	teamAddCmd.Flags().String("name", "", "Display name (defaults to TEAM_ID)")
	teamAddCmd.Flags().String("ip", "", "Default target IP")
	teamAddCmd.Flags().Int("priority", 0, "Scheduling priority (0-99)")
	teamAddCmd.Flags().Bool("disabled", false, "Create the team disabled")

	teamUpdateCmd.Flags().String("name", "", "Display name")
	teamUpdateCmd.Flags().String("ip", "", "Default target IP")
	teamUpdateCmd.Flags().Int("priority", 0, "Scheduling priority (0-99)")
	teamUpdateCmd.Flags().Bool("enabled", true, "Enable or disable the team")

	rootCmd.AddCommand(teamCmd)
}
