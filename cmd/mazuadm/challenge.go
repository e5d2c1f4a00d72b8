package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
	"github.com/mazubot/mazuadm/pkg/types"
)

var challengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Manage challenges",
}

var challengeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List challenges",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		challenges, err := c.ListChallenges()
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tPORT\tPRIORITY\tFLAG REGEX")
		for _, ch := range challenges {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
				ch.ID, ch.Name, yesNo(ch.Enabled), ch.DefaultPort, ch.Priority, ch.FlagRegex)
		}
		return w.Flush()
	},
}

var challengeAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		priority, _ := cmd.Flags().GetInt("priority")
		flagRegex, _ := cmd.Flags().GetString("flag-regex")
		disabled, _ := cmd.Flags().GetBool("disabled")

		c := api(cmd)
		defer c.Close()

		ch, err := c.CreateChallenge(types.Challenge{
			Name:        args[0],
			Enabled:     !disabled,
			DefaultPort: port,
			Priority:    priority,
			FlagRegex:   flagRegex,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Challenge created: %s (ID: %d)\n", ch.Name, ch.ID)
		return nil
	},
}

var challengeUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		ch, err := findChallenge(c, id)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("name") {
			ch.Name, _ = cmd.Flags().GetString("name")
		}
		if cmd.Flags().Changed("port") {
			ch.DefaultPort, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("priority") {
			ch.Priority, _ = cmd.Flags().GetInt("priority")
		}
		if cmd.Flags().Changed("flag-regex") {
			ch.FlagRegex, _ = cmd.Flags().GetString("flag-regex")
		}

		updated, err := c.UpdateChallenge(id, *ch)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Challenge updated: %s (ID: %d)\n", updated.Name, updated.ID)
		return nil
	},
}

var challengeEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a challenge",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChallengeEnabled(cmd, args[0], true) },
}

var challengeDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a challenge and skip its jobs in new rounds",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChallengeEnabled(cmd, args[0], false) },
}

var challengeRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a challenge and everything attached to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DeleteChallenge(id); err != nil {
			return err
		}
		fmt.Printf("✓ Challenge removed: %d\n", id)
		return nil
	},
}

func setChallengeEnabled(cmd *cobra.Command, arg string, enabled bool) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}

	c := api(cmd)
	defer c.Close()

	ch, err := c.SetChallengeEnabled(id, enabled)
	if err != nil {
		return err
	}
	state := "disabled"
	if ch.Enabled {
		state = "enabled"
	}
	fmt.Printf("✓ Challenge %s: %s (ID: %d)\n", state, ch.Name, ch.ID)
	return nil
}

// findChallenge resolves one challenge by id; the API only exposes the
// collection.
func findChallenge(c *client.Client, id int64) (*types.Challenge, error) {
	challenges, err := c.ListChallenges()
	if err != nil {
		return nil, err
	}
	for i := range challenges {
		if challenges[i].ID == id {
			return &challenges[i], nil
		}
	}
	return nil, fmt.Errorf("challenge %d not found", id)
}

func init() {
	challengeCmd.AddCommand(challengeListCmd)
	challengeCmd.AddCommand(challengeAddCmd)
	challengeCmd.AddCommand(challengeUpdateCmd)
	challengeCmd.AddCommand(challengeEnableCmd)
	challengeCmd.AddCommand(challengeDisableCmd)
	challengeCmd.AddCommand(challengeRemoveCmd)

	challengeAddCmd.Flags().Int("port", 0, "Default service port on the team hosts")
	challengeAddCmd.Flags().Int("priority", 0, "Scheduling priority (0-99)")
	challengeAddCmd.Flags().String("flag-regex", "", "Flag pattern override for this challenge")
	challengeAddCmd.Flags().Bool("disabled", false, "Create the challenge disabled")

	challengeUpdateCmd.Flags().String("name", "", "New name")
	challengeUpdateCmd.Flags().Int("port", 0, "Default service port on the team hosts")
	challengeUpdateCmd.Flags().Int("priority", 0, "Scheduling priority (0-99)")
	challengeUpdateCmd.Flags().String("flag-regex", "", "Flag pattern override for this challenge")

	rootCmd.AddCommand(challengeCmd)
}
