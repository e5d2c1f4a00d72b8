package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage the exploit container pool",
}

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pool containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		containers, err := c.ListContainers()
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tEXPLOIT\tNAME\tSTATUS\tCOUNTER\tENGINE ID")
		for _, ct := range containers {
			engineID := ct.ContainerID
			if len(engineID) > 12 {
				engineID = engineID[:12]
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\n",
				ct.ID, ct.ExploitID, ct.Name, ct.Status, ct.Counter, engineID)
		}
		return w.Flush()
	},
}

var containerRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Destroy one pool container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DestroyContainer(id); err != nil {
			return err
		}
		fmt.Printf("✓ Container removed: %d\n", id)
		return nil
	},
}

var containerRestartCmd = &cobra.Command{
	Use:   "restart ID",
	Short: "Restart one pool container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		var timeout *int
		if cmd.Flags().Changed("timeout") {
			t, _ := cmd.Flags().GetInt("timeout")
			timeout = &t
		}

		c := api(cmd)
		defer c.Close()

		ct, err := c.RestartContainer(id, timeout, force)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container restarted: %s (status %s)\n", ct.Name, ct.Status)
		return nil
	},
}

var containerRestartAllCmd = &cobra.Command{
	Use:   "restart-all",
	Short: "Restart every running pool container",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		restarted, err := c.RestartAllContainers()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Restarted %d containers\n", restarted)
		return nil
	},
}

var containerRemoveAllCmd = &cobra.Command{
	Use:   "remove-all",
	Short: "Destroy every pool container",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		removed, err := c.RemoveAllContainers()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d containers\n", removed)
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerRemoveCmd)
	containerCmd.AddCommand(containerRestartCmd)
	containerCmd.AddCommand(containerRestartAllCmd)
	containerCmd.AddCommand(containerRemoveAllCmd)

	containerRestartCmd.Flags().Int("timeout", 0, "Graceful stop timeout in seconds")
	containerRestartCmd.Flags().Bool("force", false, "Kill instead of a graceful stop")

	rootCmd.AddCommand(containerCmd)
}
