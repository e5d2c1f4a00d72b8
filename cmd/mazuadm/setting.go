package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var settingCmd = &cobra.Command{
	Use:   "setting",
	Short: "Manage runtime settings",
	Long: `Manage runtime settings.

Settings tune the scheduler without a restart: concurrent_limit,
worker_timeout, max_flags_per_job, skip_on_flag, sequential_per_target,
past_flag_rounds and ip_headers. Unset keys fall back to built-in
defaults, so only overrides appear in the list.`,
}

var settingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		settings, err := c.ListSettings()
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "KEY\tVALUE")
		for _, s := range settings {
			fmt.Fprintf(w, "%s\t%s\n", s.Key, s.Value)
		}
		return w.Flush()
	},
}

var settingSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		s, err := c.SetSetting(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Setting updated: %s = %s\n", s.Key, s.Value)
		return nil
	},
}

func init() {
	settingCmd.AddCommand(settingListCmd)
	settingCmd.AddCommand(settingSetCmd)

	rootCmd.AddCommand(settingCmd)
}
