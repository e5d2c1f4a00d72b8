package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
	"github.com/mazubot/mazuadm/pkg/types"
)

var exploitCmd = &cobra.Command{
	Use:   "exploit",
	Short: "Manage exploits",
}

var exploitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exploits",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		var challengeID *int64
		if cmd.Flags().Changed("challenge") {
			id, _ := cmd.Flags().GetInt64("challenge")
			challengeID = &id
		}

		exploits, err := c.ListExploits(challengeID)
		if err != nil {
			return err
		}

		w := tab()
		fmt.Fprintln(w, "ID\tNAME\tCHALLENGE\tIMAGE\tENABLED\tTIMEOUT\tPER CONT\tMAX CONT\tCOUNTER")
		for _, e := range exploits {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
				e.ID, e.Name, e.ChallengeID, e.DockerImage, yesNo(e.Enabled),
				e.TimeoutSecs, e.MaxPerContainer, e.MaxContainers, e.DefaultCounter)
		}
		return w.Flush()
	},
}

var exploitAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add an exploit",
	Long: `Add an exploit image targeting one challenge. By default one enabled
exploit-run per known team is created alongside; pass --no-auto-add to
create the exploit bare.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID, _ := cmd.Flags().GetInt64("challenge")
		image, _ := cmd.Flags().GetString("image")
		entrypoint, _ := cmd.Flags().GetString("entrypoint")
		timeout, _ := cmd.Flags().GetInt("timeout")
		maxPer, _ := cmd.Flags().GetInt("max-per-container")
		maxContainers, _ := cmd.Flags().GetInt("max-containers")
		counter, _ := cmd.Flags().GetInt("counter")
		env, _ := cmd.Flags().GetStringArray("env")
		ignoreConn, _ := cmd.Flags().GetBool("ignore-connection-info")
		disabled, _ := cmd.Flags().GetBool("disabled")
		noAutoAdd, _ := cmd.Flags().GetBool("no-auto-add")

		c := api(cmd)
		defer c.Close()

		e, err := c.CreateExploit(types.Exploit{
			Name:                 args[0],
			ChallengeID:          challengeID,
			DockerImage:          image,
			Entrypoint:           entrypoint,
			Enabled:              !disabled,
			MaxPerContainer:      maxPer,
			MaxContainers:        maxContainers,
			TimeoutSecs:          timeout,
			DefaultCounter:       counter,
			IgnoreConnectionInfo: ignoreConn,
			Env:                  env,
		}, !noAutoAdd)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Exploit created: %s (ID: %d)\n", e.Name, e.ID)
		return nil
	},
}

var exploitUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update an exploit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		e, err := findExploit(c, id)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("name") {
			e.Name, _ = cmd.Flags().GetString("name")
		}
		if cmd.Flags().Changed("image") {
			e.DockerImage, _ = cmd.Flags().GetString("image")
		}
		if cmd.Flags().Changed("entrypoint") {
			e.Entrypoint, _ = cmd.Flags().GetString("entrypoint")
		}
		if cmd.Flags().Changed("timeout") {
			e.TimeoutSecs, _ = cmd.Flags().GetInt("timeout")
		}
		if cmd.Flags().Changed("max-per-container") {
			e.MaxPerContainer, _ = cmd.Flags().GetInt("max-per-container")
		}
		if cmd.Flags().Changed("max-containers") {
			e.MaxContainers, _ = cmd.Flags().GetInt("max-containers")
		}
		if cmd.Flags().Changed("counter") {
			e.DefaultCounter, _ = cmd.Flags().GetInt("counter")
		}
		if cmd.Flags().Changed("env") {
			e.Env, _ = cmd.Flags().GetStringArray("env")
		}
		if cmd.Flags().Changed("ignore-connection-info") {
			e.IgnoreConnectionInfo, _ = cmd.Flags().GetBool("ignore-connection-info")
		}
		if cmd.Flags().Changed("enabled") {
			e.Enabled, _ = cmd.Flags().GetBool("enabled")
		}

		updated, err := c.UpdateExploit(id, *e)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Exploit updated: %s (ID: %d)\n", updated.Name, updated.ID)
		return nil
	},
}

var exploitRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove an exploit and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DeleteExploit(id); err != nil {
			return err
		}
		fmt.Printf("✓ Exploit removed: %d\n", id)
		return nil
	},
}

var exploitWarmCmd = &cobra.Command{
	Use:   "warm ID",
	Short: "Pre-create pool containers for an exploit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.EnsureExploitContainers(id); err != nil {
			return err
		}
		fmt.Printf("✓ Containers ensured for exploit %d\n", id)
		return nil
	},
}

var exploitTeardownCmd = &cobra.Command{
	Use:   "teardown ID",
	Short: "Destroy all pool containers of an exploit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c := api(cmd)
		defer c.Close()

		if err := c.DestroyExploitContainers(id); err != nil {
			return err
		}
		fmt.Printf("✓ Containers destroyed for exploit %d\n", id)
		return nil
	},
}

func findExploit(c *client.Client, id int64) (*types.Exploit, error) {
	exploits, err := c.ListExploits(nil)
	if err != nil {
		return nil, err
	}
	for i := range exploits {
		if exploits[i].ID == id {
			return &exploits[i], nil
		}
	}
	return nil, fmt.Errorf("exploit %d not found", id)
}

func init() {
	exploitCmd.AddCommand(exploitListCmd)
	exploitCmd.AddCommand(exploitAddCmd)
	exploitCmd.AddCommand(exploitUpdateCmd)
	exploitCmd.AddCommand(exploitRemoveCmd)
	exploitCmd.AddCommand(exploitWarmCmd)
	exploitCmd.AddCommand(exploitTeardownCmd)

	exploitListCmd.Flags().Int64("challenge", 0, "Only exploits of this challenge")

	exploitAddCmd.Flags().Int64("challenge", 0, "Challenge the exploit attacks (required)")
	exploitAddCmd.Flags().String("image", "", "Docker image (required)")
	exploitAddCmd.Flags().String("entrypoint", "", "Entrypoint inside the container (default /exploit)")
	exploitAddCmd.Flags().Int("timeout", 0, "Per-exec timeout in seconds (0 = server default)")
	exploitAddCmd.Flags().Int("max-per-container", 0, "Concurrent execs per container (0 = server default)")
	exploitAddCmd.Flags().Int("max-containers", 0, "Pool container cap (0 = unlimited)")
	exploitAddCmd.Flags().Int("counter", 0, "Execs before a container is recycled (0 = server default)")
	exploitAddCmd.Flags().StringArray("env", nil, "KEY=VALUE environment for execs (repeatable)")
	exploitAddCmd.Flags().Bool("ignore-connection-info", false, "Run without resolved target address/port")
	exploitAddCmd.Flags().Bool("disabled", false, "Create the exploit disabled")
	exploitAddCmd.Flags().Bool("no-auto-add", false, "Do not create exploit-runs for existing teams")
	_ = exploitAddCmd.MarkFlagRequired("challenge")
	_ = exploitAddCmd.MarkFlagRequired("image")

	exploitUpdateCmd.Flags().String("name", "", "New name")
	exploitUpdateCmd.Flags().String("image", "", "Docker image")
	exploitUpdateCmd.Flags().String("entrypoint", "", "Entrypoint inside the container")
	exploitUpdateCmd.Flags().Int("timeout", 0, "Per-exec timeout in seconds")
	exploitUpdateCmd.Flags().Int("max-per-container", 0, "Concurrent execs per container")
	exploitUpdateCmd.Flags().Int("max-containers", 0, "Pool container cap (0 = unlimited)")
	exploitUpdateCmd.Flags().Int("counter", 0, "Execs before a container is recycled")
	exploitUpdateCmd.Flags().StringArray("env", nil, "KEY=VALUE environment for execs (repeatable)")
	exploitUpdateCmd.Flags().Bool("ignore-connection-info", false, "Run without resolved target address/port")
	exploitUpdateCmd.Flags().Bool("enabled", true, "Enable or disable the exploit")

	rootCmd.AddCommand(exploitCmd)
}
