package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// EnvServer overrides the default --server value.
const EnvServer = "MAZUADM_SERVER"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mazuadm",
	Short: "mazuadm - attack/defense exploit fleet control plane",
	Long: `mazuadm runs a fleet of exploit containers against the other teams
in an attack/defense CTF: it keeps the catalog of challenges, teams and
exploits, schedules rounds of exploit jobs, manages a persistent pool of
exploit containers, and collects the captured flags.

Every command except 'server' talks to a running mazuadm server over its
HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mazuadm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", defaultServer(), "mazuadm server base URL")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func defaultServer() string {
	if env := os.Getenv(EnvServer); env != "" {
		return env
	}
	return "http://127.0.0.1:3000"
}

// api returns a client bound to the --server flag.
func api(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

// parseID parses a positive numeric id argument.
func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// parseAssignment parses an "ID=VALUE" reorder argument.
func parseAssignment(arg string) (int64, int, error) {
	idStr, valStr, ok := strings.Cut(arg, "=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid assignment %q, want ID=VALUE", arg)
	}
	id, err := parseID(idStr)
	if err != nil {
		return 0, 0, err
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value in %q", arg)
	}
	return id, val, nil
}

// tab returns a column-aligned writer on stdout; callers must Flush.
func tab() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("mazuadm version %s (commit %s, built %s)\n", Version, Commit, BuildTime)

		c := api(cmd)
		defer c.Close()
		info, err := c.Version()
		if err != nil {
			fmt.Println("server: unreachable")
			return nil
		}
		fmt.Printf("server version %s (commit %s, built %s)\n", info.Version, info.Commit, info.BuildTime)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api(cmd)
		defer c.Close()

		if err := c.Health(); err != nil {
			return fmt.Errorf("server unhealthy: %w", err)
		}
		fmt.Println("✓ Server healthy")

		if rounds, err := c.ListRounds("desc", 1); err == nil && len(rounds) > 0 {
			r := rounds[0]
			fmt.Printf("  Latest round: %d (%s)\n", r.ID, r.Status)
		}
		if containers, err := c.ListContainers(); err == nil {
			fmt.Printf("  Pool containers: %d\n", len(containers))
		}
		if conns, err := c.ListWSConnections(); err == nil {
			fmt.Printf("  Event subscribers: %d\n", len(conns))
		}
		return nil
	},
}
