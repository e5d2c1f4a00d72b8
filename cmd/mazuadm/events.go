package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the live event stream",
	Long: `Tail the live event stream over a websocket.

Without --events every event is printed. Filters are category tokens:
"flag" matches flag_created, "exploit" matches exploit and exploit_run
events, "round" matches the round lifecycle. Press Ctrl-C to stop.

Examples:
  # Watch everything
  mazuadm events

  # Only flags and round transitions
  mazuadm events --events flag,round`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		filters, _ := cmd.Flags().GetStringSlice("events")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := api(cmd)
		defer c.Close()

		err := c.StreamEvents(ctx, user, "cli", filters, func(ev events.Event) {
			line := time.Now().Format("15:04:05")
			if ev.Data != nil {
				if data, err := json.Marshal(ev.Data); err == nil {
					fmt.Printf("%s  %-28s %s\n", line, ev.Type, data)
					return
				}
			}
			fmt.Printf("%s  %s\n", line, ev.Type)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	eventsCmd.Flags().String("user", "mazuadm", "Subscriber name shown in ws-connections (3-16 alphanumeric)")
	eventsCmd.Flags().StringSlice("events", nil, "Event categories to subscribe to (default all)")

	rootCmd.AddCommand(eventsCmd)
}
