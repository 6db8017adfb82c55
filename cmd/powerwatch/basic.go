package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/powerwatch/pkg/client"
	"github.com/charlie0129/powerwatch/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "status",
		GroupID:     gBasic,
		Short:       "Get the current status of powerwatch",
		Long:        `Get the alert engine state, power source, running reminders and battery info.`,
		Annotations: talksToDaemon,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient().GetStatus(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			cmd.Println(bold("Alert engine:"))
			state := st.State
			switch state {
			case "Running":
				state = color.GreenString(state)
			case "Paused":
				state = color.YellowString(state)
			default:
				state = color.RedString(state)
			}
			cmd.Printf("  State: %s\n", bold("%s", state))
			cmd.Printf("  Daemon version: %s\n", bold("%s", st.Version))
			cmd.Printf("  Heartbeat: %s\n", bold("%d ticks, last %s", st.Heartbeat.TicksElapsed, ago(st.Heartbeat.LastTick)))
			cmd.Printf("  History enabled: %s\n", bool2Text(st.HistoryEnabled))
			cmd.Printf("  Event subscribers: %s\n", bold("%d", st.Subscribers))
			cmd.Println()

			cmd.Println(bold("Power:"))
			cmd.Printf("  Battery present: %s\n", bool2Text(st.BatteryPresent))
			src := st.PowerSource
			switch src {
			case "battery":
				src = color.RedString(src)
			case "wall":
				src = color.GreenString(src)
			}
			cmd.Printf("  Power source: %s\n", bold("%s", src))
			for _, b := range st.Batteries {
				cmd.Printf("  Battery %d: %s, %s charged, %s health, %s\n",
					b.Index,
					bold("%s", strings.ToLower(b.State)),
					bold("%.0f%%", b.Percent()),
					bold("%.0f%%", b.Health()),
					bold("%+.1f W", b.ChargeRate/1e3),
				)
			}
			cmd.Println()

			cmd.Println(bold("Reminders:"))
			if len(st.Sessions) == 0 {
				cmd.Println("  None")
			}
			for _, s := range st.Sessions {
				line := fmt.Sprintf("  %s: %s, started %s, %d resent", s.Key, s.Subject, ago(s.StartedAt), s.ResendCount)
				if s.Cancelled {
					line += color.YellowString(" (cancelling)")
				}
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")

	return cmd
}

func NewHistoryCommand() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:         "history",
		GroupID:     gBasic,
		Short:       "Show recently sent notifications",
		Long:        `Show recently sent notifications, newest first. History must be enabled with historyPath in the config.`,
		Args:        cobra.NoArgs,
		Annotations: talksToDaemon,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := newClient().GetHistory(cmd.Context(), n)
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("notification history is disabled, set historyPath in the config to enable it")
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("No notifications were sent yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCHANNEL\tOK\tSUBJECT")
			for _, r := range records {
				ok := bool2Text(r.OK)
				subject := r.Subject
				if r.Error != "" {
					subject += " (" + r.Error + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.At.Local().Format("2006-01-02 15:04:05"), r.Channel, ok, subject)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of records to show")

	return cmd
}

func NewTestNotificationCommand() *cobra.Command {
	return newActionCommand("test-notification", "Send a test notification",
		`Send a test notification through every configured channel.`, gBasic,
		func(cmd *cobra.Command) (string, error) {
			return newClient().SendTestNotification(cmd.Context())
		})
}
