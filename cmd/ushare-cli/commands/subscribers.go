package commands

import (
	"fmt"
	"os"

	"quotashare-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var bypassCache *bool

func init() {
	bypassCache = subscribersCmd.Flags().Bool("live", false, "Bypass the snapshot cache and fetch from the portal.")
	rootCmd.AddCommand(subscribersCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(removalsCmd)
}

var subscribersCmd = &cobra.Command{
	Use:   "subscribers <identity> [--live]",
	Short: "Lists the shared-quota subscribers of an admin account.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		subs, err := service.Subscribers(cmd.Context(), args[0], *bypassCache)
		if err != nil {
			serviceutil.Fatal("fetch subscribers", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Phone", "Full", "Status", "Used (GB)", "Quota (GB)"})
		for _, sub := range subs {
			t.AppendRow(table.Row{
				sub.PhoneNumber, sub.FullPhoneNumber, sub.Status,
				fmt.Sprintf("%.2f", sub.UsedGB), fmt.Sprintf("%.2f", sub.TotalGB),
			})
		}
		t.Render()
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <identity>",
	Short: "Fetches the live listing, reconciles removals and persists the snapshot.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		subs, err := service.Refresh(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("refresh", err)
		}
		fmt.Printf("refreshed %s: %d subscribers\n", args[0], len(subs))
	},
}

var removalsCmd = &cobra.Command{
	Use:   "removals <identity>",
	Short: "Lists subscribers removed directly on the portal this billing cycle.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		removals, err := service.Removals(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("list removals", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Phone", "Full", "Used (GB)", "Quota (GB)", "Detected"})
		for _, r := range removals {
			t.AppendRow(table.Row{
				r.PhoneNumber, r.FullPhoneNumber,
				fmt.Sprintf("%.2f", r.UsedGB), fmt.Sprintf("%.2f", r.TotalGB),
				r.DetectedAt.Format("2006-01-02 15:04"),
			})
		}
		t.Render()
	},
}
