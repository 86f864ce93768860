package commands

import (
	"os"
	"strconv"
	"time"

	"quotashare-backend/lib/serviceutil"
	"quotashare-backend/lib/timezone"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var auditLimit *int64

func init() {
	auditLimit = auditCmd.Flags().Int64("limit", 50, "Maximum number of entries to show.")
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit <identity> [--limit <n>]",
	Short: "Shows recent mutation outcomes for an admin account.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		entries, err := service.AuditLog(cmd.Context(), args[0], *auditLimit)
		if err != nil {
			serviceutil.Fatal("read audit log", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Time", "Action", "Phone", "Quota (GB)", "OK", "Error"})
		for _, e := range entries {
			quota := ""
			if e.QuotaGb.Valid {
				quota = strconv.FormatFloat(e.QuotaGb.Float64, 'f', -1, 64)
			}
			t.AppendRow(table.Row{
				time.Unix(e.CreatedAt, 0).In(timezone.Location).Format("2006-01-02 15:04"),
				e.Action, e.TargetPhone, quota, e.Success, e.ErrorMessage,
			})
		}
		t.Render()
	},
}
