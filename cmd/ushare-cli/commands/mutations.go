package commands

import (
	"fmt"
	"strconv"

	"quotashare-backend/lib/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(removeCmd)
}

func parseQuota(arg string) float64 {
	quota, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		serviceutil.Fatal("quota must be a number of GB", err)
	}
	return quota
}

var addCmd = &cobra.Command{
	Use:   "add <identity> <phone> <quotaGB>",
	Short: "Adds a shared-quota subscriber to an admin account.",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		err := service.AddSubscriber(cmd.Context(), args[0], args[1], parseQuota(args[2]))
		if err != nil {
			serviceutil.Fatal("add subscriber", err)
		}
		fmt.Printf("added %s to %s\n", args[1], args[0])
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <identity> <phone> <quotaGB>",
	Short: "Changes a subscriber's quota.",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		err := service.EditSubscriberQuota(cmd.Context(), args[0], args[1], parseQuota(args[2]))
		if err != nil {
			serviceutil.Fatal("edit subscriber quota", err)
		}
		fmt.Printf("updated %s on %s\n", args[1], args[0])
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <identity> <phone>",
	Short: "Removes a subscriber from an admin account.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService(cmd.Context())

		err := service.RemoveSubscriber(cmd.Context(), args[0], args[1])
		if err != nil {
			serviceutil.Fatal("remove subscriber", err)
		}
		fmt.Printf("removed %s from %s\n", args[1], args[0])
	},
}
