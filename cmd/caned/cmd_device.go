package main

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	deviceCmd.AddCommand(deviceListCmd)
	rootCmd.AddCommand(deviceCmd)
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect device sessions",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted device sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		sessions, err := st.ListDeviceSessions(context.Background())
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}
