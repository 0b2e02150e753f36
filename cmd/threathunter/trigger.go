package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request an immediate processing cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().postJSON("/api/cycle/trigger", nil, nil); err != nil {
			return err
		}
		fmt.Println("Cycle requested.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}
