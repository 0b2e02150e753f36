package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ignoreCmd = &cobra.Command{
	Use:   "ignore <issue-id>",
	Short: "Dismiss an issue permanently",
	Long: `Remove an issue from the active list and record it in the persistent
ignore set, so future analysis passes never resurface it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := newAPIClient().postJSON("/api/issues/"+id+"/ignore", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Issue %s ignored.\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ignoreCmd)
}
