package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the depth of the build queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		depth, err := st.CountQueuedJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to count queued jobs: %w", err)
		}
		cmd.Printf("%d jobs waiting\n", depth)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
