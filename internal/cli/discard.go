package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard JOB_ID",
		Short: "Delete a job's checkpoint and mark it cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Discarded job %s.\n", args[0])
			return nil
		},
	}
}
