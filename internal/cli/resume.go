package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Resume an interrupted checkpointed job",
		Long: "Resume continues a job from its last checkpoint. With --workdir the\n" +
			"completed artifacts are migrated to the new directory first, which is\n" +
			"how a job started on a full volume moves to a bigger one.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result := svc.Resume(ctx, args[0], workDir, consoleCallbacks())
			return reportResult(result)
		},
	}

	cmd.Flags().StringVar(&workDir, "workdir", "", "resume in this working directory, migrating completed artifacts")
	return cmd
}
