package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain recorded jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsSweepCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs and their resume state",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			jobs, err := svc.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No recorded jobs.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"JOB", "INPUT", "STATUS", "PROGRESS", "RESUMABLE", "UPDATED"})
			for _, j := range jobs {
				progress := "-"
				if j.UnitsTotal > 0 {
					progress = fmt.Sprintf("%d/%d", j.UnitsDone, j.UnitsTotal)
				}
				resumable := ""
				if j.Resumable {
					resumable = "yes"
				}
				t.AppendRow(table.Row{
					j.JobID,
					j.InputPath,
					colorStatus(j.Status),
					progress,
					resumable,
					humanize.Time(j.UpdatedAt),
				})
			}
			t.Render()
			return nil
		},
	}
}

func newJobsSweepCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove checkpoints older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if olderThan == 0 {
				olderThan = cfg.Checkpoint.Retention
			}
			n, err := svc.Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale checkpoint(s) older than %s.\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window override (e.g. 72h)")
	return cmd
}

func colorStatus(s restore.Status) string {
	switch s {
	case restore.StatusSuccess:
		return color.GreenString(string(s))
	case restore.StatusFailed:
		return color.RedString(string(s))
	case restore.StatusRunning:
		return color.CyanString(string(s))
	case restore.StatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
