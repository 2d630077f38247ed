package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/progress"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/service"
)

func newRunCmd() *cobra.Command {
	var (
		input     string
		output    string
		optPairs  []string
		workDir   string
		resumable bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a restoration to completion",
		Example: `  restorer run -i tape.avi -o restored.mkv --opt deinterlace=true --opt codec=ffv1_lossless
  restorer run -i tape.avi -o restored.mkv --resumable --opt "unit_command=restore-frame {input} {unit} {output}"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptFlags(optPairs)
			if err != nil {
				return err
			}

			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Restorations run for days; let the maintenance sweep fire on
			// schedule while we are alive.
			if err := svc.StartSweepScheduler(ctx); err != nil {
				return restore.WrapError(err, restore.ErrConfig, "invalid sweep schedule")
			}

			result := svc.Run(ctx, service.RunRequest{
				InputPath:  input,
				OutputPath: output,
				Options:    opts,
				WorkDir:    workDir,
				Resumable:  resumable,
			}, consoleCallbacks())

			return reportResult(result)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input video file (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output video file (required)")
	cmd.Flags().StringArrayVar(&optPairs, "opt", nil, "restoration option as key=value (repeatable)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for intermediate artifacts")
	cmd.Flags().BoolVar(&resumable, "resumable", false, "run the checkpointed unit loop instead of the streaming pipeline")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func parseOptFlags(pairs []string) (restore.Options, error) {
	opts := make(restore.Options, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, restore.NewErrorf(restore.ErrConfig, "invalid --opt %q, expected key=value", pair)
		}
		opts[k] = v
	}
	return opts, nil
}

// consoleCallbacks renders progress on one rewritten line and diagnostics
// above it.
func consoleCallbacks() restore.Callbacks {
	return restore.Callbacks{
		OnProgress: func(p restore.Progress) {
			if p.Indeterminate() {
				fmt.Fprintf(os.Stderr, "\rprocessing... %.1f fps", p.Rate)
				return
			}
			fmt.Fprintf(os.Stderr, "\r%5.1f%%  ETA %s  %.1f fps",
				p.Percent, progress.FormatETA(p.ETA, p.ETAKnown), p.Rate)
		},
		OnLog: func(line string) {
			fmt.Fprintf(os.Stderr, "\r\033[K%s\n", line)
		},
	}
}

func reportResult(result restore.Result) error {
	fmt.Fprintln(os.Stderr)
	switch result.Status {
	case restore.StatusSuccess:
		color.Green("Done: %s", result.Message)
		return nil
	case restore.StatusCancelled:
		color.Yellow("Cancelled: %s", result.Message)
	default:
		color.Red("Failed in %s stage: %s", result.Stage, result.Message)
		if len(result.DiagnosticTail) > 0 {
			fmt.Fprintln(os.Stderr, "Last diagnostic output:")
			for _, line := range result.DiagnosticTail {
				fmt.Fprintln(os.Stderr, "  "+line)
			}
		}
	}
	if result.Resumable {
		color.Yellow("Progress is saved; rerun or use 'restorer resume' to continue.")
	}
	return resultError(result)
}
