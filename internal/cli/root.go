// Package cli is the cobra command surface over the restore service.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/config"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/service"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

const (
	exitOK = 0
	// Recoverable failure: the same invocation can be retried, any
	// checkpoint is preserved.
	exitRecoverable = 1
	// Configuration or prerequisite error: user action needed first.
	exitConfig = 2
)

var (
	flagEnvFile  string
	flagDataRoot string
	flagVerbose  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "restorer",
		Short: "Tape restoration pipeline orchestrator",
		Long: "restorer drives a filter-into-encoder restoration pipeline with\n" +
			"progress reporting, disk space preflight, and checkpointed resume\n" +
			"for long unit-by-unit restorations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagEnvFile != "" {
				_ = godotenv.Load(flagEnvFile)
			}
			if flagVerbose {
				log.InitLogger(log.LevelDebug)
			}
		},
	}

	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "load environment from this file")
	root.PersistentFlags().StringVar(&flagDataRoot, "data-root", "", "override the application data root")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newJobsCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newDiscardCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		printError(err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var re *restore.RestoreError
	if errors.As(err, &re) && !re.Retryable() {
		return exitConfig
	}
	return exitRecoverable
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	var re *restore.RestoreError
	if errors.As(err, &re) {
		fmt.Fprintln(os.Stderr, "Hint:", re.Advice())
	}
}

// newService builds config and service for one command invocation.
func newService() (*service.Service, *config.Config, error) {
	cfg, err := config.NewFromEnv(config.WithDataRoot(flagDataRoot))
	if err != nil {
		return nil, nil, restore.WrapError(err, restore.ErrConfig, "load configuration")
	}
	svc, err := service.New(cfg, log.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// resultError converts a terminal result into the error the exit-code
// mapping expects. Cancellation is recoverable; the checkpoint survives.
func resultError(result restore.Result) error {
	if result.Succeeded() {
		return nil
	}
	if result.Err != nil {
		return result.Err
	}
	return restore.NewError(restore.ErrSubprocess, result.Message)
}
