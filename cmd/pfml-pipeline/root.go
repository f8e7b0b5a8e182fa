package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Badsworth/pfml-scripts-sub002/internal/cli/config"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/report"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
)

var (
	// Set at build time via -ldflags.
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "pfml-pipeline",
	Short: "Runs the PFML delegated-payments extract pipelines.",
	Long: `pfml-pipeline ingests FINEOS CSV extracts, reconciles claimant and
payment data into the pipeline database, tracks every record through its
workflow states and generates error reports for records that failed
validation.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// withOptions loads configuration, wires dependencies and runs fn with the
// resulting options. It owns the signal context and cleanup.
func withOptions(fn func(ctx context.Context, opts *pipeline.Options) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, logger, err := config.LoadAndValidate(cfgFile, verbose, cmd.Flags())
		if err != nil {
			return err
		}
		opts, cleanup, err := config.BuildOptions(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				logger.Error("failed to close pipeline database", slog.Any("error", err))
			}
		}()

		return fn(ctx, opts)
	}
}

var claimantExtractCmd = &cobra.Command{
	Use:   "claimant-extract",
	Short: "Process the latest unprocessed FINEOS claimant extract date-group.",
	Args:  cobra.NoArgs,
	RunE: withOptions(func(ctx context.Context, opts *pipeline.Options) error {
		step, err := pipeline.NewClaimantExtractStep(opts)
		if err != nil {
			return err
		}
		return step.Run(ctx, step)
	}),
}

var paymentExtractCmd = &cobra.Command{
	Use:   "payment-extract",
	Short: "Process the latest unprocessed FINEOS payment extract date-group.",
	Args:  cobra.NoArgs,
	RunE: withOptions(func(ctx context.Context, opts *pipeline.Options) error {
		step, err := pipeline.NewPaymentExtractStep(opts)
		if err != nil {
			return err
		}
		return step.Run(ctx, step)
	}),
}

var errorReportCmd = &cobra.Command{
	Use:   "error-report",
	Short: "Generate and dispatch error reports for records parked in error states.",
	Args:  cobra.NoArgs,
	RunE: withOptions(func(ctx context.Context, opts *pipeline.Options) error {
		gen, err := report.NewGenerator(opts, nil)
		if err != nil {
			return err
		}
		return gen.GenerateErrorReports(ctx)
	}),
}

var stateCountsCmd = &cobra.Command{
	Use:   "state-counts",
	Short: "Print how many records sit in each workflow end state.",
	Args:  cobra.NoArgs,
	RunE: withOptions(func(ctx context.Context, opts *pipeline.Options) error {
		counts, err := opts.StateLog.GetStateCounts(ctx, opts.DB)
		if err != nil {
			return err
		}
		registry, err := statelog.NewRegistry()
		if err != nil {
			return err
		}
		ids := make([]int, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			desc := fmt.Sprintf("state %d", id)
			if s, ok := registry.StateByID(id); ok {
				desc = s.Description
			}
			fmt.Fprintf(os.Stdout, "%6d  %s\n", counts[id], desc)
		}
		return nil
	}),
}

func Execute() {
	rootCmd.SetVersionTemplate(`{{.Use}} version {{.Version}}` + "\n")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default searches ., $HOME/.config/pfml-pipeline/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging output")

	rootCmd.AddCommand(claimantExtractCmd, paymentExtractCmd, errorReportCmd, stateCountsCmd)
}
