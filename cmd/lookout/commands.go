package main

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/dandantas/lookout/internal/config"
)

// globalFlags override the environment configuration when set
type globalFlags struct {
	region       string
	dataDir      string
	checksFile   string
	controlPlane string
	logLevel     string
}

func (f *globalFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("region") {
		cfg.Region = f.region
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("checks") {
		cfg.ChecksFile = f.checksFile
	}
	if flags.Changed("control-plane") {
		cfg.ControlPlane = f.controlPlane
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func newRootCmd() *cobra.Command {
	var (
		flags globalFlags
		cfg   *config.Config
	)

	root := &cobra.Command{
		Use:   "lookout",
		Short: "Lookout synthetic monitoring agent",
		Long:  "Lookout runs the checks scheduled for its region and delivers their results durably to the collector.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			config.InitLogger(cfg)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.region, "region", "", "region whose checks this agent runs (LOOKOUT_REGION)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory holding the submission logs (DATA_DIR)")
	pf.StringVar(&flags.checksFile, "checks", "", "check catalogue file (CHECKS_FILE)")
	pf.StringVar(&flags.controlPlane, "control-plane", "", "control plane backend: http, mongo or file (CONTROL_PLANE)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error (LOG_LEVEL)")

	root.AddCommand(newRunCmd(func() *config.Config { return cfg }))
	root.AddCommand(newRecheckCmd(func() *config.Config { return cfg }))
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	var runFor time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted or until --run-for elapses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), cfg(), clock.New(), runFor)
		},
	}
	cmd.Flags().DurationVar(&runFor, "run-for", 0, "stop after this long; 0 runs until interrupted")
	return cmd
}

func newRecheckCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "recheck",
		Short: "Replay undelivered submissions from the logs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.New()
			pipeline, err := newPipeline(cfg(), clk, nil)
			if err != nil {
				return err
			}
			defer pipeline.Close()

			report, err := pipeline.Recheck(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// Skips config loading and logger setup
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lookout version %s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			return nil
		},
	}
}
