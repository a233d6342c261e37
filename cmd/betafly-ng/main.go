package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagConfig     string
	flagReplayDest string
	flagSpeed      float64
	flagLoop       bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "betafly-ng",
		Short: "Betafly-NG - optical-flow position hold companion for small multirotors",
		Long: `Betafly-NG estimates horizontal position from an optical-flow sensor and
altitude, and computes pitch/roll corrections that damp drift or hold a
position. Pilot sticks can be blended in over SBUS.

Use "run" to start the control loop and the web API, and the log
subcommands to inspect flight logs afterwards.`,
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runFromConfig(ctx, flagConfig)
		},
	}
	runCmd.Flags().StringVar(&flagConfig, "config", "./dev.yaml", "Path to YAML config")

	summaryCmd := &cobra.Command{
		Use:   "log-summary <flight_log.csv>",
		Short: "Print statistics for a flight log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLogSummary(cmd.OutOrStdout(), args[0])
		},
	}

	plotCmd := &cobra.Command{
		Use:   "plot <flight_log.csv> <track.png>",
		Short: "Render the XY track of a flight log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return plotLog(args[0], args[1])
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay <flight_log.csv>",
		Short: "Send the corrections of a flight log over UDP with their original timing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return replayLog(ctx, args[0], flagReplayDest, flagSpeed, flagLoop)
		},
	}
	replayCmd.Flags().StringVar(&flagReplayDest, "dest", "127.0.0.1:14555", "UDP destination host:port")
	replayCmd.Flags().Float64Var(&flagSpeed, "speed", 1.0, "Playback speed multiplier")
	replayCmd.Flags().BoolVar(&flagLoop, "loop", false, "Restart from the beginning when the log ends")

	rootCmd.AddCommand(runCmd, summaryCmd, plotCmd, replayCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
