package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "newsradar",
		Short:         "Poll news sources, store new items and group them into topic threads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(threadCmd())
	root.AddCommand(sourcesCmd())
	root.AddCommand(resetCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start pipelines, topic clustering and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API over the existing database without polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func pollCmd() *cobra.Command {
	var (
		categories []string
		cycles     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run poll cycles once, without topic clustering",
		Long: `Run poll cycles once, without topic clustering.

The first cycle of a process only seeds watermarks, so use --cycles 2 or more
to persist items that appeared since the previous run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd.Context(), categories, cycles, jsonOutput)
		},
	}

	cmd.Flags().StringSliceVar(&categories, "category", nil, "categories to poll (default: all)")
	cmd.Flags().IntVar(&cycles, "cycles", 1, "number of consecutive cycles")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output cycle reports as JSON")
	return cmd
}

func threadCmd() *cobra.Command {
	var (
		raw        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "thread <topic-id>",
		Short: "Show the timeline of a topic thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThread(cmd.Context(), args[0], raw, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "skip the timeline plausibility filter")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and their watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSources(cmd.Context())
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all stored items and watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return runReset(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
