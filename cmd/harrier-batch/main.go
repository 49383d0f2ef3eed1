// Harrier - Risk scoring for financial documents.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command harrier-batch submits every document under a directory to a Harrier server,
// starts analysis, polls each case until it settles and prints the risk distribution.
//
// Usage:
//
//	harrier-batch ./documents --server http://localhost:8080 --principal auditor
//
// Document references are the paths relative to the directory, so the directory should be
// the server's documents root (or use --prefix for a subdirectory of it).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var opts batchOptions

var rootCmd = &cobra.Command{
	Use:   "harrier-batch [dir]",
	Short: "Submit a directory of documents to Harrier and report their risk levels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		opts.Dir = args[0]
		report, err := runBatch(ctx, opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		if report.Errors > 0 {
			return fmt.Errorf("%d documents could not be processed", report.Errors)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "Harrier base URL")
	rootCmd.Flags().StringVar(&opts.Principal, "principal", "batch", "Principal the cases are created under")
	rootCmd.Flags().StringVar(&opts.Prefix, "prefix", "", "Prefix prepended to every document reference")
	rootCmd.Flags().StringSliceVar(&opts.Extensions, "ext", []string{".csv", ".json"}, "Document extensions to submit")
	rootCmd.Flags().IntVar(&opts.Workers, "workers", 4, "Number of documents processed concurrently")
	rootCmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", time.Second, "Delay between case polls")
	rootCmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Maximum wait per case")
	rootCmd.Flags().BoolVar(&opts.Verbose, "verbose", false, "Print each case result")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
