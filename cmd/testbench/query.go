package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/config"
)

const (
	defaultListLimit   = 20
	defaultTrendDays   = 7
	defaultStatsRecent = 10
)

var statsRecent int

var listCmd = &cobra.Command{
	Use:   "list [limit]",
	Short: "List recent test runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parsePositive(args, "limit", defaultListLimit)
		if err != nil {
			return err
		}

		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			runs, err := b.List(ctx, limit)
			if err != nil {
				return err
			}

			return browser.RenderRuns(cmd.OutOrStdout(), runs)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <runId>",
	Short: "Show a run and its executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			detail, err := b.Show(ctx, id)
			if err != nil {
				return err
			}

			return browser.RenderRun(cmd.OutOrStdout(), detail)
		})
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <runId> <runId>",
	Short: "Compare case durations and statuses between two runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		b, err := parseRunID(args[1])
		if err != nil {
			return err
		}

		return withBrowser(func(ctx context.Context, _ *config.Config, br *browser.Browser) error {
			cmp, err := br.Compare(ctx, a, b)
			if err != nil {
				return err
			}

			return browser.RenderComparison(cmd.OutOrStdout(), cmp)
		})
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures <runId>",
	Short: "Show failed validations with diff previews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}

		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			failures, err := b.Failures(ctx, id)
			if err != nil {
				return err
			}

			return browser.RenderFailures(cmd.OutOrStdout(), id, failures)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cumulative totals and recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			stats, err := b.Stats(ctx, statsRecent)
			if err != nil {
				return err
			}

			return browser.RenderStats(cmd.OutOrStdout(), stats)
		})
	},
}

var trendsCmd = &cobra.Command{
	Use:   "trends [days]",
	Short: "Show per-case duration and pass-rate trends",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := parsePositive(args, "days", defaultTrendDays)
		if err != nil {
			return err
		}

		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			trends, err := b.Trends(ctx, days)
			if err != nil {
				return err
			}

			return browser.RenderTrends(cmd.OutOrStdout(), days, trends)
		})
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsRecent, "recent", defaultStatsRecent, "number of recent runs to show")

	rootCmd.AddCommand(listCmd, showCmd, compareCmd, failuresCmd, statsCmd, trendsCmd)
}
