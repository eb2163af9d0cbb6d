package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/store"
)

var (
	forcePrune    bool
	pruneDays     int
	pruneKeepLogs bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old test runs and their artifacts",
	Long: `Delete every run started before the retention window together with its
executions and validations. Benchmark samples are kept and detached from
the deleted runs. Run log files and JSON exports of deleted runs are
removed unless --keep-logs is set.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&forcePrune, "force", "f", false, "Skip confirmation prompt")
	pruneCmd.Flags().IntVar(&pruneDays, "older-than-days", 30, "delete runs older than this many days")
	pruneCmd.Flags().BoolVar(&pruneKeepLogs, "keep-logs", false, "keep log files and exports of deleted runs")
}

func runPrune(cmd *cobra.Command, args []string) error {
	if pruneDays <= 0 {
		return fmt.Errorf("--older-than-days must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	cutoff := time.Now().UTC().Add(-time.Duration(pruneDays) * 24 * time.Hour)

	runs, err := st.ListRunsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		log.WithField("cutoff", cutoff.Format(time.RFC3339)).Info("No runs to prune")

		return nil
	}

	fmt.Printf("\nRuns to be removed (%d):\n", len(runs))

	for _, r := range runs {
		fmt.Printf("  - %d (%s, %s)\n", r.ID, r.RunTimestamp.UTC().Format("2006-01-02 15:04:05"), r.Status)
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !forcePrune {
		fmt.Print("Are you sure you want to remove these runs? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Prune cancelled")

			return nil
		}
	}

	deleted, err := st.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	if !pruneKeepLogs {
		removeRunArtifacts(cfg, runs)
	}

	log.WithField("runs", deleted).Info("Prune completed")

	return nil
}

// removeRunArtifacts deletes log files and exports of pruned runs.
// Missing files are ignored.
func removeRunArtifacts(cfg *config.Config, runs []store.TestRun) {
	for _, r := range runs {
		paths := []string{filepath.Join(cfg.ExportsDir(), fmt.Sprintf("run-%d.json", r.ID))}
		if r.LogFile != "" {
			paths = append(paths, r.LogFile)
		}

		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WithError(err).WithField("path", p).Warn("Failed to remove run artifact")
			}
		}
	}
}
