package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/fsutil"
	"github.com/ethpandaops/testbench/pkg/upload"
)

var (
	exportOutput string
	exportUpload bool
)

var exportCmd = &cobra.Command{
	Use:   "export <runId> [" + strings.Join(browser.Formats, "|") + "]",
	Short: "Export a run as JSON, CSV or Markdown",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "upload the export to the configured S3 bucket")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	id, err := parseRunID(args[0])
	if err != nil {
		return err
	}

	format := browser.FormatJSON
	if len(args) == 2 {
		format = strings.ToLower(args[1])
	}

	return withBrowser(func(ctx context.Context, cfg *config.Config, b *browser.Browser) error {
		data, err := b.Export(ctx, id, format)
		if err != nil {
			return err
		}

		if exportUpload {
			run, err := b.Show(ctx, id)
			if err != nil {
				return err
			}

			if err := uploadExport(ctx, cfg, upload.RunDir(id, run.Run.RunTimestamp), format, data); err != nil {
				return err
			}
		}

		if exportOutput == "" {
			_, err := cmd.OutOrStdout().Write(data)

			return err
		}

		owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
		if err != nil {
			return fmt.Errorf("parsing results_owner: %w", err)
		}

		if err := fsutil.WriteFile(exportOutput, data, 0o644, owner); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}

		log.WithField("path", exportOutput).Info("Export written")

		return nil
	})
}

func uploadExport(ctx context.Context, cfg *config.Config, runDir, format string, data []byte) error {
	if !cfg.Upload.S3.Enabled {
		return fmt.Errorf("upload requested but upload.s3 is not enabled")
	}

	uploader, err := upload.NewS3Uploader(ctx, log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.UploadBytes(uploadCtx, runDir, "run."+browser.Extension(format), data); err != nil {
		return fmt.Errorf("uploading export: %w", err)
	}

	return nil
}
