/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capfleet/capfleet/internal/agent"
	"github.com/capfleet/capfleet/internal/capture"
	"github.com/capfleet/capfleet/internal/logging"
	"github.com/capfleet/capfleet/internal/storage"
	"github.com/capfleet/capfleet/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capfleet-agent",
	Short: "Capfleet edge agent - captures audio on coordinator command",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the coordinator and serve capture commands",
	RunE:  runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "agent.yaml", "path to the agent config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(os.Getenv("CAPFLEET_ENV"))
	logger.Info().
		Str("version", version.Version).
		Str("server", cfg.ServerURL).
		Str("device_name", cfg.DeviceName).
		Msg("capfleet agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archive storage.ObjectStore
	if cfg.S3.Bucket != "" {
		s3store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("init s3 archive: %w", err)
		}
		archive = s3store
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("s3 archive enabled")
	}

	var source capture.Source
	if ffmpeg, err := capture.NewFFmpegSource("", "", logger); err == nil {
		source = ffmpeg
	} else {
		logger.Warn().Err(err).Msg("ffmpeg unavailable, capturing silence")
		source = &capture.SilenceSource{}
	}
	recorder := capture.NewRecorder(source, logger)

	a := agent.New(cfg, recorder, archive, logger)
	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("capfleet agent stopped")
	return nil
}
