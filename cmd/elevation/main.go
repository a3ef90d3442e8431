// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/app"
	"github.com/relabs-tech/elevation_computer/internal/config"
)

var (
	gConfigPath string
	gDebug      bool
	gDeviceID   string
	gLocal      bool

	gSimPrefix string
	gSimRate   int
	gSimBatch  int

	logger *zap.Logger
	scope  tally.Scope
)

var rootCmd = &cobra.Command{
	Use:           "elevation",
	Short:         "elevation computer",
	Long:          "Estimates elevation angles from a wearable strap and the on-board IMU, records sessions and exports them.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		if gDebug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}
		if err := config.InitGlobal(gConfigPath); err != nil {
			return err
		}
		logger.Info("config loaded", zap.String("path", gConfigPath), zap.String("source", config.Get().Source))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the web server and the MQTT snapshot relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.RunServe(cmd.Context(), logger, scope)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "record one session and export it",
	Example: `# Record the wearable B5E6A12C until the duration limit or Ctrl+C:
./elevation record --device B5E6A12C`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.RunRecord(cmd.Context(), gDeviceID, cmd.OutOrStdout(), logger, scope)
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "print relayed snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if gLocal {
			interval := time.Duration(config.Get().ConsoleLogInterval) * time.Millisecond
			return app.RunMockConsole(cmd.Context(), cmd.OutOrStdout(), interval, logger)
		}
		return app.RunConsoleMQTT(cmd.Context(), cmd.OutOrStdout(), logger)
	},
}

var wearableSimCmd = &cobra.Command{
	Use:   "wearable-sim",
	Short: "simulate a wearable on the MQTT bridge",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Get()
		id := gDeviceID
		if id == "" {
			id = cfg.WearableDeviceID
		}
		prefix := gSimPrefix
		if prefix == "" {
			prefix = cfg.WearableTopicPrefix
		}
		return app.RunWearableSim(cmd.Context(), cfg.MQTTBroker, cfg.MQTTClientID+"-sim", app.WearableSimOptions{
			Prefix:   prefix,
			DeviceID: id,
			RateHz:   gSimRate,
			Batch:    gSimBatch,
			Logger:   logger,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&gConfigPath, "config", "c", "elevation_config.txt", "KEY=VALUE configuration file (empty for defaults and environment only)")
	rootCmd.PersistentFlags().BoolVar(&gDebug, "debug", false, "development logging")

	recordCmd.Flags().StringVarP(&gDeviceID, "device", "d", "", "wearable device id (defaults to WEARABLE_DEVICE_ID)")
	consoleCmd.Flags().BoolVar(&gLocal, "local", false, "run the builtin source on the simulated IMU instead of listening to the broker")
	wearableSimCmd.Flags().StringVarP(&gDeviceID, "device", "d", "", "simulated device id (defaults to WEARABLE_DEVICE_ID)")
	wearableSimCmd.Flags().StringVar(&gSimPrefix, "prefix", "", "topic prefix (defaults to WEARABLE_TOPIC_PREFIX)")
	wearableSimCmd.Flags().IntVar(&gSimRate, "rate", 50, "motion sample rate in Hz")
	wearableSimCmd.Flags().IntVar(&gSimBatch, "batch", 10, "samples per motion frame")

	rootCmd.AddCommand(serveCmd, recordCmd, consoleCmd, wearableSimCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closer io.Closer
	scope, closer = tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "elevation",
		Reporter: tally.NullStatsReporter,
	}, time.Second)

	err := rootCmd.ExecuteContext(ctx)
	if logger != nil {
		if err != nil {
			logger.Error("fatal", zap.Error(err))
		}
		_ = logger.Sync()
	}
	closer.Close()
	if err != nil {
		if logger == nil {
			os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
}
