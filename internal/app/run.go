// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/elevation_computer/internal/config"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/recording"
)

// RunServe runs the engine behind the web server and relays snapshots to
// MQTT until ctx is done. A broker that cannot be reached disables the
// relay only.
func RunServe(ctx context.Context, logger *zap.Logger, scope tally.Scope) error {
	cfg := config.Get()
	e, err := NewEngineFromConfig(cfg, logger, scope)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("engine close", zap.Error(err))
		}
	}()

	if cfg.WearableDeviceID != "" && e.Selected() == config.SourceWearable {
		if err := e.Connect(ctx, cfg.WearableDeviceID); err != nil {
			logger.Warn("startup connect failed", zap.String("device", cfg.WearableDeviceID), zap.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return RunWeb(ctx, e, cfg.WebServerPort, logger)
	})

	client := newMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID+"-relay", logger)
	if err := connectMQTT(client, cfg.ConnectTimeout()); err != nil {
		logger.Warn("snapshot relay disabled", zap.Error(err))
	} else {
		defer client.Disconnect(250)
		g.Go(func() error {
			return NewRelay(client, cfg.TopicSnapshot, logger).Run(ctx, e)
		})
	}
	return g.Wait()
}

// RunRecord connects the selected source, records one session and writes
// the export. The session ends on its duration limit or when ctx is done.
func RunRecord(ctx context.Context, deviceID string, out io.Writer, logger *zap.Logger, scope tally.Scope) error {
	cfg := config.Get()
	e, err := NewEngineFromConfig(cfg, logger, scope)
	if err != nil {
		return err
	}
	defer e.Close()

	if deviceID == "" {
		deviceID = cfg.WearableDeviceID
	}
	if err := e.Connect(ctx, deviceID); err != nil {
		return fmt.Errorf("connect %s: %w", e.Selected(), err)
	}
	if err := e.StartRecording(); err != nil {
		return err
	}
	fmt.Fprintf(out, "recording %s for up to %v\n", e.Selected(), cfg.RecordingDuration())

	var res recording.Result
	select {
	case res = <-e.Finished():
	case <-ctx.Done():
		if err := e.StopRecording(); err != nil {
			logger.Warn("export failed", zap.Error(err))
		}
		res = <-e.Finished()
	}

	v1, _, _ := e.History(orientation.Alg1, "")
	fmt.Fprintf(out, "stopped after %v (auto=%t), %d estimates\n", res.Elapsed, res.Auto, len(v1))
	if res.ExportErr != nil {
		return res.ExportErr
	}
	fmt.Fprintf(out, "exported to %s\n", e.ExportPath())
	return nil
}
