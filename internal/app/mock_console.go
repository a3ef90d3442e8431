// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

// offlineTransport is a wearable link with nothing on the other end.
type offlineTransport struct{}

func (offlineTransport) Open(context.Context, string, func(bool)) error {
	return fmt.Errorf("%w: no wearable link in mock mode", sensors.ErrConnection)
}
func (offlineTransport) Close(string) error { return nil }
func (offlineTransport) Subscribe(imu.ChannelKind, sensors.FrameHandler) error {
	return fmt.Errorf("%w: no wearable link in mock mode", sensors.ErrConnection)
}
func (offlineTransport) Unsubscribe(imu.ChannelKind) error { return nil }

// RunMockConsole runs the builtin source on the simulated IMU in process,
// without a broker, and prints its snapshot every interval until ctx is
// done.
func RunMockConsole(ctx context.Context, out io.Writer, interval time.Duration, logger *zap.Logger) error {
	return runMockConsole(ctx, clockwork.NewRealClock(), out, interval, logger)
}

func runMockConsole(ctx context.Context, clock clockwork.Clock, out io.Writer, interval time.Duration, logger *zap.Logger) error {
	builtin := sensors.NewBuiltin(sensors.SimReaderOpener(clock, orientation.BuiltinProfile.Vertical), sensors.BuiltinOptions{
		Clock:  clock,
		Logger: logger,
	})
	e, err := NewEngine(EngineOptions{
		Wearable: sensors.NewWearable(offlineTransport{}, sensors.WearableOptions{Logger: logger}),
		Builtin:  builtin,
		Selected: builtin.Name(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if err := builtin.StartChannel(imu.CombinedIMU); err != nil {
		return err
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			fmt.Fprintln(out, FormatSnapshot(e.CurrentSnapshot()))
		}
	}
}
