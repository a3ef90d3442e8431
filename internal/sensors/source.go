// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/stream"
)

var (
	// ErrConnection reports a malformed or unreachable device.
	ErrConnection = errors.New("connection error")
	// ErrTimeout reports a connect attempt that exceeded its bound.
	ErrTimeout = errors.New("connect timeout")
	// ErrStreamAlreadyActive is logged when a running channel is started again.
	ErrStreamAlreadyActive = errors.New("stream already active")
	// ErrSensorUnavailable reports a hardware channel the device does not have.
	ErrSensorUnavailable = errors.New("sensor unavailable")
)

// DefaultConnectTimeout bounds Connect.
const DefaultConnectTimeout = 5000 * time.Millisecond

// Source is one interchangeable sensor provider.
type Source interface {
	Name() string
	// Connect blocks until the device is reachable, the context is done, or
	// the connect timeout elapses.
	Connect(ctx context.Context, id string) error
	// Disconnect is idempotent.
	Disconnect(id string) error
	// StartChannel is a no-op for an active channel.
	StartChannel(kind imu.ChannelKind) error
	// StopChannel is a no-op for an inactive channel.
	StopChannel(kind imu.ChannelKind) error
	Channels() *Channels
}

// Channels are the broadcast points a Source publishes on.
type Channels struct {
	HeartRate    *stream.Channel[imu.HRSample]
	Acceleration *stream.Channel[imu.RawSample]
	Gyro         *stream.Channel[imu.RawSample]
	Connected    *stream.Channel[bool]
	Measuring    *stream.Channel[bool]
}

// NewChannels allocates an empty set of broadcast points.
func NewChannels() *Channels {
	return &Channels{
		HeartRate:    stream.NewChannel[imu.HRSample](),
		Acceleration: stream.NewChannel[imu.RawSample](),
		Gyro:         stream.NewChannel[imu.RawSample](),
		Connected:    stream.NewChannel[bool](),
		Measuring:    stream.NewChannel[bool](),
	}
}

// channelState is what both source variants share: the broadcast points,
// the connectivity flag and one activity flag per physical channel.
//
// The activity flags are a plain check-then-set; concurrent start/stop of
// the same channel is not supported.
type channelState struct {
	name      string
	logger    *zap.Logger
	channels  *Channels
	connected atomic.Bool
	hr        atomic.Bool
	acc       atomic.Bool
	gyro      atomic.Bool
}

func newChannelState(name string, logger *zap.Logger) channelState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return channelState{
		name:     name,
		logger:   logger.Named(name),
		channels: NewChannels(),
	}
}

func (s *channelState) Name() string { return s.name }

func (s *channelState) Channels() *Channels { return s.channels }

// IsConnected reports the connectivity flag.
func (s *channelState) IsConnected() bool { return s.connected.Load() }

func (s *channelState) setConnected(v bool) {
	s.connected.Store(v)
	s.channels.Connected.Publish(v)
}

func (s *channelState) flag(kind imu.ChannelKind) *atomic.Bool {
	switch kind {
	case imu.HeartRate:
		return &s.hr
	case imu.Accelerometer:
		return &s.acc
	case imu.Gyroscope:
		return &s.gyro
	}
	return nil
}

// physical expands CombinedIMU into its two hardware channels.
func physical(kind imu.ChannelKind) []imu.ChannelKind {
	if kind == imu.CombinedIMU {
		return []imu.ChannelKind{imu.Accelerometer, imu.Gyroscope}
	}
	return []imu.ChannelKind{kind}
}

func (s *channelState) active(kind imu.ChannelKind) bool {
	f := s.flag(kind)
	return f != nil && f.Load()
}

func (s *channelState) anyActive() bool {
	return s.hr.Load() || s.acc.Load() || s.gyro.Load()
}

func (s *channelState) publishMeasuring() {
	s.channels.Measuring.Publish(s.anyActive())
}

// clearCurrent drops the current value of a stopped channel; history kept
// by subscribers is untouched.
func (s *channelState) clearCurrent(kind imu.ChannelKind) {
	switch kind {
	case imu.HeartRate:
		s.channels.HeartRate.Clear()
	case imu.Accelerometer:
		s.channels.Acceleration.Clear()
	case imu.Gyroscope:
		s.channels.Gyro.Clear()
	}
}

func (s *channelState) logAlreadyActive(kind imu.ChannelKind) {
	s.logger.Debug("start ignored",
		zap.Stringer("channel", kind),
		zap.Error(ErrStreamAlreadyActive))
}

// connectBounded runs open on its own goroutine so the caller is released
// after timeout even if open ignores its context. A late success is undone
// with abandon.
func connectBounded(ctx context.Context, timeout time.Duration, open func(context.Context) error, abandon func()) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- open(ctx) }()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		if errors.Is(err, ErrConnection) || errors.Is(err, ErrSensorUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	case <-ctx.Done():
		go func() {
			if err := <-result; err == nil && abandon != nil {
				abandon()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
	}
}
