// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// Frame is one batch delivered by a wearable transport. Vectors is used by
// the motion channels, HR by the heart-rate channel.
type Frame struct {
	Kind    imu.ChannelKind
	RateHz  int
	Vectors []imu.Vec3
	HR      []int
}

// FrameHandler is called on the transport's own goroutine.
type FrameHandler func(Frame)

// Transport is the link to a wearable device. Implementations must call
// status whenever the device reports itself online or offline.
type Transport interface {
	Open(ctx context.Context, id string, status func(online bool)) error
	Close(id string) error
	Subscribe(kind imu.ChannelKind, h FrameHandler) error
	Unsubscribe(kind imu.ChannelKind) error
}

var (
	deviceIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]{8}$`)
	macPattern      = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
)

// ValidDeviceID accepts an 8 hex digit device id or a colon separated MAC.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id) || macPattern.MatchString(id)
}

// WearableOptions configures a Wearable.
type WearableOptions struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
	// Now is the clock used for sample timestamps; defaults to time.Now.
	Now func() time.Time
}

// Wearable is a chest strap reached through a Transport.
type Wearable struct {
	channelState

	transport Transport
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	deviceID string
	first    time.Time
}

func NewWearable(t Transport, opts WearableOptions) *Wearable {
	w := &Wearable{
		channelState: newChannelState("wearable", opts.Logger),
		transport:    t,
		timeout:      opts.ConnectTimeout,
		now:          opts.Now,
	}
	if w.timeout <= 0 {
		w.timeout = DefaultConnectTimeout
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Wearable) Connect(ctx context.Context, id string) error {
	if !ValidDeviceID(id) {
		return fmt.Errorf("%w: malformed device id %q", ErrConnection, id)
	}
	w.logger.Info("connecting", zap.String("device", id), zap.Duration("timeout", w.timeout))

	err := connectBounded(ctx, w.timeout,
		func(ctx context.Context) error {
			return w.transport.Open(ctx, id, w.onStatus)
		},
		func() {
			if err := w.transport.Close(id); err != nil {
				w.logger.Warn("close after late connect", zap.String("device", id), zap.Error(err))
			}
		})
	if err != nil {
		w.logger.Warn("connect failed", zap.String("device", id), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.deviceID = id
	w.mu.Unlock()
	w.setConnected(true)
	w.logger.Info("connected", zap.String("device", id))
	return nil
}

func (w *Wearable) onStatus(online bool) {
	if !online && w.IsConnected() {
		w.logger.Warn("device went offline")
		w.setConnected(false)
	}
}

// Disconnect also releases a device that already went offline: its
// channels are stopped and the transport closed so Connect can run again.
func (w *Wearable) Disconnect(id string) error {
	w.mu.Lock()
	linked := w.deviceID != ""
	if id == "" {
		id = w.deviceID
	}
	w.deviceID = ""
	w.mu.Unlock()
	if !linked && !w.IsConnected() && !w.anyActive() {
		return nil
	}

	for _, k := range []imu.ChannelKind{imu.HeartRate, imu.Accelerometer, imu.Gyroscope} {
		if err := w.StopChannel(k); err != nil {
			w.logger.Warn("stop on disconnect", zap.Stringer("channel", k), zap.Error(err))
		}
	}
	err := w.transport.Close(id)
	if w.IsConnected() {
		w.setConnected(false)
	}
	if err != nil {
		return fmt.Errorf("wearable disconnect %s: %w", id, err)
	}
	return nil
}

// DeviceID is the id of the connected device, empty when disconnected.
func (w *Wearable) DeviceID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deviceID
}

func (w *Wearable) StartChannel(kind imu.ChannelKind) error {
	for _, k := range physical(kind) {
		f := w.flag(k)
		if f == nil {
			return fmt.Errorf("wearable: unknown channel %v", k)
		}
		if f.Load() {
			w.logAlreadyActive(k)
			continue
		}
		f.Store(true)
		if err := w.transport.Subscribe(k, w.handleFrame); err != nil {
			f.Store(false)
			return fmt.Errorf("wearable start %v: %w", k, err)
		}
		w.logger.Debug("channel started", zap.Stringer("channel", k))
	}
	w.publishMeasuring()
	return nil
}

func (w *Wearable) StopChannel(kind imu.ChannelKind) error {
	var firstErr error
	changed := false
	for _, k := range physical(kind) {
		f := w.flag(k)
		if f == nil || !f.Load() {
			continue
		}
		f.Store(false)
		changed = true
		if err := w.transport.Unsubscribe(k); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wearable stop %v: %w", k, err)
		}
		w.clearCurrent(k)
		w.logger.Debug("channel stopped", zap.Stringer("channel", k))
	}
	if changed {
		w.publishMeasuring()
	}
	return firstErr
}

// elapsed returns milliseconds since the first sample ever received.
func (w *Wearable) elapsed() int64 {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.first.IsZero() {
		w.first = now
	}
	return now.Sub(w.first).Milliseconds()
}

func (w *Wearable) handleFrame(f Frame) {
	if !w.active(f.Kind) {
		return
	}
	base := w.elapsed()
	step := func(i int) int64 {
		if f.RateHz <= 0 {
			return base
		}
		return base + int64(i)*1000/int64(f.RateHz)
	}

	switch f.Kind {
	case imu.HeartRate:
		for i, bpm := range f.HR {
			w.channels.HeartRate.Publish(imu.HRSample{BPM: bpm, Timestamp: step(i)})
		}
	case imu.Accelerometer:
		for i, v := range f.Vectors {
			w.channels.Acceleration.Publish(imu.RawSample{Vec3: v, Timestamp: step(i)})
		}
	case imu.Gyroscope:
		for i, v := range f.Vectors {
			w.channels.Gyro.Publish(imu.RawSample{Vec3: v, Timestamp: step(i)})
		}
	}
}
