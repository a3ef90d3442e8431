// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// Reader is the host inertial sensor.
type Reader interface {
	ReadAccel() (imu.Vec3, error)
	ReadGyro() (imu.Vec3, error)
	HasGyro() bool
	Close() error
}

// ReaderOpener acquires the host sensor; it may block on hardware init.
type ReaderOpener func(ctx context.Context) (Reader, error)

const (
	DefaultSampleInterval      = 20 * time.Millisecond
	DefaultGyroPublishInterval = 500 * time.Millisecond
)

// BuiltinOptions configures a Builtin.
type BuiltinOptions struct {
	ConnectTimeout      time.Duration
	SampleInterval      time.Duration
	GyroPublishInterval time.Duration
	Clock               clockwork.Clock
	Logger              *zap.Logger
}

// Builtin is the host's own IMU. Acceleration is published on every read;
// gyroscope reads are cached and published at GyroPublishInterval.
type Builtin struct {
	channelState

	open         ReaderOpener
	timeout      time.Duration
	interval     time.Duration
	gyroInterval time.Duration
	clock        clockwork.Clock

	mu       sync.Mutex
	reader   Reader
	start    time.Time
	lastGyro *imu.RawSample
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewBuiltin(open ReaderOpener, opts BuiltinOptions) *Builtin {
	b := &Builtin{
		channelState: newChannelState("builtin", opts.Logger),
		open:         open,
		timeout:      opts.ConnectTimeout,
		interval:     opts.SampleInterval,
		gyroInterval: opts.GyroPublishInterval,
		clock:        opts.Clock,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultConnectTimeout
	}
	if b.interval <= 0 {
		b.interval = DefaultSampleInterval
	}
	if b.gyroInterval <= 0 {
		b.gyroInterval = DefaultGyroPublishInterval
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	return b
}

// Connect acquires the host sensor. The id is ignored.
func (b *Builtin) Connect(ctx context.Context, _ string) error {
	if b.IsConnected() {
		return nil
	}
	var r Reader
	err := connectBounded(ctx, b.timeout,
		func(ctx context.Context) error {
			var err error
			r, err = b.open(ctx)
			return err
		},
		func() {
			if err := r.Close(); err != nil {
				b.logger.Warn("close after late connect", zap.Error(err))
			}
		})
	if err != nil {
		b.logger.Warn("connect failed", zap.Error(err))
		return err
	}

	b.mu.Lock()
	b.reader = r
	b.start = b.clock.Now()
	b.mu.Unlock()
	if !r.HasGyro() {
		b.logger.Warn("no gyroscope on host sensor", zap.Error(ErrSensorUnavailable))
	}
	b.setConnected(true)
	b.logger.Info("connected")
	return nil
}

func (b *Builtin) Disconnect(string) error {
	if !b.IsConnected() {
		return nil
	}
	if err := b.StopChannel(imu.CombinedIMU); err != nil {
		b.logger.Warn("stop on disconnect", zap.Error(err))
	}

	b.mu.Lock()
	r := b.reader
	b.reader = nil
	b.mu.Unlock()

	b.setConnected(false)
	if r != nil {
		if err := r.Close(); err != nil {
			return fmt.Errorf("builtin disconnect: %w", err)
		}
	}
	return nil
}

func (b *Builtin) StartChannel(kind imu.ChannelKind) error {
	if kind == imu.HeartRate {
		return fmt.Errorf("builtin heart rate: %w", ErrSensorUnavailable)
	}
	if !b.IsConnected() {
		if err := b.Connect(context.Background(), ""); err != nil {
			return err
		}
	}

	b.mu.Lock()
	hasGyro := b.reader != nil && b.reader.HasGyro()
	b.mu.Unlock()

	var unavailable error
	for _, k := range physical(kind) {
		if k == imu.Gyroscope && !hasGyro {
			unavailable = fmt.Errorf("builtin gyroscope: %w", ErrSensorUnavailable)
			continue
		}
		f := b.flag(k)
		if f.Load() {
			b.logAlreadyActive(k)
			continue
		}
		f.Store(true)
		b.logger.Debug("channel started", zap.Stringer("channel", k))
	}
	b.ensureLoop()
	b.publishMeasuring()
	return unavailable
}

func (b *Builtin) StopChannel(kind imu.ChannelKind) error {
	if kind == imu.HeartRate {
		return nil
	}
	changed := false
	for _, k := range physical(kind) {
		f := b.flag(k)
		if !f.Load() {
			continue
		}
		f.Store(false)
		changed = true
		b.logger.Debug("channel stopped", zap.Stringer("channel", k))
	}
	if !changed {
		return nil
	}
	if !b.acc.Load() && !b.gyro.Load() {
		b.stopLoop()
	}
	for _, k := range physical(kind) {
		b.clearCurrent(k)
	}
	if kind != imu.Accelerometer {
		b.mu.Lock()
		b.lastGyro = nil
		b.mu.Unlock()
	}
	b.publishMeasuring()
	return nil
}

func (b *Builtin) ensureLoop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil || (!b.acc.Load() && !b.gyro.Load()) {
		return
	}
	b.stop = make(chan struct{})
	b.wg.Add(2)
	go b.pollLoop(b.stop)
	go b.gyroLoop(b.stop)
}

// stopLoop returns once both goroutines have exited.
func (b *Builtin) stopLoop() {
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	b.wg.Wait()
}

func (b *Builtin) elapsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Since(b.start).Milliseconds()
}

func (b *Builtin) currentReader() Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reader
}

func (b *Builtin) pollLoop(stop chan struct{}) {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			b.poll()
		}
	}
}

func (b *Builtin) poll() {
	r := b.currentReader()
	if r == nil {
		return
	}
	ts := b.elapsed()
	if b.acc.Load() {
		v, err := r.ReadAccel()
		if err != nil {
			b.logger.Warn("accelerometer read", zap.Error(err))
		} else {
			b.channels.Acceleration.Publish(imu.RawSample{Vec3: v, Timestamp: ts})
		}
	}
	if b.gyro.Load() {
		v, err := r.ReadGyro()
		if err != nil {
			b.logger.Warn("gyroscope read", zap.Error(err))
			return
		}
		b.mu.Lock()
		b.lastGyro = &imu.RawSample{Vec3: v, Timestamp: ts}
		b.mu.Unlock()
	}
}

func (b *Builtin) gyroLoop(stop chan struct{}) {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.gyroInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !b.gyro.Load() {
				continue
			}
			b.mu.Lock()
			g := b.lastGyro
			b.mu.Unlock()
			if g != nil {
				b.channels.Gyro.Publish(*g)
			}
		}
	}
}
