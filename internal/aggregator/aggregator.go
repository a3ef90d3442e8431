// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package aggregator merges the channels of one sensor source into a
// single observable snapshot and keeps the angle history.
package aggregator

import (
	"fmt"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

// DefaultSubscriberBuffer is the per-subscriber snapshot queue length.
const DefaultSubscriberBuffer = 16

// Snapshot is the combined latest state of one source. Nil fields have no
// current value.
type Snapshot struct {
	Source    string    `json:"source"`
	Seq       uint64    `json:"seq"`
	HR        *int      `json:"hr"`
	Acc       *imu.Vec3 `json:"acc"`
	Gyro      *imu.Vec3 `json:"gyro"`
	Angle1    *float32  `json:"angle1"`
	Angle2    *float32  `json:"angle2"`
	Connected bool      `json:"connected"`
	Measuring bool      `json:"measuring"`
}

// Options configures an Aggregator.
type Options struct {
	Profile          orientation.Profile
	SubscriberBuffer int
	Logger           *zap.Logger
	Scope            tally.Scope
}

type metrics struct {
	samples   tally.Counter
	estimates tally.Counter
	snapshots tally.Counter
	dropped   tally.Counter
}

func newMetrics(scope tally.Scope, source string) metrics {
	s := scope.Tagged(map[string]string{"source": source}).SubScope("aggregator")
	return metrics{
		samples:   s.Counter("samples"),
		estimates: s.Counter("estimates"),
		snapshots: s.Counter("snapshots"),
		dropped:   s.Counter("dropped"),
	}
}

// Aggregator subscribes once to a source's channels, runs the filter bank
// on every motion update and fans snapshots out to subscribers. All
// mutation happens under one lock; delivery never blocks the producer.
type Aggregator struct {
	src     sensors.Source
	logger  *zap.Logger
	metrics metrics
	buffer  int

	mu     sync.Mutex
	bank   *orientation.Bank
	hr     *int
	acc    *imu.Vec3
	gyro   *imu.Vec3
	angle1 *float32
	angle2 *float32
	conn   bool
	meas   bool
	seq    uint64
	alg1   TimeSeries[float32]
	alg2   TimeSeries[float32]
	subs   map[chan Snapshot]struct{}
	unsub  []func()
}

func New(src sensors.Source, opts Options) (*Aggregator, error) {
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}

	a := &Aggregator{
		src:     src,
		logger:  opts.Logger.Named("aggregator").With(zap.String("source", src.Name())),
		metrics: newMetrics(opts.Scope, src.Name()),
		buffer:  opts.SubscriberBuffer,
		bank:    orientation.NewBank(opts.Profile),
		subs:    map[chan Snapshot]struct{}{},
	}

	ch := src.Channels()
	a.unsub = []func(){
		ch.HeartRate.Subscribe(a.onHeartRate),
		ch.Acceleration.Subscribe(a.onAcceleration),
		ch.Gyro.Subscribe(a.onGyro),
		ch.Connected.Subscribe(a.onConnected),
		ch.Measuring.Subscribe(a.onMeasuring),
	}
	return a, nil
}

// Close detaches from the source and closes every subscriber channel.
func (a *Aggregator) Close() {
	for _, u := range a.unsub {
		u()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.subs {
		close(c)
		delete(a.subs, c)
	}
}

func (a *Aggregator) Source() sensors.Source { return a.src }

// Start begins the combined motion stream. Starting an active stream does
// nothing.
func (a *Aggregator) Start() error {
	if err := a.src.StartChannel(imu.CombinedIMU); err != nil {
		return fmt.Errorf("%s start: %w", a.src.Name(), err)
	}
	return nil
}

// Stop ends the combined motion stream. History is kept.
func (a *Aggregator) Stop() error {
	if err := a.src.StopChannel(imu.CombinedIMU); err != nil {
		return fmt.Errorf("%s stop: %w", a.src.Name(), err)
	}
	return nil
}

func (a *Aggregator) onHeartRate(s imu.HRSample, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		bpm := s.BPM
		a.hr = &bpm
		a.metrics.samples.Inc(1)
	} else {
		a.hr = nil
	}
	a.publishLocked()
}

func (a *Aggregator) onAcceleration(s imu.RawSample, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		v := s.Vec3
		a.acc = &v
		a.metrics.samples.Inc(1)
		a.estimateLocked(s.Timestamp)
	} else {
		a.acc = nil
		a.clearAnglesLocked()
	}
	a.publishLocked()
}

func (a *Aggregator) onGyro(s imu.RawSample, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		v := s.Vec3
		a.gyro = &v
		a.metrics.samples.Inc(1)
		a.estimateLocked(s.Timestamp)
	} else {
		a.gyro = nil
		a.clearAnglesLocked()
	}
	a.publishLocked()
}

func (a *Aggregator) onConnected(v bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = ok && v
	a.publishLocked()
}

func (a *Aggregator) onMeasuring(v bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meas = ok && v
	a.publishLocked()
}

// clearAnglesLocked drops the current angles once a motion value is gone;
// the series keep them.
func (a *Aggregator) clearAnglesLocked() {
	a.angle1, a.angle2 = nil, nil
}

// estimateLocked needs both motion values; until then there is no angle.
func (a *Aggregator) estimateLocked(ts int64) {
	if a.acc == nil || a.gyro == nil {
		return
	}
	e1, e2 := a.bank.Estimate(*a.acc, *a.gyro, ts)
	a.angle1 = &e1.Value
	a.angle2 = &e2.Value
	a.alg1.Append(e1.Value, e1.Timestamp)
	a.alg2.Append(e2.Value, e2.Timestamp)
	a.metrics.estimates.Inc(1)
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Source:    a.src.Name(),
		Seq:       a.seq,
		HR:        copyPtr(a.hr),
		Acc:       copyPtr(a.acc),
		Gyro:      copyPtr(a.gyro),
		Angle1:    copyPtr(a.angle1),
		Angle2:    copyPtr(a.angle2),
		Connected: a.conn,
		Measuring: a.meas,
	}
}

func (a *Aggregator) publishLocked() {
	a.seq++
	a.metrics.snapshots.Inc(1)
	for c := range a.subs {
		select {
		case c <- a.snapshotLocked():
		default:
			a.metrics.dropped.Inc(1)
		}
	}
}

// Current returns the latest snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Subscribe returns a channel receiving every snapshot published from now
// on. A subscriber that falls behind by more than the buffer misses
// snapshots. cancel closes the channel.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	c := make(chan Snapshot, a.buffer)
	a.mu.Lock()
	a.subs[c] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.subs[c]; ok {
				delete(a.subs, c)
				close(c)
			}
		})
	}
}

// History returns copies of an algorithm's angle series.
func (a *Aggregator) History(alg orientation.Algorithm) ([]float32, []int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch alg {
	case orientation.Alg1:
		return a.alg1.Copy()
	case orientation.Alg2:
		return a.alg2.Copy()
	}
	return nil, nil
}

// ResetHistory drops both angle series. Filter state is kept.
func (a *Aggregator) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alg1.Reset()
	a.alg2.Reset()
	a.logger.Info("history cleared")
}

// FilterState exposes the Alg1 state for diagnostics.
func (a *Aggregator) FilterState() orientation.FilterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bank.State()
}
