// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

type fakeSource struct {
	ch     *sensors.Channels
	active bool
	starts int
}

func newFakeSource() *fakeSource { return &fakeSource{ch: sensors.NewChannels()} }

func (f *fakeSource) Name() string                          { return "fake" }
func (f *fakeSource) Connect(context.Context, string) error { return nil }
func (f *fakeSource) Disconnect(string) error               { return nil }
func (f *fakeSource) Channels() *sensors.Channels           { return f.ch }

func (f *fakeSource) StartChannel(imu.ChannelKind) error {
	if f.active {
		return nil
	}
	f.active = true
	f.starts++
	f.ch.Measuring.Publish(true)
	return nil
}

func (f *fakeSource) StopChannel(imu.ChannelKind) error {
	if !f.active {
		return nil
	}
	f.active = false
	f.ch.Acceleration.Clear()
	f.ch.Gyro.Clear()
	f.ch.Measuring.Publish(false)
	return nil
}

func (f *fakeSource) acc(v imu.Vec3, ts int64) {
	f.ch.Acceleration.Publish(imu.RawSample{Vec3: v, Timestamp: ts})
}

func (f *fakeSource) gyro(v imu.Vec3, ts int64) {
	f.ch.Gyro.Publish(imu.RawSample{Vec3: v, Timestamp: ts})
}

func newTestAggregator(t *testing.T, opts Options) (*Aggregator, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	if opts.Profile.Name == "" {
		opts.Profile = orientation.WearableProfile
	}
	a, err := New(src, opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, src
}

func drain(c <-chan Snapshot) []Snapshot {
	var out []Snapshot
	for {
		select {
		case s := <-c:
			out = append(out, s)
		default:
			return out
		}
	}
}

func counterValue(t *testing.T, scope tally.TestScope, name string) int64 {
	t.Helper()
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func TestCombineLatest(t *testing.T) {
	a, src := newTestAggregator(t, Options{})
	snaps, cancel := a.Subscribe()
	defer cancel()

	src.acc(imu.Vec3{Z: 9.8}, 10)
	src.gyro(imu.Vec3{X: 1}, 20)
	src.acc(imu.Vec3{X: 9.8}, 30)

	got := drain(snaps)
	require.Len(t, got, 3)

	assert.Equal(t, uint64(1), got[0].Seq)
	require.NotNil(t, got[0].Acc)
	assert.Nil(t, got[0].Gyro)
	assert.Nil(t, got[0].Angle1, "no estimate without a gyroscope value")

	assert.Equal(t, uint64(2), got[1].Seq)
	require.NotNil(t, got[1].Gyro)
	require.NotNil(t, got[1].Angle1)
	require.NotNil(t, got[1].Angle2)
	assert.Equal(t, float32(9.8), got[1].Acc.Z)

	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, float32(9.8), got[2].Acc.X)
	assert.Equal(t, float32(1), got[2].Gyro.X, "gyroscope value carried over")
	assert.NotEqual(t, *got[1].Angle1, *got[2].Angle1)

	values, ts := a.History(orientation.Alg1)
	assert.Len(t, values, 2)
	assert.Equal(t, []int64{20, 30}, ts)
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	a, src := newTestAggregator(t, Options{})
	src.acc(imu.Vec3{Z: 1}, 1)

	s := a.Current()
	s.Acc.Z = 42
	assert.Equal(t, float32(1), a.Current().Acc.Z)
}

func TestStartIsIdempotent(t *testing.T) {
	a, src := newTestAggregator(t, Options{})

	require.NoError(t, a.Start())
	require.NoError(t, a.Start())
	assert.Equal(t, 1, src.starts)

	src.acc(imu.Vec3{Z: 9.8}, 1)
	src.gyro(imu.Vec3{}, 2)
	src.acc(imu.Vec3{Z: 9.8}, 3)

	v1, _ := a.History(orientation.Alg1)
	v2, _ := a.History(orientation.Alg2)
	assert.Len(t, v1, 2)
	assert.Len(t, v2, 2)
	assert.True(t, a.Current().Measuring)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	a, src := newTestAggregator(t, Options{SubscriberBuffer: 1, Scope: scope})
	snaps, cancel := a.Subscribe()

	for i := 0; i < 5; i++ {
		src.acc(imu.Vec3{Z: float32(i)}, int64(i))
	}

	got := drain(snaps)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(5), a.Current().Seq)

	assert.Equal(t, int64(4), counterValue(t, scope, "aggregator.dropped"))
	assert.Equal(t, int64(5), counterValue(t, scope, "aggregator.snapshots"))
	assert.Equal(t, int64(5), counterValue(t, scope, "aggregator.samples"))

	cancel()
	cancel()
	_, open := <-snaps
	assert.False(t, open)
}

func TestStopKeepsHistory(t *testing.T) {
	a, src := newTestAggregator(t, Options{Profile: orientation.BuiltinProfile})
	require.NoError(t, a.Start())
	src.acc(imu.Vec3{Y: 9.8}, 1)
	src.gyro(imu.Vec3{}, 2)
	require.NotNil(t, a.Current().Angle1)
	require.NoError(t, a.Stop())

	cur := a.Current()
	assert.Nil(t, cur.Acc)
	assert.Nil(t, cur.Gyro)
	assert.Nil(t, cur.Angle1)
	assert.Nil(t, cur.Angle2)
	assert.False(t, cur.Measuring)

	v, _ := a.History(orientation.Alg1)
	assert.Len(t, v, 1)
	state := a.FilterState()

	a.ResetHistory()
	v, ts := a.History(orientation.Alg1)
	assert.Empty(t, v)
	assert.Empty(t, ts)
	assert.Equal(t, state, a.FilterState(), "filter state survives a history reset")
}

func TestConnectedAndHeartRate(t *testing.T) {
	a, src := newTestAggregator(t, Options{})

	src.ch.Connected.Publish(true)
	src.ch.HeartRate.Publish(imu.HRSample{BPM: 64, Timestamp: 5})

	cur := a.Current()
	assert.True(t, cur.Connected)
	require.NotNil(t, cur.HR)
	assert.Equal(t, 64, *cur.HR)
	assert.Equal(t, "fake", cur.Source)

	src.ch.HeartRate.Clear()
	assert.Nil(t, a.Current().HR)
}

func TestNewRejectsBadProfile(t *testing.T) {
	p := orientation.WearableProfile
	p.Alpha1 = 2
	_, err := New(newFakeSource(), Options{Profile: p})
	assert.Error(t, err)
}

func TestTimeSeries(t *testing.T) {
	var s TimeSeries[float32]
	s.Append(1, 10)
	s.Append(2, 10)
	s.Append(3, 5)

	v, ts := s.Copy()
	assert.Equal(t, []float32{1, 2, 3}, v)
	assert.Equal(t, []int64{10, 10, 5}, ts)

	v[0] = 99
	v2, _ := s.Copy()
	assert.Equal(t, float32(1), v2[0])

	s.Reset()
	assert.Zero(t, s.Len())
}
