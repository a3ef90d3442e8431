// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

type fakeTransport struct {
	mu         sync.Mutex
	openErr    error
	block      chan struct{}
	status     func(bool)
	handlers   map[imu.ChannelKind]FrameHandler
	subscribes map[imu.ChannelKind]int
	closes     int
	open       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:   map[imu.ChannelKind]FrameHandler{},
		subscribes: map[imu.ChannelKind]int{},
	}
}

func (f *fakeTransport) Open(ctx context.Context, id string, status func(bool)) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return errors.New("bridge already open")
	}
	f.status = status
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTransport) Subscribe(kind imu.ChannelKind, h FrameHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
	f.subscribes[kind]++
	return nil
}

func (f *fakeTransport) Unsubscribe(kind imu.ChannelKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, kind)
	return nil
}

func (f *fakeTransport) send(fr Frame) {
	f.mu.Lock()
	h := f.handlers[fr.Kind]
	f.mu.Unlock()
	if h != nil {
		h(fr)
	}
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

const testDevice = "B5E6A12C"

func connectedWearable(t *testing.T, clock clockwork.Clock) (*Wearable, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	w := NewWearable(tr, WearableOptions{Now: clock.Now})
	require.NoError(t, w.Connect(context.Background(), testDevice))
	return w, tr
}

func TestValidDeviceID(t *testing.T) {
	for _, id := range []string{"B5E6A12C", "b5e6a12c", "A0:B1:C2:D3:E4:F5"} {
		assert.True(t, ValidDeviceID(id), id)
	}
	for _, id := range []string{"", "B5E6A12", "B5E6A12CX", "ZZZZZZZZ", "A0:B1:C2:D3:E4", "A0-B1-C2-D3-E4-F5"} {
		assert.False(t, ValidDeviceID(id), id)
	}
}

func TestWearableConnectMalformedID(t *testing.T) {
	tr := newFakeTransport()
	w := NewWearable(tr, WearableOptions{})

	err := w.Connect(context.Background(), "not-a-device")
	require.ErrorIs(t, err, ErrConnection)
	assert.False(t, w.IsConnected())
}

func TestWearableConnectUnreachable(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = errors.New("broker refused")
	w := NewWearable(tr, WearableOptions{})

	err := w.Connect(context.Background(), testDevice)
	require.ErrorIs(t, err, ErrConnection)
	assert.False(t, w.IsConnected())
}

func TestWearableConnectTimeout(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	w := NewWearable(tr, WearableOptions{ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := w.Connect(context.Background(), testDevice)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, w.IsConnected())

	// A device that shows up after the deadline is released again.
	close(tr.block)
	require.Eventually(t, func() bool { return tr.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, w.IsConnected())
}

func TestWearableConnectPublishesConnected(t *testing.T) {
	w, _ := connectedWearable(t, clockwork.NewFakeClock())

	v, ok := w.Channels().Connected.Latest()
	require.True(t, ok)
	assert.True(t, v)
	assert.Equal(t, testDevice, w.DeviceID())
}

func TestWearableStartChannelIdempotent(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())

	require.NoError(t, w.StartChannel(imu.Accelerometer))
	require.NoError(t, w.StartChannel(imu.Accelerometer))
	require.NoError(t, w.StartChannel(imu.CombinedIMU))

	assert.Equal(t, 1, tr.subscribes[imu.Accelerometer])
	assert.Equal(t, 1, tr.subscribes[imu.Gyroscope])
	assert.Equal(t, 0, tr.subscribes[imu.HeartRate])

	measuring, _ := w.Channels().Measuring.Latest()
	assert.True(t, measuring)
}

func TestWearableBatchTimestamps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, tr := connectedWearable(t, clock)
	require.NoError(t, w.StartChannel(imu.Accelerometer))

	var got []int64
	w.Channels().Acceleration.Subscribe(func(s imu.RawSample, ok bool) {
		if ok {
			got = append(got, s.Timestamp)
		}
	})

	tr.send(Frame{Kind: imu.Accelerometer, RateHz: 50, Vectors: make([]imu.Vec3, 3)})
	clock.Advance(100 * time.Millisecond)
	tr.send(Frame{Kind: imu.Accelerometer, RateHz: 50, Vectors: make([]imu.Vec3, 2)})

	assert.Equal(t, []int64{0, 20, 40, 100, 120}, got)
}

func TestWearableHeartRate(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())
	require.NoError(t, w.StartChannel(imu.HeartRate))

	tr.send(Frame{Kind: imu.HeartRate, HR: []int{71, 72}})

	hr, ok := w.Channels().HeartRate.Latest()
	require.True(t, ok)
	assert.Equal(t, 72, hr.BPM)
}

func TestWearableStopClearsCurrentValue(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())
	require.NoError(t, w.StartChannel(imu.CombinedIMU))

	tr.send(Frame{Kind: imu.Accelerometer, RateHz: 52, Vectors: []imu.Vec3{{Z: 9.8}}})
	tr.send(Frame{Kind: imu.Gyroscope, RateHz: 52, Vectors: []imu.Vec3{{X: 1}}})
	_, ok := w.Channels().Acceleration.Latest()
	require.True(t, ok)

	require.NoError(t, w.StopChannel(imu.CombinedIMU))
	_, ok = w.Channels().Acceleration.Latest()
	assert.False(t, ok)
	_, ok = w.Channels().Gyro.Latest()
	assert.False(t, ok)
	measuring, _ := w.Channels().Measuring.Latest()
	assert.False(t, measuring)

	// Frames racing the stop are ignored.
	tr.send(Frame{Kind: imu.Accelerometer, RateHz: 52, Vectors: []imu.Vec3{{Z: 9.8}}})
	_, ok = w.Channels().Acceleration.Latest()
	assert.False(t, ok)

	// Stopping an inactive channel is a no-op.
	require.NoError(t, w.StopChannel(imu.Accelerometer))
}

func TestWearableOfflineStatus(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())
	tr.status(false)
	assert.False(t, w.IsConnected())
}

func TestWearableDisconnectAfterOffline(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())
	require.NoError(t, w.StartChannel(imu.Accelerometer))
	tr.send(Frame{Kind: imu.Accelerometer, RateHz: 52, Vectors: []imu.Vec3{{Z: 9.8}}})

	tr.status(false)
	require.False(t, w.IsConnected())
	require.Error(t, w.Connect(context.Background(), testDevice), "bridge still held")

	require.NoError(t, w.Disconnect(""))
	assert.Equal(t, 1, tr.closeCount())
	assert.False(t, w.active(imu.Accelerometer))
	measuring, _ := w.Channels().Measuring.Latest()
	assert.False(t, measuring)
	_, ok := w.Channels().Acceleration.Latest()
	assert.False(t, ok)

	require.NoError(t, w.Connect(context.Background(), testDevice))
	assert.True(t, w.IsConnected())
	assert.Equal(t, testDevice, w.DeviceID())
}

func TestWearableDisconnectIdempotent(t *testing.T) {
	w, tr := connectedWearable(t, clockwork.NewFakeClock())
	require.NoError(t, w.StartChannel(imu.Accelerometer))

	require.NoError(t, w.Disconnect(testDevice))
	require.NoError(t, w.Disconnect(testDevice))

	assert.Equal(t, 1, tr.closeCount())
	assert.False(t, w.IsConnected())
	assert.Empty(t, w.DeviceID())
	measuring, _ := w.Channels().Measuring.Latest()
	assert.False(t, measuring)
}
