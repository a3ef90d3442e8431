// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package recording

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

type fakeStream struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	resets   int
}

func (f *fakeStream) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeStream) ResetHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeStream) counts() (starts, stops, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.resets
}

type countingExporter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *countingExporter) Export() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.err
}

func (e *countingExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// gatedStream holds Start until release is closed and records the order of
// Start and Stop calls.
type gatedStream struct {
	entered  chan struct{}
	release  chan struct{}
	startErr error

	mu    sync.Mutex
	calls []string
}

func newGatedStream(startErr error) *gatedStream {
	return &gatedStream{entered: make(chan struct{}), release: make(chan struct{}), startErr: startErr}
}

func (g *gatedStream) Start() error {
	close(g.entered)
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "start")
	return g.startErr
}

func (g *gatedStream) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "stop")
	return nil
}

func (g *gatedStream) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// stopWhileStarting starts s on g, issues a Stop once Start is blocked in
// the stream and releases the stream. It returns both results.
func stopWhileStarting(t *testing.T, s *Session, g *gatedStream) (startErr, stopErr error) {
	t.Helper()
	started := make(chan error, 1)
	go func() { started <- s.Start(g) }()
	<-g.entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the stream finished starting: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(g.release)
	startErr = <-started
	select {
	case stopErr = <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop still blocked after start returned")
	}
	return startErr, stopErr
}

func TestStopDuringStartStopsAfterStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	exp := &countingExporter{}
	s := NewSession(exp, Options{})
	g := newGatedStream(nil)

	startErr, stopErr := stopWhileStarting(t, s, g)
	require.NoError(t, startErr)
	require.NoError(t, stopErr)

	assert.Equal(t, []string{"start", "stop"}, g.order())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 1, exp.count())
}

func TestStopDuringFailedStartReturns(t *testing.T) {
	defer goleak.VerifyNone(t)

	exp := &countingExporter{}
	s := NewSession(exp, Options{})
	g := newGatedStream(fmt.Errorf("builtin: %w", sensors.ErrTimeout))

	startErr, stopErr := stopWhileStarting(t, s, g)
	require.ErrorIs(t, startErr, sensors.ErrTimeout)
	require.NoError(t, stopErr)

	assert.Equal(t, []string{"start"}, g.order())
	assert.Equal(t, Idle, s.State())
	assert.Zero(t, exp.count())

	// The session can be started again.
	require.NoError(t, s.Start(&fakeStream{}))
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, exp.count())
}

func TestAutoStopLandsWithinOneTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClock()
	exp := &countingExporter{}
	s := NewSession(exp, Options{Clock: clock})
	stream := &fakeStream{}

	require.NoError(t, s.Start(stream))
	assert.Equal(t, Recording, s.State())
	clock.BlockUntil(1)

	for k := int64(1); k <= 199; k++ {
		clock.Advance(DefaultCheckInterval)
		require.Eventually(t, func() bool { return s.checks.Load() == k }, time.Second, time.Millisecond)
	}
	assert.Equal(t, Recording, s.State(), "still recording at 19900ms")
	assert.Zero(t, exp.count())

	clock.Advance(DefaultCheckInterval)
	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { _, ok := s.LastResult(); return ok }, time.Second, time.Millisecond)

	res, _ := s.LastResult()
	assert.True(t, res.Auto)
	assert.GreaterOrEqual(t, res.Elapsed, DefaultDurationLimit)
	assert.LessOrEqual(t, res.Elapsed, DefaultDurationLimit+DefaultCheckInterval)
	assert.Equal(t, 1, exp.count())

	_, stops, _ := stream.counts()
	assert.Equal(t, 1, stops)

	// A late manual stop is a no-op.
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, exp.count())
}

func TestManualStopExportsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClock()
	exp := &countingExporter{}
	var finished []Result
	s := NewSession(exp, Options{Clock: clock, OnFinish: func(r Result) { finished = append(finished, r) }})
	stream := &fakeStream{}

	require.NoError(t, s.Start(stream))
	require.NoError(t, s.Start(stream))
	clock.Advance(1500 * time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	starts, stops, resets := stream.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Zero(t, resets, "history is kept by default")
	assert.Equal(t, 1, exp.count())
	require.Len(t, finished, 1)
	assert.False(t, finished[0].Auto)
	assert.Equal(t, 1500*time.Millisecond, finished[0].Elapsed)
	assert.Equal(t, Idle, s.State())
	assert.Zero(t, s.Elapsed())
}

func TestConcurrentStopExportsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	exp := &countingExporter{}
	s := NewSession(exp, Options{})
	require.NoError(t, s.Start(&fakeStream{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, exp.count())
}

func TestClearHistoryOnStart(t *testing.T) {
	s := NewSession(&countingExporter{}, Options{ClearHistoryOnStart: true})
	stream := &fakeStream{}

	require.NoError(t, s.Start(stream))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(stream))
	require.NoError(t, s.Stop())

	_, _, resets := stream.counts()
	assert.Equal(t, 2, resets)
}

func TestSecondSessionKeepsHistory(t *testing.T) {
	s := NewSession(&countingExporter{}, Options{})
	stream := &fakeStream{}

	require.NoError(t, s.Start(stream))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(stream))
	require.NoError(t, s.Stop())

	starts, stops, resets := stream.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
	assert.Zero(t, resets)
}

func TestStartFailureLeavesSessionIdle(t *testing.T) {
	exp := &countingExporter{}
	s := NewSession(exp, Options{})

	err := s.Start(&fakeStream{startErr: fmt.Errorf("wearable: %w", sensors.ErrConnection)})
	require.ErrorIs(t, err, sensors.ErrConnection)
	assert.Equal(t, Idle, s.State())
	require.NoError(t, s.Stop())
	assert.Zero(t, exp.count())
}

func TestMissingChannelStillRecords(t *testing.T) {
	s := NewSession(&countingExporter{}, Options{})

	err := s.Start(&fakeStream{startErr: fmt.Errorf("builtin gyroscope: %w", sensors.ErrSensorUnavailable)})
	require.NoError(t, err)
	assert.Equal(t, Recording, s.State())
	require.NoError(t, s.Stop())
}

func TestExportErrorIsReported(t *testing.T) {
	exp := &countingExporter{err: errors.New("disk full")}
	s := NewSession(exp, Options{})

	require.NoError(t, s.Start(&fakeStream{}))
	err := s.Stop()
	require.Error(t, err)

	res, ok := s.LastResult()
	require.True(t, ok)
	assert.EqualError(t, res.ExportErr, "disk full")
	assert.Equal(t, Idle, s.State())
}
