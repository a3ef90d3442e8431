// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package recording runs a bounded recording session over a sensor stream
// and exports the collected history when it ends.
package recording

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

const (
	DefaultDurationLimit = 20000 * time.Millisecond
	DefaultCheckInterval = 100 * time.Millisecond
)

// State of a Session.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Stream is the sensor stream a session drives.
type Stream interface {
	Start() error
	Stop() error
}

// Exporter writes the collected history somewhere durable.
type Exporter interface {
	Export() error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func() error

func (f ExporterFunc) Export() error { return f() }

type historyResetter interface {
	ResetHistory()
}

// Result describes a finished session.
type Result struct {
	Started   time.Time     `json:"started"`
	Stopped   time.Time     `json:"stopped"`
	Elapsed   time.Duration `json:"elapsed"`
	Auto      bool          `json:"auto"`
	ExportErr error         `json:"-"`
}

// Options configures a Session.
type Options struct {
	DurationLimit time.Duration
	CheckInterval time.Duration
	// ClearHistoryOnStart drops the stream's angle history when a session
	// starts, if the stream keeps one.
	ClearHistoryOnStart bool
	// OnFinish is called once per session after the export attempt.
	OnFinish func(Result)
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Scope    tally.Scope
}

type sessionMetrics struct {
	started      tally.Counter
	autoStopped  tally.Counter
	exports      tally.Counter
	exportErrors tally.Counter
}

// Session is the Idle/Recording state machine. Start and Stop may be called
// from any goroutine; the export runs exactly once per session, on the
// goroutine that ends it.
type Session struct {
	exporter Exporter
	opts     Options
	logger   *zap.Logger
	metrics  sessionMetrics
	checks   atomic.Int64

	mu     sync.Mutex
	state  State
	start  time.Time
	stream Stream
	stop   chan struct{}
	done   chan struct{}
	last   *Result
	// starting is closed once Start has heard back from the stream; nil
	// when no Start is in flight.
	starting chan struct{}
}

func NewSession(exporter Exporter, opts Options) *Session {
	if opts.DurationLimit <= 0 {
		opts.DurationLimit = DefaultDurationLimit
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	scope := opts.Scope.SubScope("recording")
	return &Session{
		exporter: exporter,
		opts:     opts,
		logger:   opts.Logger.Named("recording"),
		metrics: sessionMetrics{
			started:      scope.Counter("started"),
			autoStopped:  scope.Counter("auto_stopped"),
			exports:      scope.Counter("exports"),
			exportErrors: scope.Counter("export_errors"),
		},
	}
}

// Start begins recording on stream. It does nothing while a session is
// already running. A stream that comes up with a channel missing
// (sensors.ErrSensorUnavailable) still records.
func (s *Session) Start(stream Stream) error {
	s.mu.Lock()
	if s.state == Recording {
		s.mu.Unlock()
		s.logger.Debug("start ignored, already recording")
		return nil
	}
	s.state = Recording
	s.start = s.opts.Clock.Now()
	s.stream = stream
	stop, done, starting := make(chan struct{}), make(chan struct{}), make(chan struct{})
	s.stop, s.done, s.starting = stop, done, starting
	s.mu.Unlock()
	defer close(starting)

	if r, ok := stream.(historyResetter); ok && s.opts.ClearHistoryOnStart {
		r.ResetHistory()
	}

	err := stream.Start()
	if err != nil && !errors.Is(err, sensors.ErrSensorUnavailable) {
		s.mu.Lock()
		s.state = Idle
		s.stream = nil
		s.stop, s.done, s.starting = nil, nil, nil
		s.mu.Unlock()
		return fmt.Errorf("start recording: %w", err)
	}
	if err != nil {
		s.logger.Warn("recording with a channel missing", zap.Error(err))
	}

	s.mu.Lock()
	s.starting = nil
	s.mu.Unlock()
	s.metrics.started.Inc(1)
	s.logger.Info("recording started", zap.Duration("limit", s.opts.DurationLimit))
	go s.watch(stop, done)
	return nil
}

// Stop ends the session and exports. It does nothing when idle. The
// returned error is the export error, if any.
func (s *Session) Stop() error {
	res, done, ok := s.finish(false)
	if !ok {
		return nil
	}
	<-done
	return res.ExportErr
}

// watch is the cooperative check of the duration limit.
func (s *Session) watch(stop, done chan struct{}) {
	defer close(done)
	ticker := s.opts.Clock.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.checks.Inc()
			if s.Elapsed() >= s.opts.DurationLimit {
				s.finish(true)
				return
			}
		}
	}
}

// finish flips Recording to Idle; only the caller that wins the flip stops
// the stream and exports.
func (s *Session) finish(auto bool) (Result, chan struct{}, bool) {
	s.mu.Lock()
	// A stop that lands while the stream is still starting waits for it, so
	// the stream is never started after being stopped.
	for s.starting != nil {
		starting := s.starting
		s.mu.Unlock()
		<-starting
		s.mu.Lock()
	}
	if s.state != Recording {
		s.mu.Unlock()
		return Result{}, nil, false
	}
	now := s.opts.Clock.Now()
	res := Result{
		Started: s.start,
		Stopped: now,
		Elapsed: now.Sub(s.start),
		Auto:    auto,
	}
	stream, done := s.stream, s.done
	s.state = Idle
	s.stream = nil
	close(s.stop)
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if err := stream.Stop(); err != nil {
		s.logger.Warn("stop stream", zap.Error(err))
	}
	if auto {
		s.metrics.autoStopped.Inc(1)
	}

	s.metrics.exports.Inc(1)
	if err := s.exporter.Export(); err != nil {
		s.metrics.exportErrors.Inc(1)
		s.logger.Error("export failed", zap.Error(err))
		res.ExportErr = err
	}
	s.logger.Info("recording stopped",
		zap.Duration("elapsed", res.Elapsed),
		zap.Bool("auto", auto))

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	if s.opts.OnFinish != nil {
		s.opts.OnFinish(res)
	}
	return res, done, true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed is the running time of the current session, zero when idle.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Recording {
		return 0
	}
	return s.opts.Clock.Since(s.start)
}

// LastResult is the outcome of the most recent finished session.
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}
