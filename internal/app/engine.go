// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/aggregator"
	"github.com/relabs-tech/elevation_computer/internal/export"
	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/recording"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrRecordingActive = errors.New("recording in progress")
)

// EngineOptions wires an Engine. Wearable and Builtin are required.
type EngineOptions struct {
	Wearable        sensors.Source
	Builtin         sensors.Source
	WearableProfile orientation.Profile
	BuiltinProfile  orientation.Profile
	// Selected is the source the live view and the recording follow.
	Selected         string
	SubscriberBuffer int
	ExportDir        string
	Recording        recording.Options
	Logger           *zap.Logger
	Scope            tally.Scope
}

// Engine owns both sources, their aggregators, the recording session and
// the exporter. It is the surface the web server and the CLI drive.
type Engine struct {
	logger   *zap.Logger
	wearable string
	builtin  string
	sources  map[string]*aggregator.Aggregator
	session  *recording.Session
	exporter *export.FileExporter
	finished chan recording.Result

	mu       sync.Mutex
	selected string
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Wearable == nil || opts.Builtin == nil {
		return nil, errors.New("engine needs both a wearable and a builtin source")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.WearableProfile.Name == "" {
		opts.WearableProfile = orientation.WearableProfile
	}
	if opts.BuiltinProfile.Name == "" {
		opts.BuiltinProfile = orientation.BuiltinProfile
	}
	if opts.Selected == "" {
		opts.Selected = opts.Wearable.Name()
	}

	e := &Engine{
		logger:   opts.Logger.Named("engine"),
		wearable: opts.Wearable.Name(),
		builtin:  opts.Builtin.Name(),
		sources:  map[string]*aggregator.Aggregator{},
		finished: make(chan recording.Result, 1),
	}
	for _, s := range []struct {
		src     sensors.Source
		profile orientation.Profile
	}{
		{opts.Wearable, opts.WearableProfile},
		{opts.Builtin, opts.BuiltinProfile},
	} {
		agg, err := aggregator.New(s.src, aggregator.Options{
			Profile:          s.profile,
			SubscriberBuffer: opts.SubscriberBuffer,
			Logger:           opts.Logger,
			Scope:            opts.Scope,
		})
		if err != nil {
			e.closeAggregators()
			return nil, err
		}
		e.sources[s.src.Name()] = agg
	}
	if _, ok := e.sources[opts.Selected]; !ok {
		e.closeAggregators()
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, opts.Selected)
	}
	e.selected = opts.Selected

	e.exporter = export.NewFileExporter(opts.ExportDir, func() export.Input {
		return export.Input{
			SourceA: e.series(e.wearable),
			SourceB: e.series(e.builtin),
		}
	}, opts.Logger)

	rec := opts.Recording
	if rec.Logger == nil {
		rec.Logger = opts.Logger
	}
	if rec.Scope == nil {
		rec.Scope = opts.Scope
	}
	onFinish := rec.OnFinish
	rec.OnFinish = func(res recording.Result) {
		if onFinish != nil {
			onFinish(res)
		}
		select {
		case e.finished <- res:
		default:
		}
	}
	e.session = recording.NewSession(e.exporter, rec)
	return e, nil
}

func (e *Engine) series(source string) export.Series {
	values, ts := e.sources[source].History(orientation.Alg1)
	return export.Series{Values: values, Timestamps: ts}
}

func (e *Engine) closeAggregators() {
	for _, a := range e.sources {
		a.Close()
	}
}

func (e *Engine) aggregator(source string) (*aggregator.Aggregator, error) {
	if source == "" {
		source = e.Selected()
	}
	a, ok := e.sources[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return a, nil
}

// Selected is the name of the source the live view follows.
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// SelectSource switches the live view and the recording to another source.
// It is refused while recording.
func (e *Engine) SelectSource(source string) error {
	if _, ok := e.sources[source]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if e.session.State() == recording.Recording {
		return ErrRecordingActive
	}
	e.mu.Lock()
	e.selected = source
	e.mu.Unlock()
	e.logger.Info("source selected", zap.String("source", source))
	return nil
}

// CurrentSnapshot is the latest state of the selected source.
func (e *Engine) CurrentSnapshot() aggregator.Snapshot {
	a, _ := e.aggregator("")
	return a.Current()
}

// Snapshot is the latest state of a named source.
func (e *Engine) Snapshot(source string) (aggregator.Snapshot, error) {
	a, err := e.aggregator(source)
	if err != nil {
		return aggregator.Snapshot{}, err
	}
	return a.Current(), nil
}

// Subscribe streams snapshots of a source; an empty name means the one
// selected now.
func (e *Engine) Subscribe(source string) (<-chan aggregator.Snapshot, func(), error) {
	a, err := e.aggregator(source)
	if err != nil {
		return nil, nil, err
	}
	c, cancel := a.Subscribe()
	return c, cancel, nil
}

// Sources lists the source names.
func (e *Engine) Sources() []string {
	return []string{e.wearable, e.builtin}
}

// History returns copies of one algorithm's series for a source.
func (e *Engine) History(alg orientation.Algorithm, source string) ([]float32, []int64, error) {
	a, err := e.aggregator(source)
	if err != nil {
		return nil, nil, err
	}
	values, ts := a.History(alg)
	return values, ts, nil
}

// Connect reaches the selected source's device. A connected wearable also
// starts its heart rate channel.
func (e *Engine) Connect(ctx context.Context, id string) error {
	a, _ := e.aggregator("")
	src := a.Source()
	if err := src.Connect(ctx, id); err != nil {
		e.logger.Warn("connect failed", zap.String("source", src.Name()), zap.Error(err))
		return err
	}
	if src.Name() == e.wearable {
		if err := src.StartChannel(imu.HeartRate); err != nil {
			e.logger.Warn("heart rate start failed", zap.Error(err))
		}
	}
	return nil
}

// Disconnect stops any recording and releases the selected source.
func (e *Engine) Disconnect(id string) error {
	if err := e.StopRecording(); err != nil {
		e.logger.Warn("export on disconnect failed", zap.Error(err))
	}
	a, _ := e.aggregator("")
	return a.Source().Disconnect(id)
}

// recordedStream is the selected aggregator as the session sees it. The
// export covers both sources, so clearing history clears both.
type recordedStream struct {
	*aggregator.Aggregator
	all map[string]*aggregator.Aggregator
}

func (r recordedStream) ResetHistory() {
	for _, a := range r.all {
		a.ResetHistory()
	}
}

// StartRecording starts the selected source's motion stream under a
// bounded session. It does nothing while recording.
func (e *Engine) StartRecording() error {
	a, _ := e.aggregator("")
	return e.session.Start(recordedStream{Aggregator: a, all: e.sources})
}

// StopRecording ends the session and exports. It does nothing when idle.
func (e *Engine) StopRecording() error {
	return e.session.Stop()
}

// RecordingStatus describes the session for the web surface.
type RecordingStatus struct {
	State     string            `json:"state"`
	Source    string            `json:"source"`
	ElapsedMS int64             `json:"elapsed_ms"`
	Last      *recording.Result `json:"last,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Export    string            `json:"export"`
}

func (e *Engine) RecordingStatus() RecordingStatus {
	st := RecordingStatus{
		State:     e.session.State().String(),
		Source:    e.Selected(),
		ElapsedMS: e.session.Elapsed().Milliseconds(),
		Export:    e.exporter.Path(),
	}
	if res, ok := e.session.LastResult(); ok {
		st.Last = &res
		if res.ExportErr != nil {
			st.LastError = res.ExportErr.Error()
		}
	}
	return st
}

// Finished delivers the result of a finished session. A result is dropped
// while an earlier one is still unread.
func (e *Engine) Finished() <-chan recording.Result { return e.finished }

// Session exposes the recording session, mostly for tests and the CLI.
func (e *Engine) Session() *recording.Session { return e.session }

// ExportPath is where recordings are written.
func (e *Engine) ExportPath() string { return e.exporter.Path() }

// Close ends any recording and disconnects both sources.
func (e *Engine) Close() error {
	err := e.StopRecording()
	for name, a := range e.sources {
		if derr := a.Source().Disconnect(""); derr != nil {
			e.logger.Warn("disconnect", zap.String("source", name), zap.Error(derr))
		}
	}
	e.closeAggregators()
	return err
}
