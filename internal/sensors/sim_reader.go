// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

// SimReader is a host sensor that tilts back and forth smoothly so the
// estimators have something to chew on without hardware.
type SimReader struct {
	clock    clockwork.Clock
	start    time.Time
	vertical imu.Axis
	noGyro   bool
}

// NewSimReader starts the sweep at elevation 45°.
func NewSimReader(clock clockwork.Clock, vertical imu.Axis) *SimReader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimReader{clock: clock, start: clock.Now(), vertical: vertical}
}

// SimReaderOpener adapts NewSimReader to a ReaderOpener.
func SimReaderOpener(clock clockwork.Clock, vertical imu.Axis) ReaderOpener {
	return func(context.Context) (Reader, error) {
		return NewSimReader(clock, vertical), nil
	}
}

// WithoutGyro makes the reader behave like a device lacking a gyroscope.
func (s *SimReader) WithoutGyro() *SimReader {
	s.noGyro = true
	return s
}

// Elevation is the simulated angle in degrees at the current clock time.
func (s *SimReader) Elevation() float64 {
	t := s.clock.Since(s.start).Seconds()
	return 45 + 40*math.Sin(t*0.5)
}

// place writes vert on the vertical axis and horiz on the next one.
func place(vertical imu.Axis, vert, horiz float64) imu.Vec3 {
	var v imu.Vec3
	switch vertical {
	case imu.AxisX:
		v.X, v.Y = float32(vert), float32(horiz)
	case imu.AxisY:
		v.Y, v.X = float32(vert), float32(horiz)
	default:
		v.Z, v.X = float32(vert), float32(horiz)
	}
	return v
}

func (s *SimReader) ReadAccel() (imu.Vec3, error) {
	rad := s.Elevation() * math.Pi / 180
	return place(s.vertical, StandardGravity*math.Sin(rad), StandardGravity*math.Cos(rad)), nil
}

// ReadGyro reports the sweep rate in °/s around the horizontal axis.
func (s *SimReader) ReadGyro() (imu.Vec3, error) {
	if s.noGyro {
		return imu.Vec3{}, ErrSensorUnavailable
	}
	t := s.clock.Since(s.start).Seconds()
	rate := 20 * math.Cos(t*0.5)
	return place(s.vertical, 0, rate), nil
}

func (s *SimReader) HasGyro() bool { return !s.noGyro }

func (s *SimReader) Close() error { return nil }
