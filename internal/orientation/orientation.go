// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"math"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// Algorithm identifies one of the two elevation estimators.
type Algorithm int

const (
	// Alg1 is the accelerometer-only EWMA estimator.
	Alg1 Algorithm = iota + 1
	// Alg2 is the accelerometer + gyroscope complementary filter.
	Alg2
)

func (a Algorithm) String() string {
	switch a {
	case Alg1:
		return "alg1"
	case Alg2:
		return "alg2"
	}
	return fmt.Sprintf("alg(%d)", int(a))
}

// ParseAlgorithm accepts "alg1"/"1" and "alg2"/"2".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "alg1", "1":
		return Alg1, nil
	case "alg2", "2":
		return Alg2, nil
	}
	return 0, fmt.Errorf("unknown algorithm %q", s)
}

// AngleEstimate is the output of one filter invocation, in degrees.
type AngleEstimate struct {
	Value     float32   `json:"value"`
	Algorithm Algorithm `json:"algorithm"`
	Timestamp int64     `json:"ts"`
}

// FilterState is the hidden state of one EWMA estimator.
type FilterState struct {
	PreviousFilteredAngle float32 `json:"previous_filtered_angle"`
	Alpha                 float32 `json:"alpha"`
}

const radToDeg = 180.0 / math.Pi

// ElevationFromAccel computes the signed elevation of the vertical axis
// above the plane of the two other axes, in degrees:
//
//	elevation = atan2(v, sqrt(a² + b²))
func ElevationFromAccel(acc imu.Vec3, vertical imu.Axis) float64 {
	v, a, b := acc.Split(vertical)
	fv, fa, fb := float64(v), float64(a), float64(b)
	return math.Atan2(fv, math.Sqrt(fa*fa+fb*fb)) * radToDeg
}

// StepEWMA runs one Alg1 step: it blends the accelerometer elevation into
// st, stores the new filtered angle and returns its absolute value.
func StepEWMA(st *FilterState, acc imu.Vec3, vertical imu.Axis) float32 {
	raw := float32(ElevationFromAccel(acc, vertical))
	filtered := st.Alpha*raw + (1-st.Alpha)*st.PreviousFilteredAngle
	st.PreviousFilteredAngle = filtered
	return abs32(filtered)
}

// Complementary runs Alg2: each axis is blended as
//
//	blended = alpha2*acc + (1-alpha2)*gyro
//
// and the elevation of the blended vector is returned as an absolute
// value in degrees. It holds no state.
func Complementary(alpha2 float32, acc, gyro imu.Vec3, vertical imu.Axis) float32 {
	blended := imu.Vec3{
		X: alpha2*acc.X + (1-alpha2)*gyro.X,
		Y: alpha2*acc.Y + (1-alpha2)*gyro.Y,
		Z: alpha2*acc.Z + (1-alpha2)*gyro.Z,
	}
	return abs32(float32(ElevationFromAccel(blended, vertical)))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
