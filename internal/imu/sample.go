// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "math"

// Vec3 is one three-axis reading (acceleration in m/s², rotation in °/s).
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Axis selects one component of a Vec3.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return "unknown"
}

// ParseAxis accepts "x", "y" or "z" (any case).
func ParseAxis(s string) (Axis, bool) {
	switch s {
	case "x", "X":
		return AxisX, true
	case "y", "Y":
		return AxisY, true
	case "z", "Z":
		return AxisZ, true
	}
	return 0, false
}

// Get returns the component selected by a.
func (v Vec3) Get(a Axis) float32 {
	switch a {
	case AxisX:
		return v.X
	case AxisY:
		return v.Y
	default:
		return v.Z
	}
}

// Split returns the component on the vertical axis and the two remaining
// components in x, y, z order.
func (v Vec3) Split(vertical Axis) (vert, a, b float32) {
	switch vertical {
	case AxisX:
		return v.X, v.Y, v.Z
	case AxisY:
		return v.Y, v.X, v.Z
	default:
		return v.Z, v.X, v.Y
	}
}

// Norm is the Euclidean length of v.
func (v Vec3) Norm() float64 {
	x, y, z := float64(v.X), float64(v.Y), float64(v.Z)
	return math.Sqrt(x*x + y*y + z*z)
}

// RawSample is one physical accelerometer or gyroscope reading.
// Timestamp is in milliseconds; its origin depends on the source.
type RawSample struct {
	Vec3
	Timestamp int64 `json:"ts"`
}

// HRSample is one heart-rate reading in beats per minute.
type HRSample struct {
	BPM       int   `json:"bpm"`
	Timestamp int64 `json:"ts"`
}

// ChannelKind names one logical stream of a source.
type ChannelKind int

const (
	HeartRate ChannelKind = iota
	Accelerometer
	Gyroscope
	CombinedIMU
)

func (k ChannelKind) String() string {
	switch k {
	case HeartRate:
		return "hr"
	case Accelerometer:
		return "acc"
	case Gyroscope:
		return "gyro"
	case CombinedIMU:
		return "imu"
	}
	return "unknown"
}

// ParseChannelKind is the inverse of ChannelKind.String.
func ParseChannelKind(s string) (ChannelKind, bool) {
	for _, k := range []ChannelKind{HeartRate, Accelerometer, Gyroscope, CombinedIMU} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// IMUGroup reports whether k belongs to the motion (accelerometer/gyroscope)
// group rather than the heart-rate group.
func (k ChannelKind) IMUGroup() bool {
	return k != HeartRate
}
