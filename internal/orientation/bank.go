// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// Profile is the per-source tuning of the filter bank.
type Profile struct {
	Name         string
	Vertical     imu.Axis
	Alpha1       float32 // EWMA weight of the new reading
	Alpha2       float32 // accelerometer weight in the complementary blend
	InitialAngle float32 // Alg1 state before the first sample
}

// WearableProfile is the chest strap tuning: z points up out of the strap.
var WearableProfile = Profile{
	Name:     "wearable",
	Vertical: imu.AxisZ,
	Alpha1:   0.5,
	Alpha2:   0.9,
}

// BuiltinProfile is the on-board sensor tuning.
var BuiltinProfile = Profile{
	Name:         "builtin",
	Vertical:     imu.AxisY,
	Alpha1:       0.4,
	Alpha2:       0.5,
	InitialAngle: -40,
}

func (p Profile) Validate() error {
	if p.Alpha1 < 0 || p.Alpha1 > 1 {
		return fmt.Errorf("%s profile: alpha1 must be within [0,1], got %v", p.Name, p.Alpha1)
	}
	if p.Alpha2 < 0 || p.Alpha2 > 1 {
		return fmt.Errorf("%s profile: alpha2 must be within [0,1], got %v", p.Name, p.Alpha2)
	}
	if p.Vertical < imu.AxisX || p.Vertical > imu.AxisZ {
		return fmt.Errorf("%s profile: invalid vertical axis %d", p.Name, p.Vertical)
	}
	return nil
}

// Bank holds the two estimators of one source. It is not safe for
// concurrent use; its owner serializes calls.
type Bank struct {
	profile Profile
	ewma    FilterState
}

func NewBank(p Profile) *Bank {
	return &Bank{
		profile: p,
		ewma: FilterState{
			PreviousFilteredAngle: p.InitialAngle,
			Alpha:                 p.Alpha1,
		},
	}
}

// Estimate runs both algorithms on the latest accelerometer and gyroscope
// readings and stamps both results with ts.
func (b *Bank) Estimate(acc, gyro imu.Vec3, ts int64) (AngleEstimate, AngleEstimate) {
	a1 := StepEWMA(&b.ewma, acc, b.profile.Vertical)
	a2 := Complementary(b.profile.Alpha2, acc, gyro, b.profile.Vertical)
	return AngleEstimate{Value: a1, Algorithm: Alg1, Timestamp: ts},
		AngleEstimate{Value: a2, Algorithm: Alg2, Timestamp: ts}
}

// State returns a copy of the EWMA state.
func (b *Bank) State() FilterState {
	return b.ewma
}

func (b *Bank) Profile() Profile {
	return b.profile
}
