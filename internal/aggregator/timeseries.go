// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package aggregator

// TimeSeries is an append-only sequence of values with their timestamps.
// Duplicate and out-of-order timestamps are kept as given. It is not safe
// for concurrent use.
type TimeSeries[T any] struct {
	values     []T
	timestamps []int64
}

func (s *TimeSeries[T]) Append(v T, ts int64) {
	s.values = append(s.values, v)
	s.timestamps = append(s.timestamps, ts)
}

func (s *TimeSeries[T]) Len() int { return len(s.values) }

// Copy returns independent copies of both columns.
func (s *TimeSeries[T]) Copy() (values []T, timestamps []int64) {
	values = make([]T, len(s.values))
	copy(values, s.values)
	timestamps = make([]int64, len(s.timestamps))
	copy(timestamps, s.timestamps)
	return values, timestamps
}

// Reset drops all entries.
func (s *TimeSeries[T]) Reset() {
	s.values = nil
	s.timestamps = nil
}
