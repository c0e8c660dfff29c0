// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package constraint

import (
	"golang.org/x/exp/slices"
)

// Bound is one end of a Range.
// A nil Value means the range is
// unbounded on that side.
type Bound struct {
	Value     any
	Inclusive bool
}

// Range is an interval of values.
type Range struct {
	Low, High Bound
}

// Equal is the range containing only v.
func Equal(v any) Range {
	return Range{Low: Bound{v, true}, High: Bound{v, true}}
}

func GreaterThan(v any) Range    { return Range{Low: Bound{Value: v}} }
func GreaterOrEqual(v any) Range { return Range{Low: Bound{v, true}} }
func LessThan(v any) Range       { return Range{High: Bound{Value: v}} }
func LessOrEqual(v any) Range    { return Range{High: Bound{v, true}} }

// Between is the closed range [lo, hi].
func Between(lo, hi any) Range {
	return Range{Low: Bound{lo, true}, High: Bound{hi, true}}
}

// Contains reports whether v lies within r.
// Values that cannot be compared with a
// bound are not contained.
func (r Range) Contains(v any) bool {
	if r.Low.Value != nil {
		c, ok := Compare(v, r.Low.Value)
		if !ok || c < 0 || (c == 0 && !r.Low.Inclusive) {
			return false
		}
	}
	if r.High.Value != nil {
		c, ok := Compare(v, r.High.Value)
		if !ok || c > 0 || (c == 0 && !r.High.Inclusive) {
			return false
		}
	}
	return true
}

// Ranges is a set of ranges ordered by low bound.
type Ranges struct {
	ranges      []Range
	NullAllowed bool
}

// NewRanges builds a range set.
func NewRanges(nullAllowed bool, rs ...Range) *Ranges {
	sorted := slices.Clone(rs)
	slices.SortStableFunc(sorted, func(a, b Range) int {
		switch {
		case a.Low.Value == nil && b.Low.Value == nil:
			return 0
		case a.Low.Value == nil:
			return -1
		case b.Low.Value == nil:
			return 1
		}
		c, _ := Compare(a.Low.Value, b.Low.Value)
		return c
	})
	return &Ranges{ranges: sorted, NullAllowed: nullAllowed}
}

// Ranges returns the ordered ranges.
func (s *Ranges) Ranges() []Range { return slices.Clone(s.ranges) }

func (s *Ranges) Contains(v any) bool {
	if v == nil {
		return s.NullAllowed
	}
	for i := range s.ranges {
		lo := s.ranges[i].Low.Value
		if lo != nil {
			// ranges are sorted by low bound,
			// so nothing further can match
			if c, ok := Compare(lo, v); ok && c > 0 {
				return false
			}
		}
		if s.ranges[i].Contains(v) {
			return true
		}
	}
	return false
}
