// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package data

import (
	"fmt"
	"sort"
)

// ByteRange represents a contiguous range of bytes [Start, End).
type ByteRange struct {
	Start uint64
	End   uint64 // exclusive
}

func (br ByteRange) Len() uint64 {
	if br.End <= br.Start {
		return 0
	}
	return br.End - br.Start
}

func (br ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", br.Start, br.End)
}

// RangeSet is a set of byte offsets stored as sorted, disjoint, non-adjacent
// ranges. The zero value is empty. Not safe for concurrent use.
type RangeSet struct {
	// INVARIANT: For each i, ranges[i].Start < ranges[i].End
	// INVARIANT: For each i > 0, ranges[i-1].End < ranges[i].Start
	ranges []ByteRange
}

func NewRangeSet(ranges ...ByteRange) *RangeSet {
	rs := &RangeSet{}
	for _, r := range ranges {
		rs.Add(r.Start, r.End)
	}
	return rs
}

func (rs *RangeSet) CheckInvariants() {
	for i, r := range rs.ranges {
		if !(r.Start < r.End) {
			panic(fmt.Sprintf("empty range %v at %d", r, i))
		}
		if i > 0 && !(rs.ranges[i-1].End < r.Start) {
			panic(fmt.Sprintf("ranges %v and %v not disjoint", rs.ranges[i-1], r))
		}
	}
}

// Add inserts [start, end), merging with overlapping or adjacent ranges.
func (rs *RangeSet) Add(start, end uint64) {
	if start >= end {
		return
	}

	// First range whose end reaches start.
	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].End >= start })

	// One past the last range whose start is within reach of end.
	j := i
	for j < len(rs.ranges) && rs.ranges[j].Start <= end {
		start = min(start, rs.ranges[j].Start)
		end = max(end, rs.ranges[j].End)
		j++
	}

	merged := ByteRange{Start: start, End: end}
	rs.ranges = append(rs.ranges[:i], append([]ByteRange{merged}, rs.ranges[j:]...)...)
}

// Contains reports whether every byte of [start, end) is in the set.
func (rs *RangeSet) Contains(start, end uint64) bool {
	if start >= end {
		return true
	}

	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].End > start })
	return i < len(rs.ranges) && rs.ranges[i].Start <= start && rs.ranges[i].End >= end
}

// Missing returns the sub-ranges of [start, end) not in the set, in order.
func (rs *RangeSet) Missing(start, end uint64) (missing []ByteRange) {
	if start >= end {
		return nil
	}

	cur := start
	for _, r := range rs.ranges {
		if r.End <= cur {
			continue
		}
		if r.Start >= end {
			break
		}
		if r.Start > cur {
			missing = append(missing, ByteRange{Start: cur, End: r.Start})
		}
		cur = r.End
		if cur >= end {
			return
		}
	}

	missing = append(missing, ByteRange{Start: cur, End: end})
	return
}

// Truncate drops every offset at or beyond size.
func (rs *RangeSet) Truncate(size uint64) {
	out := rs.ranges[:0]
	for _, r := range rs.ranges {
		if r.Start >= size {
			break
		}
		r.End = min(r.End, size)
		out = append(out, r)
	}
	rs.ranges = out
}

// Covered returns the number of bytes in the set.
func (rs *RangeSet) Covered() (n uint64) {
	for _, r := range rs.ranges {
		n += r.Len()
	}
	return
}

// Ranges returns a copy of the set's ranges.
func (rs *RangeSet) Ranges() []ByteRange {
	return append([]ByteRange(nil), rs.ranges...)
}

func (rs *RangeSet) Clone() *RangeSet {
	return &RangeSet{ranges: rs.Ranges()}
}
