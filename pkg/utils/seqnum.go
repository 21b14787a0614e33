// Copyright 2023 LiveKit, Inc.
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

package utils

// SequenceNumber16 is a 16-bit RTP sequence number with wrap-aware ordering.
type SequenceNumber16 uint16

const seqHalfRange = 0x8000

// IsNewerThan reports whether s comes after o, allowing for wrap around. Exactly half a range apart,
// the larger raw value is taken as newer so the order stays antisymmetric.
func (s SequenceNumber16) IsNewerThan(o SequenceNumber16) bool {
	gap := uint16(s - o)
	if gap == seqHalfRange {
		return s > o
	}
	return gap != 0 && gap < seqHalfRange
}

func (s SequenceNumber16) Less(o SequenceNumber16) bool {
	return o.IsNewerThan(s)
}

// Diff returns the signed forward distance from o to s.
func (s SequenceNumber16) Diff(o SequenceNumber16) int {
	return int(int16(s - o))
}

func (s SequenceNumber16) Next() SequenceNumber16 {
	return s + 1
}

func LatestSequenceNumber(a, b SequenceNumber16) SequenceNumber16 {
	if a.IsNewerThan(b) {
		return a
	}
	return b
}

// InSequence reports whether s directly follows prev.
func InSequence(prev, s SequenceNumber16) bool {
	return prev.Next() == s
}
