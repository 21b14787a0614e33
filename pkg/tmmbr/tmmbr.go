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

package tmmbr

import (
	"errors"
	"sort"
	"sync"

	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
)

// MinVideoBitrateKbit is the floor applied to any limit derived from a bounding set.
const MinVideoBitrateKbit = 30

var (
	ErrNoCandidates    = errors.New("no tmmbr candidates")
	ErrNoBoundingSet   = errors.New("empty bounding set")
	ErrInvalidBitrates = errors.New("invalid min/max bitrate")
)

// Item is one TMMBR/TMMBN tuple.
type Item struct {
	BitrateKbit    uint32 `yaml:"bitrate_kbit"`
	PacketOverhead uint32 `yaml:"packet_overhead"`
	SSRC           uint32 `yaml:"ssrc"`
}

type Set []Item

func (s Set) Contains(ssrc uint32) bool {
	for _, it := range s {
		if it.SSRC == ssrc {
			return true
		}
	}
	return false
}

func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	c := make(Set, len(s))
	copy(c, s)
	return c
}

// Helper keeps the candidate set collected from all remotes, the bounding set derived from it and the
// bounding set this endpoint announces in TMMBN.
type Helper struct {
	lock sync.Mutex

	candidates Set
	bounding   Set
	toSend     Set
}

func NewHelper() *Helper {
	return &Helper{}
}

func (h *Helper) SetCandidateSet(candidates Set) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.candidates = candidates.Clone()
}

func (h *Helper) CandidateSet() Set {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.candidates.Clone()
}

func (h *Helper) BoundingSet() Set {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.bounding.Clone()
}

// FindBoundingSet computes the bounding set of the current candidates (RFC 5104 section 3.5.4.2)
// and keeps it as the helper's bounding set.
func (h *Helper) FindBoundingSet() Set {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.bounding = findBoundingSet(h.candidates)
	prometheus.RecordBoundingSet(len(h.bounding))
	return h.bounding.Clone()
}

// SetBoundingSetToSend stores the set announced to remotes, capping each entry at maxBitrateKbit
// when it is non-zero. A nil set clears it.
func (h *Helper) SetBoundingSetToSend(set Set, maxBitrateKbit uint32) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if set == nil {
		h.toSend = nil
		return
	}

	h.toSend = make(Set, 0, len(set))
	for _, it := range set {
		if maxBitrateKbit != 0 && it.BitrateKbit > maxBitrateKbit {
			it.BitrateKbit = maxBitrateKbit
		}
		h.toSend = append(h.toSend, it)
	}
}

func (h *Helper) BoundingSetToSend() Set {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.toSend.Clone()
}

// IsOwner reports whether ssrc is one of the tuples in the current bounding set.
func (h *Helper) IsOwner(ssrc uint32) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.bounding.Contains(ssrc)
}

// CalcMinMaxBitRate returns the lowest and highest net media bitrate among the candidates once the
// packet overhead at totalPacketRate packets/s is taken off.
func (h *Helper) CalcMinMaxBitRate(totalPacketRate uint32) (uint32, uint32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if len(h.bounding) == 0 {
		return 0, 0, ErrNoBoundingSet
	}
	if len(h.candidates) == 0 {
		return 0, 0, ErrNoCandidates
	}

	minKbit := uint32(0xffffffff)
	maxKbit := uint32(0)
	for _, c := range h.candidates {
		if c.BitrateKbit == 0 {
			continue
		}

		net := (float64(c.BitrateKbit)*1000-float64(totalPacketRate)*float64(c.PacketOverhead)*8)/1000 + 0.5
		netKbit := uint32(MinVideoBitrateKbit)
		if net >= 0 {
			netKbit = uint32(net)
		}
		minKbit = min(minKbit, netKbit)
		maxKbit = max(maxKbit, netKbit)
	}

	if maxKbit == 0 || maxKbit < minKbit {
		return 0, 0, ErrInvalidBitrates
	}
	if minKbit < MinVideoBitrateKbit {
		minKbit = MinVideoBitrateKbit
	}
	if maxKbit < minKbit {
		maxKbit = minKbit
	}
	return minKbit, maxKbit, nil
}

// ------------------------------------------------

func maxPacketRate(it Item) float64 {
	// where the tuple's line crosses the packet rate axis
	return float64(it.BitrateKbit) * 1000 / float64(8*it.PacketOverhead)
}

func findBoundingSet(candidates Set) Set {
	var live Set
	for _, c := range candidates {
		if c.BitrateKbit > 0 {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return Set{live[0]}
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].PacketOverhead < live[j].PacketOverhead
	})

	// one tuple per overhead, the one with the lowest bitrate
	perOverhead := live[:0:0]
	for _, c := range live {
		n := len(perOverhead)
		if n > 0 && perOverhead[n-1].PacketOverhead == c.PacketOverhead {
			if c.BitrateKbit < perOverhead[n-1].BitrateKbit {
				perOverhead[n-1] = c
			}
			continue
		}
		perOverhead = append(perOverhead, c)
	}

	// the lowest bitrate starts the set, ties go to the highest overhead
	first := 0
	for i, c := range perOverhead {
		if c.BitrateKbit <= perOverhead[first].BitrateKbit {
			first = i
		}
	}

	bounding := Set{perOverhead[first]}
	intersections := []float64{0}
	maxRates := []float64{maxPacketRate(perOverhead[first])}

	// later tuples must be steeper than the first one
	var remaining Set
	for i, c := range perOverhead {
		if i != first && c.PacketOverhead > perOverhead[first].PacketOverhead {
			remaining = append(remaining, c)
		}
	}

	for len(remaining) > 0 {
		cur := remaining[0]
		for {
			last := bounding[len(bounding)-1]
			packetRate := (float64(cur.BitrateKbit) - float64(last.BitrateKbit)) * 1000 /
				float64(8*(cur.PacketOverhead-last.PacketOverhead))

			if packetRate <= intersections[len(intersections)-1] && len(bounding) > 1 {
				bounding = bounding[:len(bounding)-1]
				intersections = intersections[:len(intersections)-1]
				maxRates = maxRates[:len(maxRates)-1]
				continue
			}

			if packetRate < maxRates[len(maxRates)-1] {
				bounding = append(bounding, cur)
				intersections = append(intersections, packetRate)
				maxRates = append(maxRates, maxPacketRate(cur))
			}
			break
		}
		remaining = remaining[1:]
	}
	return bounding
}
