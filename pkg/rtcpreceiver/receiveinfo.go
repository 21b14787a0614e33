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

package rtcpreceiver

import (
	"time"

	"github.com/livekit/media-engine/pkg/tmmbr"
)

type tmmbrEntry struct {
	item       tmmbr.Item
	receivedAt time.Time
}

// receiveInfo tracks liveness and bandwidth signalling of one remote.
type receiveInfo struct {
	lastTimeReceived time.Time
	readyForDelete   bool

	lastFIRRequest        time.Time
	lastFIRSequenceNumber int

	tmmbrSet []tmmbrEntry
	tmmbnSet tmmbr.Set
}

func newReceiveInfo() *receiveInfo {
	return &receiveInfo{
		lastFIRSequenceNumber: -1,
	}
}

// insertTMMBRItem keeps one request per sender, refreshing it on every TMMBR.
func (r *receiveInfo) insertTMMBRItem(senderSSRC uint32, item tmmbr.Item, now time.Time) {
	item.SSRC = senderSSRC
	for i := range r.tmmbrSet {
		if r.tmmbrSet[i].item.SSRC == senderSSRC {
			r.tmmbrSet[i] = tmmbrEntry{item: item, receivedAt: now}
			return
		}
	}
	r.tmmbrSet = append(r.tmmbrSet, tmmbrEntry{item: item, receivedAt: now})
}

// tmmbrCandidates returns the requests refreshed within the timeout and forgets the others.
func (r *receiveInfo) tmmbrCandidates(now time.Time) tmmbr.Set {
	var candidates tmmbr.Set
	live := r.tmmbrSet[:0]
	for _, e := range r.tmmbrSet {
		if now.Sub(e.receivedAt) > tmmbrTimeout {
			continue
		}
		live = append(live, e)
		candidates = append(candidates, e.item)
	}
	r.tmmbrSet = live
	return candidates
}

// acceptFIR applies sequence number dedup and the minimum request interval.
func (r *receiveInfo) acceptFIR(seq uint8, now time.Time) bool {
	if int(seq) == r.lastFIRSequenceNumber {
		return false
	}
	if !r.lastFIRRequest.IsZero() && now.Sub(r.lastFIRRequest) <= firMinInterval {
		return false
	}

	r.lastFIRRequest = now
	r.lastFIRSequenceNumber = int(seq)
	return true
}
