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

	"github.com/pion/rtcp"
	"go.uber.org/zap/zapcore"
)

// ReportBlock is the latest reception report a remote sent about one of our sources.
type ReportBlock struct {
	RemoteSSRC         uint32
	SourceSSRC         uint32
	FractionLost       uint8
	CumulativeLost     uint32
	ExtendedHighSeqNum uint32
	Jitter             uint32
	LastSR             uint32
	DelaySinceLastSR   uint32
}

func (r ReportBlock) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint32("remoteSSRC", r.RemoteSSRC)
	e.AddUint32("sourceSSRC", r.SourceSSRC)
	e.AddUint8("fractionLost", r.FractionLost)
	e.AddUint32("cumulativeLost", r.CumulativeLost)
	e.AddUint32("extendedHighSeqNum", r.ExtendedHighSeqNum)
	e.AddUint32("jitter", r.Jitter)
	return nil
}

type RTTStats struct {
	LastMs int64 `yaml:"last_ms"`
	MinMs  int64 `yaml:"min_ms"`
	MaxMs  int64 `yaml:"max_ms"`
	AvgMs  int64 `yaml:"avg_ms"`
}

type reportBlockInfo struct {
	block     ReportBlock
	maxJitter uint32

	// nil until a round trip has been measured
	rtt          *RTTStats
	numAvgSample int
}

func (r *reportBlockInfo) update(remoteSSRC uint32, rr rtcp.ReceptionReport) {
	r.block = ReportBlock{
		RemoteSSRC:         remoteSSRC,
		SourceSSRC:         rr.SSRC,
		FractionLost:       rr.FractionLost,
		CumulativeLost:     rr.TotalLost,
		ExtendedHighSeqNum: rr.LastSequenceNumber,
		Jitter:             rr.Jitter,
		LastSR:             rr.LastSenderReport,
		DelaySinceLastSR:   rr.Delay,
	}
	if rr.Jitter > r.maxJitter {
		r.maxJitter = rr.Jitter
	}
}

func (r *reportBlockInfo) addRTT(rttMs int64) {
	if r.rtt == nil {
		r.rtt = &RTTStats{LastMs: rttMs, MinMs: rttMs, MaxMs: rttMs, AvgMs: rttMs}
		r.numAvgSample = 1
		return
	}

	r.rtt.LastMs = rttMs
	r.rtt.MinMs = min(r.rtt.MinMs, rttMs)
	r.rtt.MaxMs = max(r.rtt.MaxMs, rttMs)

	ac := float32(r.numAvgSample)
	avg := (ac/(ac+1))*float32(r.rtt.AvgMs) + (1/(ac+1))*float32(rttMs)
	r.rtt.AvgMs = int64(avg + 0.5)
	r.numAvgSample++
}

func (r *reportBlockInfo) resetRTT() {
	r.rtt = nil
	r.numAvgSample = 0
}

// delaySinceLastSR converts the compact NTP delay of a report block, 1/65536 s units.
func delaySinceLastSR(dlsr uint32) time.Duration {
	ms := int64(dlsr&0xffff)*1000/65536 + int64(dlsr>>16)*1000
	return time.Duration(ms) * time.Millisecond
}

// rttJob is a report block about us whose round trip still needs the send time of the SR it echoes.
type rttJob struct {
	remoteSSRC uint32
	lastSR     uint32
	delay      time.Duration
	receivedAt time.Time
}
