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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	nackTotal  atomic.Uint64
	rtcpBlocks atomic.Uint64

	promPacketLabels = []string{"direction"}

	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "total",
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "bytes",
	}, promPacketLabels)
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "nack",
		Name:      "total",
	}, promPacketLabels)
	promPliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "pli",
		Name:      "total",
	}, promPacketLabels)
	promFirTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "fir",
		Name:      "total",
	}, promPacketLabels)
	promRTCPBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtcp",
		Name:      "blocks",
	}, []string{"type"})
	promRTCPSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtcp",
		Name:      "skipped",
	}, []string{"reason"})
	promRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtcp",
		Name:      "rtt_ms",
		Buckets:   []float64{5, 10, 20, 40, 60, 80, 100, 150, 200, 300, 500, 1000},
	})
)

func registerPacketStats(reg prometheus.Registerer) {
	reg.MustRegister(promPacketTotal)
	reg.MustRegister(promPacketBytes)
	reg.MustRegister(promNackTotal)
	reg.MustRegister(promPliTotal)
	reg.MustRegister(promFirTotal)
	reg.MustRegister(promRTCPBlocks)
	reg.MustRegister(promRTCPSkipped)
	reg.MustRegister(promRTT)
}

func IncrementPackets(direction Direction, count uint64) {
	promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
	if direction == Incoming {
		packetsIn.Add(count)
	} else {
		packetsOut.Add(count)
	}
}

func IncrementBytes(direction Direction, count uint64) {
	promPacketBytes.WithLabelValues(string(direction)).Add(float64(count))
	if direction == Incoming {
		bytesIn.Add(count)
	} else {
		bytesOut.Add(count)
	}
}

func IncrementRTCP(direction Direction, nack, pli, fir int32) {
	if nack > 0 {
		promNackTotal.WithLabelValues(string(direction)).Add(float64(nack))
		nackTotal.Add(uint64(nack))
	}
	if pli > 0 {
		promPliTotal.WithLabelValues(string(direction)).Add(float64(pli))
	}
	if fir > 0 {
		promFirTotal.WithLabelValues(string(direction)).Add(float64(fir))
	}
}

// IncrementRTCPBlock counts one parsed sub-block of an incoming compound packet.
func IncrementRTCPBlock(blockType string) {
	promRTCPBlocks.WithLabelValues(blockType).Inc()
	rtcpBlocks.Inc()
}

func IncrementRTCPSkipped(reason string) {
	promRTCPSkipped.WithLabelValues(reason).Inc()
}

func RecordRTT(rttMs int64) {
	promRTT.Observe(float64(rttMs))
}
