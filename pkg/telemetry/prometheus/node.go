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
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool

	promCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "cpu_load",
	})
	promMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "memory_load",
	})
)

// Init registers every collector of this package with the default registry, labelled with nodeID.
// Collectors are live before Init, so recording is always safe; Init only makes them scrapable.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node_id": nodeID}, prometheus.DefaultRegisterer)
	reg.MustRegister(promCPULoad)
	reg.MustRegister(promMemoryLoad)

	registerPacketStats(reg)
	registerAecStats(reg)
	registerVideoStats(reg)
}

type NodeStats struct {
	StartedAt int64
	UpdatedAt int64

	NumCPUs    uint32
	CPULoad    float32
	MemoryLoad float32
	LoadAvg1   float32
	LoadAvg5   float32

	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	NackTotal  uint64
	RTCPBlocks uint64

	FramesProcessed uint64
	FramesInserted  uint64

	PacketsInPerSec float32
	BytesInPerSec   float32
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// GetUpdatedNodeStats samples process wide counters and system load. Rates are computed against prev.
func GetUpdatedNodeStats(prev *NodeStats) (*NodeStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// not available everywhere, use it when it is
	memoryLoad, _ := getMemoryStats()

	promCPULoad.Set(float64(cpuLoad))
	promMemoryLoad.Set(float64(memoryLoad))

	updatedAt := time.Now().Unix()
	stats := &NodeStats{
		StartedAt:       prev.StartedAt,
		UpdatedAt:       updatedAt,
		NumCPUs:         numCPUs,
		CPULoad:         cpuLoad,
		MemoryLoad:      memoryLoad,
		LoadAvg1:        float32(loadAvg.Loadavg1),
		LoadAvg5:        float32(loadAvg.Loadavg5),
		PacketsIn:       packetsIn.Load(),
		PacketsOut:      packetsOut.Load(),
		BytesIn:         bytesIn.Load(),
		BytesOut:        bytesOut.Load(),
		NackTotal:       nackTotal.Load(),
		RTCPBlocks:      rtcpBlocks.Load(),
		FramesProcessed: aecFrames.Load(),
		FramesInserted:  framesInserted.Load(),
	}

	if elapsed := updatedAt - prev.UpdatedAt; prev.UpdatedAt > 0 && elapsed > 0 {
		stats.PacketsInPerSec = perSec(prev.PacketsIn, stats.PacketsIn, elapsed)
		stats.BytesInPerSec = perSec(prev.BytesIn, stats.BytesIn, elapsed)
	}
	return stats, nil
}

func perSec(prev, curr uint64, secs int64) float32 {
	return float32(curr-prev) / float32(secs)
}
