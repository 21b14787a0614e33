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

var (
	framesInserted atomic.Uint64

	promFrameInsert = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "video",
		Name:      "packet_insert",
	}, []string{"result"})
	promNotDecodable = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "video",
		Name:      "packets_not_decodable",
	})
	promBoundingSet = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: livekitNamespace,
		Subsystem: "tmmbr",
		Name:      "bounding_set_size",
		Buckets:   []float64{0, 1, 2, 3, 4, 8, 16, 32},
	})
)

func registerVideoStats(reg prometheus.Registerer) {
	reg.MustRegister(promFrameInsert)
	reg.MustRegister(promNotDecodable)
	reg.MustRegister(promBoundingSet)
}

// IncrementFrameInsert counts the outcome of inserting one packet into a frame buffer.
func IncrementFrameInsert(result string) {
	promFrameInsert.WithLabelValues(result).Inc()
	framesInserted.Inc()
}

func AddPacketsNotDecodable(n int) {
	if n > 0 {
		promNotDecodable.Add(float64(n))
	}
}

func RecordBoundingSet(size int) {
	promBoundingSet.Observe(float64(size))
}
