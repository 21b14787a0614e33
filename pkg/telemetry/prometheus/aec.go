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
	aecFrames atomic.Uint64

	promAecWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "aec",
		Name:      "warnings",
	}, []string{"kind"})
	promAecStartupFrames = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: livekitNamespace,
		Subsystem: "aec",
		Name:      "startup_frames",
		Buckets:   []float64{6, 10, 20, 30, 40, 50, 75, 100},
	})
	promAecKnownDelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "aec",
		Name:      "known_delay_samples",
	})
	promAecFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "aec",
		Name:      "frames",
	})
)

func registerAecStats(reg prometheus.Registerer) {
	reg.MustRegister(promAecWarnings)
	reg.MustRegister(promAecStartupFrames)
	reg.MustRegister(promAecKnownDelay)
	reg.MustRegister(promAecFrames)
}

func IncrementAecWarning(kind string) {
	promAecWarnings.WithLabelValues(kind).Inc()
}

func RecordAecStarted(startupFrames int) {
	promAecStartupFrames.Observe(float64(startupFrames))
}

func SetAecKnownDelay(samples int) {
	promAecKnownDelay.Set(float64(samples))
}

func IncrementAecFrames() {
	promAecFrames.Inc()
	aecFrames.Inc()
}
