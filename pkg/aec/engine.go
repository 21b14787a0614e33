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

package aec

import (
	"math"
)

const (
	FrameLen      = 80 // samples per band in one 10 ms narrowband frame
	PartLen       = 64 // samples in one filter partition (block)
	BufSizeFrames = 50 // far-end ring capacity in frames
	FarBufLen     = 3072
	MaxDelay      = 100 // delay histogram buckets, in blocks

	// OffsetLevel is reported for metrics that have not been measured.
	OffsetLevel = -100
)

// Stats is one echo level statistic in dB.
type Stats struct {
	Instant float32
	Average float32
	Max     float32
	Min     float32
	HiMean  float32
}

type EngineMetrics struct {
	Erl  Stats
	Erle Stats
	ANlp Stats
}

// FilterEngine is the adaptive filter behind the buffer manager. The manager feeds it one far-end
// frame per near-end frame and drains its output rings.
type FilterEngine interface {
	Init(sampFreq int) error
	SetSuppression(targetSupp float32, minOverDrive float32)
	SetMetricsEnabled(enabled bool)
	SetDelayLoggingEnabled(enabled bool)
	ProcessFrame(farend []int16, nearLow []int16, nearHigh []int16, knownDelay int)
	OutputLow() *RingBuffer
	OutputHigh() *RingBuffer
	Metrics() EngineMetrics
	DelayHistogram() []int
	ResetDelayHistogram()
	EchoState() bool
}

// -----------------------------------------------------------

// BypassEngine is an identity filter: the near-end signal is passed to the output rings unchanged.
// It keeps real level statistics and a real delay histogram, which makes it useful for exercising
// the buffer manager and for running without a cancellation backend.
type BypassEngine struct {
	sampFreq     int
	outLow       *RingBuffer
	outHigh      *RingBuffer
	targetSupp   float32
	minOverDrive float32

	metricsEnabled bool
	delayLogging   bool
	histogram      [MaxDelay]int

	erl       levelTracker
	echoState bool
}

func NewBypassEngine() *BypassEngine {
	return &BypassEngine{}
}

func (b *BypassEngine) Init(sampFreq int) error {
	var err error
	if b.outLow, err = NewRingBuffer(FrameLen * 4); err != nil {
		return err
	}
	if b.outHigh, err = NewRingBuffer(FrameLen * 4); err != nil {
		return err
	}

	b.sampFreq = sampFreq
	b.metricsEnabled = false
	b.delayLogging = false
	b.echoState = false
	b.histogram = [MaxDelay]int{}
	b.erl.reset()
	return nil
}

func (b *BypassEngine) SetSuppression(targetSupp float32, minOverDrive float32) {
	b.targetSupp = targetSupp
	b.minOverDrive = minOverDrive
}

func (b *BypassEngine) SetMetricsEnabled(enabled bool) {
	b.metricsEnabled = enabled
	if enabled {
		b.erl.reset()
	}
}

func (b *BypassEngine) SetDelayLoggingEnabled(enabled bool) {
	b.delayLogging = enabled
	if enabled {
		b.ResetDelayHistogram()
	}
}

func (b *BypassEngine) ProcessFrame(farend []int16, nearLow []int16, nearHigh []int16, knownDelay int) {
	b.outLow.Write(nearLow[:FrameLen])
	if b.sampFreq == 32000 && len(nearHigh) >= FrameLen {
		b.outHigh.Write(nearHigh[:FrameLen])
	}

	if b.delayLogging {
		bucket := knownDelay / PartLen
		if bucket >= MaxDelay {
			bucket = MaxDelay - 1
		}
		b.histogram[bucket]++
	}

	farPower := power(farend)
	nearPower := power(nearLow[:FrameLen])
	b.echoState = farPower > 0 && nearPower > 0.5*farPower
	if b.metricsEnabled && farPower > 0 && nearPower > 0 {
		b.erl.update(float32(10 * math.Log10(farPower/nearPower)))
	}
}

func (b *BypassEngine) OutputLow() *RingBuffer {
	return b.outLow
}

func (b *BypassEngine) OutputHigh() *RingBuffer {
	return b.outHigh
}

func (b *BypassEngine) Metrics() EngineMetrics {
	return EngineMetrics{
		Erl:  b.erl.stats(),
		Erle: offsetStats(),
		ANlp: offsetStats(),
	}
}

func (b *BypassEngine) DelayHistogram() []int {
	return b.histogram[:]
}

func (b *BypassEngine) ResetDelayHistogram() {
	b.histogram = [MaxDelay]int{}
}

func (b *BypassEngine) EchoState() bool {
	return b.echoState
}

// -----------------------------------------------------------

type levelTracker struct {
	count   int
	instant float32
	sum     float64
	max     float32
	min     float32
	hiSum   float64
	hiCount int
}

func (l *levelTracker) reset() {
	*l = levelTracker{
		instant: OffsetLevel,
		max:     OffsetLevel,
		min:     -OffsetLevel,
	}
}

func (l *levelTracker) update(level float32) {
	l.instant = level
	l.count++
	l.sum += float64(level)
	l.max = max(l.max, level)
	l.min = min(l.min, level)
	if float64(level) > l.sum/float64(l.count) {
		l.hiSum += float64(level)
		l.hiCount++
	}
}

func (l *levelTracker) stats() Stats {
	if l.count == 0 {
		return offsetStats()
	}

	s := Stats{
		Instant: l.instant,
		Average: float32(l.sum / float64(l.count)),
		Max:     l.max,
		Min:     l.min,
		HiMean:  OffsetLevel,
	}
	if l.hiCount > 0 {
		s.HiMean = float32(l.hiSum / float64(l.hiCount))
	}
	return s
}

func offsetStats() Stats {
	return Stats{
		Instant: OffsetLevel,
		Average: OffsetLevel,
		Max:     OffsetLevel,
		Min:     -OffsetLevel,
		HiMean:  OffsetLevel,
	}
}

func power(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}
