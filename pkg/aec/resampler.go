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

	"github.com/gammazero/deque"
)

const (
	// MaxResampLen bounds one resampled far-end frame (two wideband frames at the largest ratio plus margin)
	MaxResampLen = 5 * FrameLen

	skewWindowLen   = 400
	skewMinReadings = 50
)

// Resampler compensates far-end clock drift.
type Resampler interface {
	Init(deviceSampleRate int) error
	ResampleLinear(in []int16, skew float32) []int16
	// GetSkew folds one raw skew reading into the estimate and returns the current estimate.
	GetSkew(rawSkew int) (float32, error)
}

// LinearResampler interpolates linearly between neighbouring samples, carrying its fractional
// position and the previous frame's last sample across calls so frames join without clicks.
type LinearResampler struct {
	deviceSampleRate int
	position         float64
	last             int16

	readings deque.Deque[int]
}

func NewLinearResampler() *LinearResampler {
	r := &LinearResampler{}
	r.readings.SetMinCapacity(9)
	return r
}

func (r *LinearResampler) Init(deviceSampleRate int) error {
	if deviceSampleRate <= 0 {
		return ErrBadParameter
	}

	r.deviceSampleRate = deviceSampleRate
	r.position = 0
	r.last = 0
	r.readings.Clear()
	return nil
}

// ResampleLinear stretches in by a factor of (1 + skew). The output never exceeds MaxResampLen samples.
func (r *LinearResampler) ResampleLinear(in []int16, skew float32) []int16 {
	if len(in) == 0 {
		return nil
	}

	step := 1.0 / (1.0 + float64(skew))
	if step <= 0 || math.IsInf(step, 0) || math.IsNaN(step) {
		step = 1
	}

	out := make([]int16, 0, MaxResampLen)
	// position is relative to the sample preceding in[0], which is r.last
	pos := r.position
	for len(out) < MaxResampLen {
		idx := int(math.Floor(pos))
		if idx >= len(in) {
			break
		}

		frac := pos - float64(idx)
		prev := r.last
		if idx > 0 {
			prev = in[idx-1]
		}
		next := in[idx]
		out = append(out, int16(math.Round(float64(prev)+frac*(float64(next)-float64(prev)))))
		pos += step
	}

	r.position = pos - float64(len(in))
	if r.position < 0 {
		r.position = 0
	}
	r.last = in[len(in)-1]
	return out
}

// GetSkew keeps a sliding window of raw readings and returns a trimmed mean of it. Until the window
// holds enough readings the estimate is zero.
func (r *LinearResampler) GetSkew(rawSkew int) (float32, error) {
	if r.deviceSampleRate == 0 {
		return 0, ErrUninitialized
	}

	r.readings.PushBack(rawSkew)
	for r.readings.Len() > skewWindowLen {
		r.readings.PopFront()
	}

	n := r.readings.Len()
	if n < skewMinReadings {
		return 0, nil
	}

	sum := 0
	lo, hi := math.MaxInt, math.MinInt
	for i := 0; i < n; i++ {
		v := r.readings.At(i)
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	// drop the extremes
	sum -= lo + hi
	return float32(sum) / float32(n-2), nil
}
