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
	"go.uber.org/zap/zapcore"
)

const (
	// samples per ms in narrowband
	SampMsNb = 8

	// fixed delay introduced by the skew resampler, in samples
	ResamplingDelay = 1

	// a filtered delay this far above the known delay (in samples) is a candidate for a change
	DelayChangeUpper = 224
	// a filtered delay this far below the known delay (in samples) is a candidate for a change
	DelayChangeLower = 96
	// consecutive qualifying frames before the known delay is committed
	DelayChangeFrames = 25
	// margin kept below the filtered delay when committing
	DelayCommitOffset = 160
)

type DelayInput struct {
	MsInSndCardBuf int
	SystemDelay    int
	Mult           int
	Resampling     bool
}

type DelayResult struct {
	KnownDelay  int
	FiltDelay   int
	FlushAFrame bool
	Changed     bool
}

func (d DelayResult) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt("knownDelay", d.KnownDelay)
	e.AddInt("filtDelay", d.FiltDelay)
	e.AddBool("flushAFrame", d.FlushAFrame)
	e.AddBool("changed", d.Changed)
	return nil
}

// DelayEstimator tracks the far-end read offset (knownDelay) from the device reported latency.
// It is invoked once per 10 ms frame and smooths and debounces the raw estimate so transient jitter
// does not move the offset.
type DelayEstimator struct {
	filtDelay          int
	knownDelay         int
	lastDelayDiff      int
	timeForDelayChange int
}

func NewDelayEstimator() *DelayEstimator {
	return &DelayEstimator{}
}

func (d *DelayEstimator) Reset() {
	*d = DelayEstimator{}
}

func (d *DelayEstimator) KnownDelay() int {
	return d.knownDelay
}

func (d *DelayEstimator) FiltDelay() int {
	return d.filtDelay
}

func (d *DelayEstimator) Estimate(in DelayInput) DelayResult {
	var res DelayResult

	nSampSndCard := in.MsInSndCardBuf * SampMsNb * in.Mult
	delayNew := nSampSndCard - in.SystemDelay

	if in.SystemDelay >= FrameLen*in.Mult {
		// the frame about to be read
		delayNew += FrameLen * in.Mult
	}
	if in.Resampling {
		delayNew -= ResamplingDelay
	}

	if delayNew < FrameLen {
		// the last frame cannot be read causally
		res.FlushAFrame = true
		delayNew += FrameLen
	}

	d.filtDelay = max(0, int(int16(0.8*float64(d.filtDelay)+0.2*float64(delayNew))))

	diff := d.filtDelay - d.knownDelay
	switch {
	case diff > DelayChangeUpper:
		if d.lastDelayDiff < DelayChangeLower {
			d.timeForDelayChange = 0
		} else {
			d.timeForDelayChange++
		}
	case diff < DelayChangeLower && d.knownDelay > 0:
		if d.lastDelayDiff > DelayChangeUpper {
			d.timeForDelayChange = 0
		} else {
			d.timeForDelayChange++
		}
	default:
		d.timeForDelayChange = 0
	}
	d.lastDelayDiff = diff

	if d.timeForDelayChange > DelayChangeFrames {
		known := max(d.filtDelay-DelayCommitOffset, 0)
		res.Changed = known != d.knownDelay
		d.knownDelay = known
	}

	res.KnownDelay = d.knownDelay
	res.FiltDelay = d.filtDelay
	return res
}
