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

package simulation

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/gammazero/deque"

	"github.com/livekit/media-engine/pkg/aec"
	"github.com/livekit/media-engine/pkg/utils"
)

const (
	aecPhase = iota + 1
	videoPhase
)

const (
	toneHz        = 440
	toneAmplitude = 8000
	echoGain      = 0.5
	noiseLevel    = 200
	blockDuration = 10 * time.Millisecond
)

type AECReport struct {
	Blocks        int  `yaml:"blocks"`
	Started       bool `yaml:"started"`
	SystemDelay   int  `yaml:"system_delay"`
	KnownDelay    int  `yaml:"known_delay"`
	EchoDetected  bool `yaml:"echo_detected"`
	Warnings      int  `yaml:"warnings"`
	ErleAverage   int  `yaml:"erle_average"`
	DelayMedianMs int  `yaml:"delay_median_ms,omitempty"`
	DelayStdMs    int  `yaml:"delay_std_ms,omitempty"`
}

// RunAEC plays a tone through a simulated device. The microphone picks it up again after the
// configured device delay, attenuated and with noise added.
func (s *Simulator) RunAEC(ctx context.Context) (*AECReport, error) {
	conf := s.params.Config
	aecConf, err := conf.AEC.ToAEC()
	if err != nil {
		return nil, err
	}

	m := aec.NewManager(aec.ManagerParams{
		Logger: s.logger.WithValues("phase", "aec"),
	})
	defer m.Free()

	if err := m.Init(conf.AEC.SampleRate, conf.AEC.DeviceSampleRate); err != nil {
		return nil, err
	}
	if err := m.SetConfig(aecConf); err != nil {
		return nil, err
	}

	// the upper band of 32 kHz audio is processed separately
	split := conf.AEC.SampleRate == 32000
	blockLen := conf.AEC.SampleRate / 100
	bandRate := conf.AEC.SampleRate
	if split {
		blockLen /= 2
		bandRate /= 2
	}

	rng := s.newRand(aecPhase)
	delayBlocks := conf.Simulation.DeviceDelayMs / int(blockDuration/time.Millisecond)
	warnings := utils.NewPeriodicLogger(s.logger, "info", 3, 100)

	var playout deque.Deque[[]int16]
	report := &AECReport{}
	numBlocks := int(conf.Simulation.Duration / blockDuration)
	for i := 0; i < numBlocks; i++ {
		if s.stopped(ctx) {
			break
		}

		far := tone(i*blockLen, blockLen, bandRate)
		if err := m.BufferFarend(far); err != nil {
			return nil, err
		}
		playout.PushBack(far)

		near := noise(rng, blockLen)
		if playout.Len() > delayBlocks {
			for j, v := range playout.PopFront() {
				near[j] += int16(echoGain * float64(v))
			}
		}

		req := &aec.ProcessRequest{
			NearLow:        near,
			OutLow:         make([]int16, blockLen),
			MsInSndCardBuf: conf.Simulation.DeviceDelayMs,
		}
		if split {
			req.NearHigh = noise(rng, blockLen)
			req.OutHigh = make([]int16, blockLen)
		}
		if err := m.Process(req); err != nil {
			if !aec.IsWarning(err) {
				return nil, err
			}
			report.Warnings++
			warnings.ErrorLog("echo canceller clamped input", err, "block", i)
		}
		report.Blocks++
	}

	state := m.State()
	report.Started = !state.Startup
	report.SystemDelay = state.SystemDelay
	report.KnownDelay = state.KnownDelay

	if report.EchoDetected, err = m.EchoStatus(); err != nil {
		return nil, err
	}
	if aecConf.MetricsMode {
		metrics, err := m.GetMetrics()
		if err != nil {
			return nil, err
		}
		report.ErleAverage = int(metrics.Erle.Average)
	}
	if aecConf.DelayLogging {
		if report.DelayMedianMs, report.DelayStdMs, err = m.GetDelayMetrics(); err != nil {
			return nil, err
		}
	}

	s.logger.Infow("aec phase done",
		"blocks", report.Blocks,
		"started", report.Started,
		"knownDelay", report.KnownDelay,
		"warnings", report.Warnings,
	)
	return report, nil
}

func tone(offset int, n int, sampleRate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		phase := 2 * math.Pi * toneHz * float64(offset+i) / float64(sampleRate)
		out[i] = int16(toneAmplitude * math.Sin(phase))
	}
	return out
}

func noise(rng *rand.Rand, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(rng.Intn(2*noiseLevel+1) - noiseLevel)
	}
	return out
}
