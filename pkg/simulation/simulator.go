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
	"math/rand"
	"os"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/config"
	"github.com/livekit/media-engine/pkg/utils"
)

var ErrMissingConfig = errors.New("simulation needs a config")

type Params struct {
	Config *config.Config
	Logger logger.Logger
}

type Report struct {
	RunID   string                `yaml:"run_id"`
	Stopped bool                  `yaml:"stopped,omitempty"`
	AEC     *AECReport            `yaml:"aec,omitempty"`
	Video   *VideoReport          `yaml:"video,omitempty"`
	RTCP    *RTCPReport           `yaml:"rtcp,omitempty"`
	Phases  utils.StopwatchSplits `yaml:"phases,omitempty"`
}

// Simulator exercises the media pipeline with synthetic audio, RTP and RTCP traffic on a simulated
// clock, so a run is reproducible for a given seed.
type Simulator struct {
	params Params
	logger logger.Logger
	clock  *simClock

	stop core.Fuse
}

func NewSimulator(params Params) (*Simulator, error) {
	if params.Config == nil {
		return nil, ErrMissingConfig
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Simulator{
		params: params,
		logger: params.Logger.WithValues("component", "simulator"),
		clock:  newSimClock(time.Unix(1_700_000_000, 0)),
	}, nil
}

func (s *Simulator) Stop() {
	s.stop.Break()
}

// Run goes through the audio and video phases side by side, then replays the RTCP a receiver of the
// video stream would send back.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	sw := utils.NewStopwatch()
	report := &Report{RunID: utils.NewGuid(utils.RunPrefix)}
	s.logger.Infow("starting simulation", "runID", report.RunID, "seed", s.params.Config.Simulation.Seed)

	var aecErr, videoErr error
	wp := workerpool.New(2)
	wp.Submit(func() {
		report.AEC, aecErr = s.RunAEC(ctx)
	})
	wp.Submit(func() {
		report.Video, videoErr = s.RunVideo(ctx)
	})
	wp.StopWait()
	sw.Mark("media")
	if err := multierr.Combine(aecErr, videoErr); err != nil {
		return nil, err
	}

	var err error
	report.RTCP, err = s.RunRTCP(ctx, report.Video)
	if err != nil {
		return nil, err
	}
	sw.Mark("rtcp")

	report.Phases = sw.Splits()
	report.Stopped = s.stopped(ctx)
	s.logger.Infow("simulation finished",
		"runID", report.RunID,
		"stopped", report.Stopped,
		"phases", report.Phases,
	)

	if file := s.params.Config.Simulation.ReportFile; file != "" {
		if err := WriteReport(file, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func WriteReport(file string, report *Report) error {
	b, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(file, b, 0o644), "could not write report")
}

func (s *Simulator) stopped(ctx context.Context) bool {
	if s.stop.IsBroken() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// phases running side by side draw from their own sources
func (s *Simulator) newRand(phase int64) *rand.Rand {
	return rand.New(rand.NewSource(s.params.Config.Simulation.Seed*31 + phase))
}

type simClock struct {
	now atomic.Time
}

func newSimClock(start time.Time) *simClock {
	c := &simClock{}
	c.now.Store(start)
	return c
}

func (c *simClock) Now() time.Time {
	return c.now.Load()
}

func (c *simClock) Advance(d time.Duration) time.Time {
	t := c.now.Load().Add(d)
	c.now.Store(t)
	return t
}

// logThrottle lets one message through per interval of simulated time.
type logThrottle struct {
	now      func() time.Time
	interval time.Duration
	last     time.Time
}

func newLogThrottle(now func() time.Time, interval time.Duration) *logThrottle {
	return &logThrottle{now: now, interval: interval}
}

func (t *logThrottle) allow() bool {
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
