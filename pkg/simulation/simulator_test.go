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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/livekit/media-engine/pkg/config"
)

func newTestConfig(t *testing.T, modify func(conf *config.Config)) *config.Config {
	t.Helper()

	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)

	conf.Simulation.Duration = 2 * time.Second
	conf.Simulation.Frames = 60
	conf.Simulation.LossRate = 0
	conf.Simulation.ReorderRate = 0
	if modify != nil {
		modify(conf)
	}
	return conf
}

func TestSimulatorCleanChannel(t *testing.T) {
	for _, codec := range []string{"vp8", "h264"} {
		t.Run(codec, func(t *testing.T) {
			conf := newTestConfig(t, func(conf *config.Config) {
				conf.Video.Codec = codec
			})
			s, err := NewSimulator(Params{Config: conf})
			require.NoError(t, err)

			report, err := s.Run(context.Background())
			require.NoError(t, err)
			require.False(t, report.Stopped)
			require.Len(t, report.Phases, 2)

			require.Equal(t, 200, report.AEC.Blocks)
			require.Zero(t, report.AEC.Warnings)

			v := report.Video
			require.Equal(t, 60, v.Frames)
			require.Equal(t, 240, v.PacketsSent)
			require.Zero(t, v.PacketsLost)
			require.Zero(t, v.PacketsReordered)
			require.Zero(t, v.InsertErrors)
			require.Equal(t, 60, v.CompleteFrames)
			require.Equal(t, 2, v.KeyFrames)
			require.Equal(t, uint32(120), v.PacketRate)

			r := report.RTCP
			require.Equal(t, 10, r.Packets)
			require.Zero(t, r.Errors)
			require.Equal(t, 10, r.SenderReports)
			require.InDelta(t, conf.Simulation.RTTMs, r.RTT.AvgMs, 2)
			require.InDelta(t, float64(conf.Simulation.RTTMs), r.MedianRTTMs, 2)
			require.Zero(t, r.NACKedPackets)
			require.Equal(t, 1, r.IntraFrameRequests)
			require.Equal(t, 2, r.TMMBRRequests)
			require.Equal(t, remoteCNAME, r.RemoteCNAME)
			require.True(t, r.BoundingSetOwner)
			require.Len(t, r.BoundingSet, 1)
			require.NotZero(t, r.MaxBitrateKbit)
			require.True(t, r.BoundingSetExpired)
			require.Equal(t, 1, r.Timeouts)
		})
	}
}

func TestSimulatorLossyChannel(t *testing.T) {
	conf := newTestConfig(t, func(conf *config.Config) {
		conf.Simulation.LossRate = 0.1
		conf.Simulation.ReorderRate = 0.1
		conf.Simulation.Seed = 7
	})
	s, err := NewSimulator(Params{Config: conf})
	require.NoError(t, err)

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	v := report.Video
	require.NotZero(t, v.PacketsLost)
	require.Len(t, v.Lost, v.PacketsLost)
	require.NotZero(t, v.PacketsReordered)
	require.LessOrEqual(t, v.CompleteFrames+v.DecodableFrames+v.IncompleteFrames, v.Frames)
	require.Less(t, v.CompleteFrames, v.Frames)

	// every lost packet is asked for again, sixteen per report
	require.Equal(t, min(v.PacketsLost, 16*report.RTCP.Packets), report.RTCP.NACKedPackets)
	require.NotZero(t, report.RTCP.FractionLost)

	// same seed, same outcome
	s, err = NewSimulator(Params{Config: conf})
	require.NoError(t, err)
	again, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, v.Lost, again.Video.Lost)
	require.Equal(t, v.CompleteFrames, again.Video.CompleteFrames)
}

func TestSimulatorStopped(t *testing.T) {
	s, err := NewSimulator(Params{Config: newTestConfig(t, nil)})
	require.NoError(t, err)
	s.Stop()

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Stopped)
	require.Zero(t, report.AEC.Blocks)
	require.Zero(t, report.Video.Frames)
	require.Zero(t, report.RTCP.Packets)
}

func TestSimulatorReportFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "report.yaml")
	conf := newTestConfig(t, func(conf *config.Config) {
		conf.Simulation.ReportFile = file
		conf.Simulation.Duration = 400 * time.Millisecond
		conf.Simulation.Frames = 10
	})
	s, err := NewSimulator(Params{Config: conf})
	require.NoError(t, err)

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	var written Report
	require.NoError(t, yaml.Unmarshal(b, &written))
	require.Equal(t, report.RunID, written.RunID)
	require.Equal(t, report.Video.Frames, written.Video.Frames)
	require.Equal(t, report.RTCP.Packets, written.RTCP.Packets)
}

func TestNewSimulatorValidates(t *testing.T) {
	_, err := NewSimulator(Params{})
	require.ErrorIs(t, err, ErrMissingConfig)

	conf := newTestConfig(t, func(conf *config.Config) {
		conf.Simulation.LossRate = 2
	})
	_, err = NewSimulator(Params{Config: conf})
	require.ErrorIs(t, err, config.ErrInvalidSimulation)
}

func TestLogThrottleFollowsSimulatedTime(t *testing.T) {
	clock := newSimClock(time.Unix(1_700_000_000, 0))
	throttle := newLogThrottle(clock.Now, boundingSetLogInterval)

	require.True(t, throttle.allow())
	require.False(t, throttle.allow())

	clock.Advance(boundingSetLogInterval - time.Millisecond)
	require.False(t, throttle.allow())
	clock.Advance(time.Millisecond)
	require.True(t, throttle.allow())

	// a simulated minute goes by without any wall clock time passing
	for i := 0; i < 60; i++ {
		clock.Advance(rtcpInterval)
		require.Equal(t, i%5 == 4, throttle.allow(), "step %d", i)
	}
}
