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

package config

import (
	"flag"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/media-engine/pkg/aec"
	"github.com/livekit/media-engine/pkg/config/configtest"
	"github.com/livekit/media-engine/pkg/videocoding"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 16000, conf.AEC.SampleRate)
	require.Equal(t, 256, conf.RTCP.CNAMECacheSize)
	require.Equal(t, 100*time.Millisecond, conf.RTCP.SweepInterval)

	a, err := conf.AEC.ToAEC()
	require.NoError(t, err)
	require.Equal(t, aec.DefaultConfig, a)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `aec:
  nlp_mode: aggressive
rtcp:
  packet_timeout: 2s`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 16000, conf.AEC.SampleRate)
	require.Equal(t, 2*time.Second, conf.RTCP.PacketTimeout)
	require.Equal(t, 256, conf.RTCP.CNAMECacheSize)

	a, err := conf.AEC.ToAEC()
	require.NoError(t, err)
	require.Equal(t, aec.NlpAggressive, a.NlpMode)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
aec:
  sample_rate: 8000`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 8000, conf.AEC.SampleRate)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{name: "sample rate", content: "aec:\n  sample_rate: 44100", err: ErrInvalidSampleRate},
		{name: "device rate", content: "aec:\n  device_sample_rate: 100000", err: ErrInvalidSampleRate},
		{name: "nlp mode", content: "aec:\n  nlp_mode: loud", err: aec.ErrBadParameter},
		{name: "codec", content: "video:\n  codec: av1", err: ErrInvalidCodec},
		{name: "loss rate", content: "simulation:\n  loss_rate: 1.5", err: ErrInvalidSimulation},
		{name: "packets per frame", content: "simulation:\n  packets_per_frame: 1000", err: ErrInvalidSimulation},
		{name: "same ssrc", content: "simulation:\n  local_ssrc: 7\n  remote_ssrc: 7", err: ErrInvalidSimulation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.content, true, nil, nil)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConfig_ReportFileExpanded(t *testing.T) {
	conf, err := NewConfig("simulation:\n  report_file: ~/sim.yaml", true, nil, nil)
	require.NoError(t, err)

	expected, err := homedir.Expand("~/sim.yaml")
	require.NoError(t, err)
	require.Equal(t, expected, conf.Simulation.ReportFile)
}

func TestVideoConfig(t *testing.T) {
	v := VideoConfig{Codec: "H264", DecodableState: true, RTTMs: 20, AveragePacketsPerFrame: 3}
	codec, err := v.CodecType()
	require.NoError(t, err)
	require.Equal(t, videocoding.CodecH264, codec)
	require.Equal(t, videocoding.FrameData{
		EnableDecodableState:          true,
		RttMs:                         20,
		RollingAveragePacketsPerFrame: 3,
	}, v.FrameData())
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("generated", 0)
	set.Bool("aec.skew_mode", false, "")
	set.String("video.codec", "", "")
	set.Uint("prometheus_port", 0, "")
	set.Int64("rtcp.packet_timeout", 0, "")
	set.Float64("simulation.loss_rate", 0, "")
	set.String("log-level", "", "")
	require.NoError(t, set.Parse([]string{
		"-aec.skew_mode=true",
		"-video.codec=h264",
		"-prometheus_port=9999",
		"-rtcp.packet_timeout=1500000000",
		"-simulation.loss_rate=0.1",
		"-log-level=WARN",
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.True(t, conf.AEC.SkewMode)
	require.Equal(t, "h264", conf.Video.Codec)
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, 1500*time.Millisecond, conf.RTCP.PacketTimeout)
	require.Equal(t, 0.1, conf.Simulation.LossRate)
	require.Equal(t, "warn", conf.Logging.Level)

	// not set on the command line
	require.Equal(t, 16000, conf.AEC.SampleRate)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(AECConfig{}, VideoConfig{}, SimulationConfig{}, DefaultConfig.RTCP))
}
