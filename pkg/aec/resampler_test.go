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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearResampler(t *testing.T) {
	t.Run("unity", func(t *testing.T) {
		r := NewLinearResampler()
		require.NoError(t, r.Init(16000))

		in := seq(10, FrameLen)
		out := r.ResampleLinear(in, 0)
		require.Len(t, out, FrameLen)
		// delayed by one sample across the frame boundary
		require.Equal(t, int16(0), out[0])
		require.Equal(t, in[:FrameLen-1], out[1:])

		out = r.ResampleLinear(seq(90, FrameLen), 0)
		require.Equal(t, int16(89), out[0])
	})

	t.Run("stretch", func(t *testing.T) {
		r := NewLinearResampler()
		require.NoError(t, r.Init(16000))

		total := 0
		for i := 0; i < 10; i++ {
			out := r.ResampleLinear(seq(i*FrameLen, FrameLen), 0.1)
			require.LessOrEqual(t, len(out), MaxResampLen)
			total += len(out)
		}
		require.InDelta(t, 880, total, 2)
	})

	t.Run("bounded", func(t *testing.T) {
		r := NewLinearResampler()
		require.NoError(t, r.Init(16000))
		out := r.ResampleLinear(seq(0, 2*FrameLen), maxSkewEst)
		require.Len(t, out, 4*FrameLen)
		require.Empty(t, r.ResampleLinear(nil, 0))
	})

	t.Run("bad rate", func(t *testing.T) {
		require.ErrorIs(t, NewLinearResampler().Init(0), ErrBadParameter)
	})
}

func TestLinearResamplerSkew(t *testing.T) {
	r := NewLinearResampler()
	_, err := r.GetSkew(3)
	require.ErrorIs(t, err, ErrUninitialized)

	require.NoError(t, r.Init(48000))
	for i := 0; i < skewMinReadings-1; i++ {
		skew, err := r.GetSkew(5)
		require.NoError(t, err)
		require.Zero(t, skew)
	}

	skew, err := r.GetSkew(5)
	require.NoError(t, err)
	require.Equal(t, float32(5), skew)

	// extremes are trimmed
	skew, err = r.GetSkew(1000)
	require.NoError(t, err)
	require.Equal(t, float32(5), skew)

	// the window slides
	for i := 0; i < skewWindowLen; i++ {
		skew, err = r.GetSkew(-2)
		require.NoError(t, err)
	}
	require.Equal(t, float32(-2), skew)
}
