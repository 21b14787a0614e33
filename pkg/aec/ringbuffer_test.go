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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func seq(from, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(from + i)
	}
	return s
}

func TestRingBuffer(t *testing.T) {
	t.Run("invalid capacity", func(t *testing.T) {
		_, err := NewRingBuffer(0)
		require.ErrorIs(t, err, ErrInvalidCapacity)
	})

	t.Run("write read wrap", func(t *testing.T) {
		r, err := NewRingBuffer(10)
		require.NoError(t, err)

		require.Equal(t, 6, r.Write(seq(0, 6)))
		out := make([]int16, 4)
		require.Equal(t, 4, r.Read(out))
		require.Equal(t, seq(0, 4), out)

		// wraps around the end
		require.Equal(t, 8, r.Write(seq(6, 20)))
		require.Equal(t, 10, r.AvailableRead())
		require.Equal(t, 0, r.AvailableWrite())
		require.Equal(t, 0, r.Write(seq(100, 1)))

		out = make([]int16, 20)
		require.Equal(t, 10, r.Read(out))
		require.Equal(t, seq(4, 10), out[:10])
		require.Equal(t, 0, r.AvailableRead())
	})

	t.Run("move read pointer clamps", func(t *testing.T) {
		r, err := NewRingBuffer(10)
		require.NoError(t, err)

		r.Write(seq(0, 4))
		require.Equal(t, 4, r.MoveReadPtr(7))
		require.Equal(t, 0, r.AvailableRead())

		// rewinding re-exposes old samples, at most a full buffer
		require.Equal(t, -10, r.MoveReadPtr(-25))
		require.Equal(t, 10, r.AvailableRead())
		require.Equal(t, 0, r.AvailableWrite())

		require.Equal(t, 3, r.MoveReadPtr(3))
		require.Equal(t, 7, r.AvailableRead())
	})

	t.Run("rewind returns stale data", func(t *testing.T) {
		r, err := NewRingBuffer(8)
		require.NoError(t, err)

		r.Write(seq(1, 4))
		out := make([]int16, 4)
		r.Read(out)
		require.Equal(t, -2, r.MoveReadPtr(-2))
		out = make([]int16, 2)
		require.Equal(t, 2, r.Read(out))
		require.Equal(t, []int16{3, 4}, out)
	})

	t.Run("init clears", func(t *testing.T) {
		r, err := NewRingBuffer(8)
		require.NoError(t, err)

		r.Write(seq(1, 5))
		r.Init()
		require.Equal(t, 0, r.AvailableRead())
		require.Equal(t, -8, r.MoveReadPtr(-8))
		out := make([]int16, 8)
		r.Read(out)
		require.Equal(t, make([]int16, 8), out)
	})
}

func TestRingBufferInvariant(t *testing.T) {
	const capacity = 37
	r, err := NewRingBuffer(capacity)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	// model tracks what a reader may legitimately see
	written := 0
	for i := 0; i < 5000; i++ {
		before := r.AvailableRead()
		switch rng.Intn(3) {
		case 0:
			n := r.Write(seq(written, rng.Intn(50)))
			written += n
			require.LessOrEqual(t, n, capacity-before)
		case 1:
			out := make([]int16, rng.Intn(50))
			n := r.Read(out)
			require.LessOrEqual(t, n, before)
		case 2:
			moved := r.MoveReadPtr(rng.Intn(80) - 40)
			require.GreaterOrEqual(t, moved, -(capacity - before))
			require.LessOrEqual(t, moved, before)
		}
		require.Equal(t, capacity, r.AvailableRead()+r.AvailableWrite())
		require.GreaterOrEqual(t, r.AvailableRead(), 0)
		require.LessOrEqual(t, r.AvailableRead(), capacity)
	}
}

func TestRingBufferReadOrder(t *testing.T) {
	r, err := NewRingBuffer(16)
	require.NoError(t, err)

	next := 0
	expected := 0
	for i := 0; i < 200; i++ {
		next += r.Write(seq(next, 5))
		out := make([]int16, 3)
		n := r.Read(out)
		for _, v := range out[:n] {
			require.Equal(t, int16(expected), v)
			expected++
		}
	}
}
