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

package videocoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameBufferInsert(t *testing.T) {
	f := NewFrameBuffer(nil)
	require.Equal(t, StateEmpty, f.State())
	require.Equal(t, int64(-1), f.LatestPacketTimeMs())

	res, err := f.InsertPacket(mediaPacket(1, []byte{1, 2}, true, false, NaluStart), 100, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertIncomplete, res)
	require.Equal(t, StateIncomplete, f.State())
	require.Equal(t, uint32(3000), f.TimeStamp())

	res, err = f.InsertPacket(mediaPacket(1, []byte{1, 2}, true, false, NaluStart), 110, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertDuplicatePacket, res)
	require.Equal(t, int64(100), f.LatestPacketTimeMs())

	res, err = f.InsertPacket(mediaPacket(2, []byte{3}, false, true, NaluEnd), 120, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertCompleteSession, res)
	require.Equal(t, StateComplete, f.State())
	require.True(t, f.IsSessionComplete())
	require.Equal(t, 3, f.Length())
	require.Equal(t, int64(120), f.LatestPacketTimeMs())
	require.Equal(t, 1, f.LowSeqNum())
	require.Equal(t, 2, f.HighSeqNum())

	other := mediaPacket(3, []byte{1}, true, true, NaluComplete)
	other.Timestamp = 6000
	_, err = f.InsertPacket(other, 130, FrameData{})
	require.ErrorIs(t, err, ErrTimeStamp)

	f.Reset()
	require.Equal(t, StateEmpty, f.State())
	require.Zero(t, f.Length())
	res, err = f.InsertPacket(other, 140, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertCompleteSession, res)
}

func TestFrameBufferEmptyPacketKeepsState(t *testing.T) {
	f := NewFrameBuffer(nil)
	res, err := f.InsertPacket(NewPacket(nil, 5, 3000, false), 10, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertIncomplete, res)
	require.Equal(t, StateEmpty, f.State())

	// the empty packet pinned the timestamp
	late := mediaPacket(6, []byte{1}, true, true, NaluComplete)
	late.Timestamp = 3001
	_, err = f.InsertPacket(late, 20, FrameData{})
	require.ErrorIs(t, err, ErrTimeStamp)
}

func TestFrameBufferSize(t *testing.T) {
	f := NewFrameBuffer(nil)
	_, err := f.InsertPacket(mediaPacket(1, make([]byte, MaxJBFrameSizeBytes+1), true, true, NaluComplete), 0, FrameData{})
	require.ErrorIs(t, err, ErrSize)

	f.Reset()
	res, err := f.InsertPacket(mediaPacket(1, make([]byte, 35000), true, false, NaluStart), 0, FrameData{})
	require.NoError(t, err)
	require.Equal(t, InsertIncomplete, res)
	require.Equal(t, 35000, f.Length())
	require.Equal(t, 2*BufferIncStepSizeBytes, f.size)
}

func TestFrameBufferStateTransitions(t *testing.T) {
	testCases := []struct {
		from  BufferState
		to    BufferState
		legal bool
	}{
		{from: StateEmpty, to: StateIncomplete, legal: true},
		{from: StateEmpty, to: StateComplete, legal: true},
		{from: StateEmpty, to: StateDecodable, legal: true},
		{from: StateIncomplete, to: StateComplete, legal: true},
		{from: StateIncomplete, to: StateDecodable, legal: true},
		{from: StateDecodable, to: StateComplete, legal: true},
		{from: StateComplete, to: StateDecoding, legal: true},
		{from: StateComplete, to: StateFree, legal: true},
		{from: StateComplete, to: StateIncomplete, legal: false},
		{from: StateComplete, to: StateDecodable, legal: false},
		{from: StateDecodable, to: StateIncomplete, legal: false},
		{from: StateIncomplete, to: StateEmpty, legal: false},
		{from: StateComplete, to: StateEmpty, legal: false},
	}

	for _, tc := range testCases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			f := NewFrameBuffer(nil)
			f.state = tc.from
			err := f.SetState(tc.to)
			if tc.legal {
				require.NoError(t, err)
				require.Equal(t, tc.to, f.State())
			} else {
				require.ErrorIs(t, err, ErrIllegalState)
				require.Equal(t, tc.from, f.State())
			}
		})
	}
}

func TestFrameBufferRejectsPacketsWhileDecoding(t *testing.T) {
	f := NewFrameBuffer(nil)
	_, err := f.InsertPacket(mediaPacket(1, []byte{1, 2}, true, false, NaluStart), 0, FrameData{})
	require.NoError(t, err)
	require.NoError(t, f.SetState(StateDecoding))

	_, err = f.InsertPacket(mediaPacket(2, []byte{3}, false, true, NaluEnd), 10, FrameData{})
	require.ErrorIs(t, err, ErrIllegalState)
	require.Equal(t, StateDecoding, f.State())
	require.Equal(t, 2, f.Length())
	require.Equal(t, 1, f.HighSeqNum())
	require.False(t, f.IsSessionComplete())
	require.Equal(t, int64(0), f.LatestPacketTimeMs())
}

func TestFrameBufferDecodable(t *testing.T) {
	f := NewFrameBuffer(nil)
	frameData := FrameData{EnableDecodableState: true, RttMs: 200, RollingAveragePacketsPerFrame: 10}

	res, err := f.InsertPacket(mediaPacket(1, []byte{1}, true, false, NaluStart), 0, frameData)
	require.NoError(t, err)
	require.Equal(t, InsertDecodableSession, res)
	require.Equal(t, StateDecodable, f.State())

	res, err = f.InsertPacket(mediaPacket(2, []byte{2}, false, true, NaluEnd), 0, frameData)
	require.NoError(t, err)
	require.Equal(t, InsertCompleteSession, res)
	require.Equal(t, StateComplete, f.State())

	// low rtt never decodes early
	f.Reset()
	frameData.RttMs = 20
	res, err = f.InsertPacket(mediaPacket(1, []byte{1}, true, false, NaluStart), 0, frameData)
	require.NoError(t, err)
	require.Equal(t, InsertIncomplete, res)
}

func TestFrameBufferPrepareForDecode(t *testing.T) {
	t.Run("nal units", func(t *testing.T) {
		f := NewFrameBuffer(nil)
		for _, p := range []*Packet{
			mediaPacket(1, fill(1, 2), true, false, NaluComplete),
			mediaPacket(3, fill(3, 2), false, false, NaluEnd),
			mediaPacket(4, fill(4, 2), false, true, NaluComplete),
		} {
			_, err := f.InsertPacket(p, 0, FrameData{})
			require.NoError(t, err)
		}
		f.IncrementNackCount()
		require.Equal(t, 1, f.NackCount())

		frame := f.PrepareForDecode(false)
		require.Equal(t, concat(fill(1, 2), fill(4, 2)), frame.Data)
		require.Equal(t, 4, f.Length())
		require.False(t, frame.Complete)
		require.True(t, frame.Missing)
		require.Nil(t, frame.Fragmentation)
		require.Equal(t, 1, f.NotDecodablePackets())
	})

	t.Run("vp8 partitions", func(t *testing.T) {
		f := NewFrameBuffer(nil)
		for _, p := range []*Packet{
			vp8Packet(10, 2, 0, true, false),
			vp8Packet(11, 3, 1, true, true),
		} {
			_, err := f.InsertPacket(p, 0, FrameData{})
			require.NoError(t, err)
		}

		frame := f.PrepareForDecode(true)
		require.Equal(t, CodecVP8, frame.Codec)
		require.True(t, frame.Complete)
		require.False(t, frame.Missing)
		require.NotNil(t, frame.Fragmentation)
		require.Equal(t, []int{0, 2}, frame.Fragmentation.Offsets)
		require.Equal(t, []int{2, 3}, frame.Fragmentation.Lengths)
		require.Equal(t, 5, f.Length())
	})
}

func TestFrameBufferRetransmitted(t *testing.T) {
	f := NewFrameBuffer(nil)
	for _, p := range []*Packet{
		mediaPacket(20, []byte{1}, false, false, NaluIncomplete),
		mediaPacket(21, []byte{1}, false, true, NaluEnd),
	} {
		_, err := f.InsertPacket(p, 0, FrameData{})
		require.NoError(t, err)
	}

	list := []int32{19, 20, 21}
	require.NoError(t, f.ZeroOutSeqNum(list))
	require.Equal(t, []int32{19, -1, -1}, list)
	// the first packet never arrived
	require.True(t, f.IsRetransmitted())
	require.False(t, f.HaveFirstPacket())
	require.True(t, f.HaveLastPacket())
}
