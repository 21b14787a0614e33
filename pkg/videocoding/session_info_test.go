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

func mediaPacket(seq uint16, data []byte, first bool, marker bool, completeness NaluCompleteness) *Packet {
	p := NewPacket(data, seq, 3000, marker)
	p.IsFirstPacket = first
	p.Completeness = completeness
	return p
}

func vp8Packet(seq uint16, size int, partitionID int, beginning bool, marker bool) *Packet {
	p := NewPacket(fill(byte(seq), size), seq, 9000, marker)
	p.Codec = CodecVP8
	p.VP8.PartitionID = partitionID
	p.VP8.BeginningOfPartition = beginning
	p.IsFirstPacket = beginning && partitionID == 0
	return p
}

func fill(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, perm := range permutations(n - 1) {
		for pos := 0; pos <= len(perm); pos++ {
			next := make([]int, 0, n)
			next = append(next, perm[:pos]...)
			next = append(next, n-1)
			next = append(next, perm[pos:]...)
			out = append(out, next)
		}
	}
	return out
}

func TestSessionOutOfOrderInsert(t *testing.T) {
	s := NewSessionInfo()
	packets := map[uint16]*Packet{
		100: mediaPacket(100, []byte{1}, true, false, NaluStart),
		101: mediaPacket(101, []byte{2}, false, false, NaluIncomplete),
		102: mediaPacket(102, []byte{3}, false, true, NaluEnd),
	}

	for _, seq := range []uint16{102, 100, 101} {
		n, err := s.InsertPacket(packets[seq], FrameData{})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	require.Equal(t, 102, s.HighSequenceNumber())
	require.Equal(t, 100, s.LowSequenceNumber())
	require.True(t, s.Complete())
	require.Equal(t, []byte{1, 2, 3}, s.Data())
}

func TestSessionCompleteInAnyOrder(t *testing.T) {
	const count = 5
	base := uint16(65533) // wraps
	for _, order := range permutations(count) {
		s := NewSessionInfo()
		for i, idx := range order {
			seq := base + uint16(idx)
			p := mediaPacket(seq, []byte{byte(idx), byte(idx)}, idx == 0, idx == count-1, NaluComplete)
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
			if i < count-1 {
				require.False(t, s.Complete(), "order %v", order)
			}
		}

		require.True(t, s.Complete(), "order %v", order)
		require.Equal(t, int(base), s.LowSequenceNumber())
		require.Equal(t, int(base+count-1), s.HighSequenceNumber())
		require.Equal(t, []byte{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}, s.Data())
	}
}

func TestSessionNotCompleteWithGap(t *testing.T) {
	s := NewSessionInfo()
	for _, p := range []*Packet{
		mediaPacket(1, []byte{1}, true, false, NaluComplete),
		mediaPacket(3, []byte{3}, false, true, NaluComplete),
	} {
		_, err := s.InsertPacket(p, FrameData{})
		require.NoError(t, err)
	}
	require.False(t, s.Complete())
	require.True(t, s.HaveFirstPacket())
	require.True(t, s.HaveLastPacket())
}

func TestSessionDuplicate(t *testing.T) {
	s := NewSessionInfo()
	p := mediaPacket(7, []byte{1, 2}, true, false, NaluStart)
	_, err := s.InsertPacket(p, FrameData{})
	require.NoError(t, err)

	_, err = s.InsertPacket(p, FrameData{})
	require.ErrorIs(t, err, ErrDuplicatePacket)
	require.Equal(t, 1, s.NumPackets())
	require.Equal(t, 2, s.SessionLength())
}

func TestSessionFull(t *testing.T) {
	s := NewSessionInfo()
	for i := 0; i < MaxPacketsInSession; i++ {
		_, err := s.InsertPacket(mediaPacket(uint16(i), []byte{1}, i == 0, false, NaluComplete), FrameData{})
		require.NoError(t, err)
	}
	_, err := s.InsertPacket(mediaPacket(MaxPacketsInSession, []byte{1}, false, true, NaluComplete), FrameData{})
	require.ErrorIs(t, err, ErrSessionFull)
}

func TestSessionEmptyPackets(t *testing.T) {
	s := NewSessionInfo()
	for _, seq := range []uint16{11, 12, 10} {
		n, err := s.InsertPacket(NewPacket(nil, seq, 3000, false), FrameData{})
		require.NoError(t, err)
		require.Zero(t, n)
	}
	require.Equal(t, 0, s.NumPackets())
	require.Equal(t, 10, s.LowSequenceNumber())
	require.Equal(t, 12, s.HighSequenceNumber())
	require.Equal(t, FrameDelta, s.FrameType())

	_, err := s.InsertPacket(mediaPacket(8, []byte{1}, false, false, NaluComplete), FrameData{})
	require.NoError(t, err)
	require.Equal(t, 8, s.LowSequenceNumber())
	require.Equal(t, 12, s.HighSequenceNumber())
}

func TestSessionFrameType(t *testing.T) {
	s := NewSessionInfo()
	empty := NewPacket(nil, 1, 3000, false)
	empty.IsFirstPacket = true
	_, err := s.InsertPacket(empty, FrameData{})
	require.NoError(t, err)
	require.Equal(t, FrameEmpty, s.FrameType())

	// the first media packet replaces an empty frame type
	key := mediaPacket(2, []byte{1}, false, false, NaluComplete)
	key.FrameType = FrameKey
	_, err = s.InsertPacket(key, FrameData{})
	require.NoError(t, err)
	require.Equal(t, FrameKey, s.FrameType())
}

func TestSessionInsertStartCode(t *testing.T) {
	s := NewSessionInfo()
	p := mediaPacket(1, []byte{0x65, 0xAA}, true, true, NaluComplete)
	p.InsertStartCode = true
	n, err := s.InsertPacket(p, FrameData{})
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xAA}, s.Data())
}

func TestMakeDecodable(t *testing.T) {
	t.Run("lost middle of a unit", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			mediaPacket(1, fill(1, 3), true, false, NaluStart),
			mediaPacket(2, fill(2, 2), false, false, NaluEnd),
			mediaPacket(3, fill(3, 2), false, false, NaluStart),
			// 4 lost
			mediaPacket(5, fill(5, 4), false, false, NaluEnd),
			mediaPacket(6, fill(6, 1), false, true, NaluComplete),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		require.Equal(t, 4, s.MakeDecodable())
		require.Equal(t, concat(fill(1, 3), fill(2, 2), fill(3, 2), fill(6, 1)), s.Data())
		require.Equal(t, 1, s.PacketsNotDecodable())
	})

	t.Run("lost start of the first unit", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			mediaPacket(2, fill(2, 2), false, false, NaluIncomplete),
			mediaPacket(3, fill(3, 2), false, false, NaluEnd),
			mediaPacket(4, fill(4, 3), false, true, NaluComplete),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		require.Equal(t, 4, s.MakeDecodable())
		require.Equal(t, fill(4, 3), s.Data())
		require.Equal(t, 2, s.PacketsNotDecodable())
	})

	t.Run("whole unit lost", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			mediaPacket(1, fill(1, 2), true, false, NaluStart),
			mediaPacket(2, fill(2, 2), false, false, NaluEnd),
			// 3 and 4 lost
			mediaPacket(5, fill(5, 2), false, false, NaluStart),
			mediaPacket(6, fill(6, 2), false, true, NaluEnd),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		require.Zero(t, s.MakeDecodable())
		require.Equal(t, concat(fill(1, 2), fill(2, 2), fill(5, 2), fill(6, 2)), s.Data())
	})

	t.Run("lost end keeps following units", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			mediaPacket(1, fill(1, 2), true, false, NaluComplete),
			// 2 lost
			mediaPacket(3, fill(3, 2), false, false, NaluIncomplete),
			mediaPacket(4, fill(4, 2), false, false, NaluIncomplete),
			mediaPacket(5, fill(5, 2), false, true, NaluComplete),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		require.Equal(t, 4, s.MakeDecodable())
		require.Equal(t, concat(fill(1, 2), fill(5, 2)), s.Data())
	})
}

func TestBuildVP8FragmentationHeader(t *testing.T) {
	t.Run("partition with loss", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			vp8Packet(10, 2, 0, true, false),
			vp8Packet(11, 3, 0, false, false),
			vp8Packet(12, 4, 1, true, false),
			// 13 lost
			vp8Packet(14, 5, 1, false, false),
			vp8Packet(15, 6, 2, true, true),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		header, length := s.BuildVP8FragmentationHeader()
		require.Equal(t, 15, length)
		require.Equal(t, []int{0, 5, 14}, header.Offsets)
		require.Equal(t, []int{5, 4, 6}, header.Lengths)
		require.Equal(t, 1, s.PacketsNotDecodable())
	})

	t.Run("missing partition", func(t *testing.T) {
		s := NewSessionInfo()
		for _, p := range []*Packet{
			vp8Packet(20, 3, 0, true, false),
			vp8Packet(21, 4, 2, true, true),
		} {
			_, err := s.InsertPacket(p, FrameData{})
			require.NoError(t, err)
		}

		header, length := s.BuildVP8FragmentationHeader()
		require.Equal(t, 7, length)
		require.Equal(t, []int{0, 3, 3}, header.Offsets)
		require.Equal(t, []int{3, 0, 4}, header.Lengths)
	})

	t.Run("empty", func(t *testing.T) {
		header, length := NewSessionInfo().BuildVP8FragmentationHeader()
		require.Zero(t, length)
		require.Empty(t, header.Lengths)
	})
}

func TestZeroOutSeqNum(t *testing.T) {
	s := NewSessionInfo()
	for _, p := range []*Packet{
		mediaPacket(10, []byte{1}, true, false, NaluComplete),
		mediaPacket(11, []byte{1}, false, false, NaluComplete),
		mediaPacket(13, []byte{1}, false, true, NaluComplete),
	} {
		_, err := s.InsertPacket(p, FrameData{})
		require.NoError(t, err)
	}

	list := []int32{8, 9, 10, 11, 12, 13, 14}
	require.NoError(t, s.ZeroOutSeqNum(list))
	require.Equal(t, []int32{8, 9, -1, -1, 12, -1, 14}, list)
	require.True(t, s.SessionNack())

	require.ErrorIs(t, s.ZeroOutSeqNum(nil), ErrEmptyNackList)
}

func TestSessionVP8Info(t *testing.T) {
	s := NewSessionInfo()
	require.Equal(t, NoPictureID, s.PictureID())

	p := vp8Packet(1, 2, 0, true, true)
	p.VP8.PictureID = 42
	p.VP8.TemporalIdx = 1
	p.VP8.Tl0PicIdx = 7
	p.VP8.LayerSync = true
	_, err := s.InsertPacket(p, FrameData{})
	require.NoError(t, err)

	require.Equal(t, 42, s.PictureID())
	require.Equal(t, 1, s.TemporalID())
	require.Equal(t, 7, s.Tl0PicID())
	require.True(t, s.LayerSync())
	require.False(t, s.NonReference())

	s.Reset()
	require.Equal(t, NoPictureID, s.PictureID())
	require.Equal(t, -1, s.LowSequenceNumber())
	require.Zero(t, s.SessionLength())
}
