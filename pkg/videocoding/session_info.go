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
	"github.com/livekit/media-engine/pkg/utils"
)

const (
	MaxPacketsInSession = 800
	MaxVP8Partitions    = 9

	// decodable state thresholds
	rttThresholdMs                = 100
	lowPacketPercentageThreshold  = 0.2
	highPacketPercentageThreshold = 0.8
)

// FrameData carries jitter buffer context used to decide whether an incomplete frame is worth decoding.
type FrameData struct {
	EnableDecodableState          bool
	RttMs                         int64
	RollingAveragePacketsPerFrame float32
}

type FragmentationHeader struct {
	Offsets []int
	Lengths []int
}

type sessionPacket struct {
	Packet
	// bytes held in the arena, start code included; zero once deleted
	size int
}

// SessionInfo reassembles the packets of one frame. Packets are kept sorted by sequence number and
// their payloads are laid out back to back in a single arena.
type SessionInfo struct {
	packets []sessionPacket
	data    []byte

	sessionNack         bool
	complete            bool
	decodable           bool
	frameType           FrameType
	emptySeqNumLow      int
	emptySeqNumHigh     int
	packetsNotDecodable int
}

func NewSessionInfo() *SessionInfo {
	s := &SessionInfo{}
	s.Reset()
	return s
}

func (s *SessionInfo) Reset() {
	s.packets = s.packets[:0]
	s.data = s.data[:0]
	s.sessionNack = false
	s.complete = false
	s.decodable = false
	s.frameType = FrameDelta
	s.emptySeqNumLow = -1
	s.emptySeqNumHigh = -1
	s.packetsNotDecodable = 0
}

func (s *SessionInfo) reserve(size int) {
	s.data = reserve(s.data, size)
}

// InsertPacket adds p to the session and returns the number of bytes it added to the frame.
func (s *SessionInfo) InsertPacket(p *Packet, frameData FrameData) (int, error) {
	if p.IsFirstPacket {
		// the first packet signals the frame type
		s.frameType = p.FrameType
	} else if s.frameType == FrameEmpty && p.FrameType != FrameEmpty {
		s.frameType = p.FrameType
	}
	if p.FrameType == FrameEmpty {
		// only media packets take part in reassembly
		s.informOfEmptyPacket(p.SeqNum)
		return 0, nil
	}

	if len(s.packets) == MaxPacketsInSession {
		return 0, ErrSessionFull
	}

	seq := utils.SequenceNumber16(p.SeqNum)
	i := len(s.packets) - 1
	for ; i >= 0; i-- {
		if utils.LatestSequenceNumber(seq, s.seqAt(i)) == seq {
			break
		}
	}
	if i >= 0 && s.packets[i].SeqNum == p.SeqNum && s.packets[i].size > 0 {
		return 0, ErrDuplicatePacket
	}

	pos := i + 1
	s.packets = append(s.packets, sessionPacket{})
	copy(s.packets[pos+1:], s.packets[pos:])
	s.packets[pos] = sessionPacket{Packet: *p, size: p.Size()}
	s.packets[pos].Data = nil

	n := s.insertBuffer(pos, p)
	s.updateCompleteSession()
	if frameData.EnableDecodableState {
		s.updateDecodableSession(frameData)
	}
	return n, nil
}

func (s *SessionInfo) insertBuffer(pos int, p *Packet) int {
	offset := s.offsetOf(pos)
	if p.InsertStartCode {
		s.data = insertBytes(s.data, offset, h264StartCode, p.Data)
	} else {
		s.data = insertBytes(s.data, offset, p.Data)
	}
	return s.packets[pos].size
}

func (s *SessionInfo) offsetOf(pos int) int {
	offset := 0
	for i := 0; i < pos; i++ {
		offset += s.packets[i].size
	}
	return offset
}

func (s *SessionInfo) seqAt(i int) utils.SequenceNumber16 {
	return utils.SequenceNumber16(s.packets[i].SeqNum)
}

func (s *SessionInfo) inSequence(i int, prev int) bool {
	return i == prev || utils.InSequence(s.seqAt(prev), s.seqAt(i))
}

func (s *SessionInfo) informOfEmptyPacket(seqNum uint16) {
	// empty packets (FEC, padding) follow the media packets of the same frame, so tracking the range
	// is enough
	seq := utils.SequenceNumber16(seqNum)
	if s.emptySeqNumHigh == -1 {
		s.emptySeqNumHigh = int(seq)
	} else {
		s.emptySeqNumHigh = int(utils.LatestSequenceNumber(seq, utils.SequenceNumber16(s.emptySeqNumHigh)))
	}
	if s.emptySeqNumLow == -1 || utils.SequenceNumber16(s.emptySeqNumLow).IsNewerThan(seq) {
		s.emptySeqNumLow = int(seq)
	}
}

func (s *SessionInfo) updateCompleteSession() {
	if !s.packets[0].IsFirstPacket || !s.packets[len(s.packets)-1].Marker {
		return
	}

	for i := 1; i < len(s.packets); i++ {
		if !s.inSequence(i, i-1) {
			s.complete = false
			return
		}
	}
	s.complete = true
}

func (s *SessionInfo) updateDecodableSession(frameData FrameData) {
	if s.complete || s.decodable {
		return
	}

	n := float32(len(s.packets))
	avg := frameData.RollingAveragePacketsPerFrame
	if frameData.RttMs < rttThresholdMs ||
		s.frameType == FrameKey ||
		!s.HaveFirstPacket() ||
		(n <= highPacketPercentageThreshold*avg && n > lowPacketPercentageThreshold*avg) {
		return
	}
	s.decodable = true
}

// findNaluEnd returns the index of the last packet of the NAL unit that packet i belongs to, or the
// last packet of the session when the end is missing.
func (s *SessionInfo) findNaluEnd(i int) int {
	if c := s.packets[i].Completeness; c == NaluEnd || c == NaluComplete {
		return i
	}

	for ; i < len(s.packets); i++ {
		p := &s.packets[i]
		if (p.Completeness == NaluComplete && p.size > 0) || p.Completeness == NaluStart {
			// next unit found
			return i - 1
		}
		if p.Completeness == NaluEnd {
			return i
		}
	}
	return i - 1
}

func (s *SessionInfo) deletePacketData(start int, end int) int {
	offset := s.offsetOf(start)
	n := 0
	for i := start; i <= end; i++ {
		n += s.packets[i].size
		s.packets[i].size = 0
		s.packetsNotDecodable++
	}
	s.data = deleteBytes(s.data, offset, n)
	return n
}

// MakeDecodable drops every NAL unit that lost a packet and returns the number of bytes removed. The
// remaining units keep their order.
func (s *SessionInfo) MakeDecodable() int {
	if len(s.packets) == 0 {
		return 0
	}

	removed := 0
	i := 0
	if c := s.packets[0].Completeness; c == NaluIncomplete || c == NaluEnd {
		// the unit's start is missing
		end := s.findNaluEnd(0)
		removed += s.deletePacketData(0, end)
		i = end
	}

	prev := i
	for ; i < len(s.packets); i++ {
		c := s.packets[i].Completeness
		startOfNalu := c == NaluStart || c == NaluComplete
		if !startOfNalu && !s.inSequence(i, prev) {
			end := s.findNaluEnd(i)
			removed += s.deletePacketData(i, end)
			i = end
		}
		prev = i
	}
	return removed
}

// BuildVP8FragmentationHeader locates every VP8 partition that can be decoded and returns their
// offsets and lengths in the frame along with the total decodable length. Packets of partitions that
// lost their beginning are counted as not decodable.
func (s *SessionInfo) BuildVP8FragmentationHeader() (FragmentationHeader, int) {
	var offsets, lengths [MaxVP8Partitions]int
	vectorSize := 0
	newLength := 0

	if len(s.packets) == 0 {
		return FragmentationHeader{}, 0
	}

	i := s.findNextPartitionBeginning(0)
	for i < len(s.packets) {
		partitionID := s.packets[i].VP8.PartitionID
		end := s.findPartitionEnd(i)

		offsets[partitionID] = s.offsetOf(i)
		lengths[partitionID] = s.offsetOf(end) + s.packets[end].size - offsets[partitionID]
		newLength += lengths[partitionID]

		i = s.findNextPartitionBeginning(end + 1)
		vectorSize = max(vectorSize, partitionID+1)
	}

	// empty partitions start where the previous one ends
	if lengths[0] == 0 {
		offsets[0] = 0
	}
	for k := 1; k < vectorSize; k++ {
		if lengths[k] == 0 {
			offsets[k] = offsets[k-1] + lengths[k-1]
		}
	}

	return FragmentationHeader{
		Offsets: append([]int(nil), offsets[:vectorSize]...),
		Lengths: append([]int(nil), lengths[:vectorSize]...),
	}, newLength
}

func (s *SessionInfo) findNextPartitionBeginning(i int) int {
	for ; i < len(s.packets); i++ {
		if s.packets[i].VP8.BeginningOfPartition && s.packets[i].VP8.PartitionID < MaxVP8Partitions {
			return i
		}
		// belongs to a partition that lost its start
		s.packetsNotDecodable++
	}
	return i
}

func (s *SessionInfo) findPartitionEnd(i int) int {
	prev := i
	partitionID := s.packets[i].VP8.PartitionID
	for ; i < len(s.packets); i++ {
		p := &s.packets[i]
		beginning := p.VP8.BeginningOfPartition
		lossFound := !beginning && !s.inSequence(i, prev)
		if lossFound || (beginning && p.VP8.PartitionID != partitionID) {
			return prev
		}
		prev = i
	}
	return prev
}

// ZeroOutSeqNum marks every sequence number of this frame that was received as -1 in seqList, a
// list of sequence numbers about to be NACKed. Gaps flag the session as needing retransmission.
func (s *SessionInfo) ZeroOutSeqNum(seqList []int32) error {
	if len(seqList) == 0 {
		return ErrEmptyNackList
	}
	if len(s.packets) == 0 {
		return nil
	}

	low := int32(s.LowSequenceNumber())
	index := 0
	for ; index < len(seqList); index++ {
		if seqList[index] == low {
			break
		}
	}

	received := make(map[uint16]bool, len(s.packets))
	for _, p := range s.packets {
		received[p.SeqNum] = true
	}

	seq := utils.SequenceNumber16(low)
	high := utils.SequenceNumber16(s.packets[len(s.packets)-1].SeqNum)
	for ; index < len(seqList); index++ {
		if received[uint16(seq)] {
			seqList[index] = -1
		} else {
			s.sessionNack = true
		}
		if seq == high {
			break
		}
		seq = seq.Next()
	}

	if !s.HaveFirstPacket() {
		s.sessionNack = true
	}
	return nil
}

func (s *SessionInfo) LowSequenceNumber() int {
	if len(s.packets) == 0 {
		return s.emptySeqNumLow
	}
	return int(s.packets[0].SeqNum)
}

func (s *SessionInfo) HighSequenceNumber() int {
	if len(s.packets) == 0 {
		return s.emptySeqNumHigh
	}
	high := s.seqAt(len(s.packets) - 1)
	if s.emptySeqNumHigh == -1 {
		return int(high)
	}
	return int(utils.LatestSequenceNumber(high, utils.SequenceNumber16(s.emptySeqNumHigh)))
}

func (s *SessionInfo) firstVP8() (VP8Header, bool) {
	if len(s.packets) == 0 || s.packets[0].Codec != CodecVP8 {
		return VP8Header{}, false
	}
	return s.packets[0].VP8, true
}

func (s *SessionInfo) PictureID() int {
	if h, ok := s.firstVP8(); ok {
		return h.PictureID
	}
	return NoPictureID
}

func (s *SessionInfo) TemporalID() int {
	if h, ok := s.firstVP8(); ok {
		return h.TemporalIdx
	}
	return NoTemporalIdx
}

func (s *SessionInfo) LayerSync() bool {
	h, ok := s.firstVP8()
	return ok && h.LayerSync
}

func (s *SessionInfo) Tl0PicID() int {
	if h, ok := s.firstVP8(); ok {
		return h.Tl0PicIdx
	}
	return NoTl0PicIdx
}

func (s *SessionInfo) NonReference() bool {
	h, ok := s.firstVP8()
	return ok && h.NonReference
}

func (s *SessionInfo) FrameType() FrameType {
	return s.frameType
}

func (s *SessionInfo) SessionLength() int {
	return len(s.data)
}

func (s *SessionInfo) NumPackets() int {
	return len(s.packets)
}

func (s *SessionInfo) Complete() bool {
	return s.complete
}

func (s *SessionInfo) Decodable() bool {
	return s.decodable
}

func (s *SessionInfo) SessionNack() bool {
	return s.sessionNack
}

func (s *SessionInfo) PacketsNotDecodable() int {
	return s.packetsNotDecodable
}

func (s *SessionInfo) HaveFirstPacket() bool {
	return len(s.packets) > 0 && s.packets[0].IsFirstPacket
}

func (s *SessionInfo) HaveLastPacket() bool {
	return len(s.packets) > 0 && s.packets[len(s.packets)-1].Marker
}

// Data returns the reassembled frame. It is only valid until the next insert or reset.
func (s *SessionInfo) Data() []byte {
	return s.data
}
