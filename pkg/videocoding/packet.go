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
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

type FrameType int

const (
	FrameEmpty FrameType = iota
	FrameKey
	FrameDelta
	FrameGolden
	FrameAltRef
)

func (f FrameType) String() string {
	switch f {
	case FrameEmpty:
		return "EMPTY"
	case FrameKey:
		return "KEY"
	case FrameDelta:
		return "DELTA"
	case FrameGolden:
		return "GOLDEN"
	case FrameAltRef:
		return "ALTREF"
	default:
		return "UNKNOWN"
	}
}

type Codec int

const (
	CodecUnknown Codec = iota
	CodecVP8
	CodecH264
	CodecI420
)

// NaluCompleteness tells where a packet sits inside its NAL unit (or VP8 frame).
type NaluCompleteness int

const (
	NaluUnset NaluCompleteness = iota
	NaluComplete
	NaluStart
	NaluIncomplete
	NaluEnd
)

const (
	NoPictureID   = -1
	NoTl0PicIdx   = -1
	NoTemporalIdx = -1
	NoKeyIdx      = -1

	H264StartCodeLengthBytes = 4
)

var h264StartCode = []byte{0, 0, 0, 1}

type VP8Header struct {
	PictureID            int
	Tl0PicIdx            int
	TemporalIdx          int
	LayerSync            bool
	KeyIdx               int
	NonReference         bool
	PartitionID          int
	BeginningOfPartition bool
}

// Packet is one media payload of a video frame. It is not modified after construction.
type Packet struct {
	PayloadType     uint8
	Timestamp       uint32
	SeqNum          uint16
	Data            []byte
	Marker          bool
	FrameType       FrameType
	Codec           Codec
	IsFirstPacket   bool
	Completeness    NaluCompleteness
	InsertStartCode bool
	VP8             VP8Header
}

// NewPacket builds a codec agnostic packet. Each packet is its own complete unit.
func NewPacket(data []byte, seqNum uint16, timestamp uint32, marker bool) *Packet {
	frameType := FrameDelta
	if len(data) == 0 {
		frameType = FrameEmpty
	}
	return &Packet{
		Timestamp:    timestamp,
		SeqNum:       seqNum,
		Data:         data,
		Marker:       marker,
		FrameType:    frameType,
		Completeness: NaluComplete,
		VP8:          noVP8Header(),
	}
}

// NewPacketFromRTP depacketizes pkt for the given codec. Padding only packets become FrameEmpty.
func NewPacketFromRTP(pkt *rtp.Packet, codec Codec) (*Packet, error) {
	p := &Packet{
		PayloadType: pkt.PayloadType,
		Timestamp:   pkt.Timestamp,
		SeqNum:      pkt.SequenceNumber,
		Marker:      pkt.Marker,
		FrameType:   FrameDelta,
		Codec:       codec,
		VP8:         noVP8Header(),
	}
	if len(pkt.Payload) == 0 {
		p.FrameType = FrameEmpty
		p.Completeness = NaluComplete
		return p, nil
	}

	switch codec {
	case CodecVP8:
		if err := p.fromVP8(pkt.Payload); err != nil {
			return nil, err
		}
	case CodecH264:
		if err := p.fromH264(pkt.Payload); err != nil {
			return nil, err
		}
	default:
		p.Data = append([]byte(nil), pkt.Payload...)
		p.Completeness = NaluComplete
	}
	return p, nil
}

func (p *Packet) fromVP8(payload []byte) error {
	var vp8 codecs.VP8Packet
	if _, err := vp8.Unmarshal(payload); err != nil {
		return err
	}

	p.VP8.PartitionID = int(vp8.PID)
	p.VP8.BeginningOfPartition = vp8.S == 1
	p.VP8.NonReference = vp8.N == 1
	if vp8.I == 1 {
		p.VP8.PictureID = int(vp8.PictureID)
	}
	if vp8.L == 1 {
		p.VP8.Tl0PicIdx = int(vp8.TL0PICIDX)
	}
	if vp8.T == 1 {
		p.VP8.TemporalIdx = int(vp8.TID)
		p.VP8.LayerSync = vp8.Y == 1
	}
	if vp8.K == 1 {
		p.VP8.KeyIdx = int(vp8.KEYIDX)
	}

	p.IsFirstPacket = p.VP8.BeginningOfPartition && p.VP8.PartitionID == 0
	// the P bit of the first payload byte is clear on key frames
	if p.IsFirstPacket && len(vp8.Payload) > 0 && vp8.Payload[0]&0x01 == 0 {
		p.FrameType = FrameKey
	}

	// all packets of a VP8 frame depend on the one before
	switch {
	case p.IsFirstPacket && p.Marker:
		p.Completeness = NaluComplete
	case p.IsFirstPacket:
		p.Completeness = NaluStart
	case p.Marker:
		p.Completeness = NaluEnd
	default:
		p.Completeness = NaluIncomplete
	}

	// the depacketized payload aliases the read buffer
	p.Data = append([]byte(nil), vp8.Payload...)
	return nil
}

func (p *Packet) fromH264(payload []byte) error {
	nalu := payload[0] & 0x1F
	switch {
	case nalu >= 1 && nalu <= 23:
		// single NAL unit
		p.Completeness = NaluComplete
		p.InsertStartCode = true
		p.IsFirstPacket = isAccessUnitStart(nalu)
		if nalu == 5 || nalu == 7 {
			p.FrameType = FrameKey
		}
		p.Data = append([]byte(nil), payload...)

	case nalu == 24:
		// STAP-A, aggregated units are written out with their own start codes
		p.Completeness = NaluComplete
		data, key, err := unpackStapA(payload[1:])
		if err != nil {
			return err
		}
		p.IsFirstPacket = true
		if key {
			p.FrameType = FrameKey
		}
		p.Data = data

	case nalu == 28:
		// FU-A
		if len(payload) < 2 {
			return ErrShortPacket
		}
		start := payload[1]&0x80 != 0
		end := payload[1]&0x40 != 0
		inner := payload[1] & 0x1F
		switch {
		case start && end:
			p.Completeness = NaluComplete
		case start:
			p.Completeness = NaluStart
		case end:
			p.Completeness = NaluEnd
		default:
			p.Completeness = NaluIncomplete
		}
		if start {
			// rebuild the NAL header from the FU indicator and header
			p.InsertStartCode = true
			p.IsFirstPacket = isAccessUnitStart(inner)
			if inner == 5 || inner == 7 {
				p.FrameType = FrameKey
			}
			p.Data = append([]byte{payload[0]&0xE0 | inner}, payload[2:]...)
		} else {
			p.Data = append([]byte(nil), payload[2:]...)
		}

	default:
		p.Completeness = NaluComplete
		p.Data = append([]byte(nil), payload...)
	}
	return nil
}

func unpackStapA(b []byte) ([]byte, bool, error) {
	var out []byte
	key := false
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, false, ErrShortPacket
		}
		size := int(b[0])<<8 | int(b[1])
		b = b[2:]
		if size == 0 || size > len(b) {
			return nil, false, ErrShortPacket
		}
		if n := b[0] & 0x1F; n == 5 || n == 7 {
			key = true
		}
		out = append(out, h264StartCode...)
		out = append(out, b[:size]...)
		b = b[size:]
	}
	return out, key, nil
}

// AUD, SPS and SEI lead an access unit, slices do when nothing precedes them
func isAccessUnitStart(nalu byte) bool {
	switch nalu {
	case 1, 5, 6, 7, 9:
		return true
	}
	return false
}

func noVP8Header() VP8Header {
	return VP8Header{
		PictureID:   NoPictureID,
		Tl0PicIdx:   NoTl0PicIdx,
		TemporalIdx: NoTemporalIdx,
		KeyIdx:      NoKeyIdx,
	}
}

// Size returns the number of bytes the packet occupies in a frame.
func (p *Packet) Size() int {
	if p.InsertStartCode {
		return len(p.Data) + H264StartCodeLengthBytes
	}
	return len(p.Data)
}
