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
	"errors"
	"fmt"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
)

const (
	MaxJBFrameSizeBytes    = 4000000
	BufferIncStepSizeBytes = 30000
)

type BufferState int

const (
	StateFree BufferState = iota
	StateEmpty
	StateIncomplete
	StateComplete
	StateDecoding
	StateDecodable
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateEmpty:
		return "EMPTY"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateComplete:
		return "COMPLETE"
	case StateDecoding:
		return "DECODING"
	case StateDecodable:
		return "DECODABLE"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type InsertResult int

const (
	InsertIncomplete InsertResult = iota
	InsertCompleteSession
	InsertDecodableSession
	InsertDuplicatePacket
)

func (r InsertResult) String() string {
	switch r {
	case InsertIncomplete:
		return "incomplete"
	case InsertCompleteSession:
		return "complete"
	case InsertDecodableSession:
		return "decodable"
	case InsertDuplicatePacket:
		return "duplicate"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

// EncodedFrame is a frame handed to the decoder.
type EncodedFrame struct {
	Timestamp     uint32
	PayloadType   uint8
	Codec         Codec
	FrameType     FrameType
	Data          []byte
	Fragmentation *FragmentationHeader
	Complete      bool
	Missing       bool
}

// FrameBuffer holds one frame of the jitter buffer through its life cycle.
type FrameBuffer struct {
	logger logger.Logger

	state        BufferState
	timestamp    uint32
	timestampSet bool
	payloadType  uint8
	codec        Codec

	// allocated bytes, grows in BufferIncStepSizeBytes steps
	size   int
	length int

	session            *SessionInfo
	nackCount          int
	latestPacketTimeMs int64
}

func NewFrameBuffer(l logger.Logger) *FrameBuffer {
	if l == nil {
		l = logger.GetLogger()
	}
	f := &FrameBuffer{
		logger:  l,
		session: NewSessionInfo(),
	}
	f.Reset()
	return f
}

func (f *FrameBuffer) Reset() {
	f.state = StateEmpty
	f.timestamp = 0
	f.timestampSet = false
	f.payloadType = 0
	f.codec = CodecUnknown
	f.length = 0
	f.nackCount = 0
	f.latestPacketTimeMs = -1
	f.session.Reset()
}

func (f *FrameBuffer) InsertPacket(p *Packet, nowMs int64, frameData FrameData) (InsertResult, error) {
	res, err := f.insertPacket(p, nowMs, frameData)
	if err != nil {
		prometheus.IncrementFrameInsert(errorLabel(err))
		f.logger.Debugw("could not insert packet",
			"error", err,
			"sn", p.SeqNum,
			"ts", p.Timestamp,
			"frameTs", f.timestamp,
			"state", f.state,
		)
		return res, err
	}

	prometheus.IncrementFrameInsert(res.String())
	return res, nil
}

func (f *FrameBuffer) insertPacket(p *Packet, nowMs int64, frameData FrameData) (InsertResult, error) {
	// a frame handed to the decoder no longer accepts media
	if f.state == StateDecoding {
		return InsertIncomplete, ErrIllegalState
	}
	if f.timestampSet && f.timestamp != p.Timestamp {
		return InsertIncomplete, ErrTimeStamp
	}

	if f.size+p.Size() > MaxJBFrameSizeBytes {
		return InsertIncomplete, ErrSize
	}
	if p.Data != nil {
		f.payloadType = p.PayloadType
	}

	if f.state == StateEmpty {
		// first packet of this frame, media or empty
		f.timestamp = p.Timestamp
		f.timestampSet = true
		f.codec = p.Codec
		if p.FrameType != FrameEmpty {
			if err := f.SetState(StateIncomplete); err != nil {
				return InsertIncomplete, err
			}
		}
	}

	if required := f.length + p.Size(); required >= f.size {
		increments := (required + BufferIncStepSizeBytes - 1) / BufferIncStepSizeBytes
		newSize := f.size + increments*BufferIncStepSizeBytes
		if newSize > MaxJBFrameSizeBytes {
			return InsertIncomplete, ErrSize
		}
		f.size = newSize
		f.session.reserve(newSize)
	}

	n, err := f.session.InsertPacket(p, frameData)
	switch {
	case errors.Is(err, ErrSessionFull):
		return InsertIncomplete, ErrSize
	case errors.Is(err, ErrDuplicatePacket):
		return InsertDuplicatePacket, nil
	case err != nil:
		return InsertIncomplete, err
	}

	f.length += n
	f.latestPacketTimeMs = nowMs

	switch {
	case f.session.Complete():
		if err := f.SetState(StateComplete); err != nil {
			return InsertIncomplete, err
		}
		return InsertCompleteSession, nil
	case f.session.Decodable():
		if err := f.SetState(StateDecodable); err != nil {
			return InsertIncomplete, err
		}
		return InsertDecodableSession, nil
	}
	return InsertIncomplete, nil
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeStamp):
		return "timestamp_error"
	case errors.Is(err, ErrSize):
		return "size_error"
	case errors.Is(err, ErrIllegalState):
		return "state_error"
	default:
		return "error"
	}
}

// SetState moves the frame forward in its life cycle. Going back to empty is only possible through Reset.
func (f *FrameBuffer) SetState(state BufferState) error {
	if f.state == state {
		return nil
	}

	legal := false
	switch state {
	case StateIncomplete:
		legal = f.state == StateEmpty
	case StateComplete:
		legal = f.state == StateEmpty || f.state == StateIncomplete || f.state == StateDecodable
	case StateDecodable:
		legal = f.state == StateEmpty || f.state == StateIncomplete
	case StateDecoding:
		legal = f.state == StateIncomplete || f.state == StateComplete || f.state == StateDecodable
	case StateFree:
		legal = true
	case StateEmpty:
		legal = false
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalState, f.state, state)
	}

	f.state = state
	return nil
}

// PrepareForDecode strips what the decoder cannot use and returns the frame. VP8 frames keep every
// intact partition, other codecs drop NAL units with losses.
func (f *FrameBuffer) PrepareForDecode(continuous bool) *EncodedFrame {
	notDecodable := f.session.PacketsNotDecodable()

	frame := &EncodedFrame{
		Timestamp:   f.timestamp,
		PayloadType: f.payloadType,
		Codec:       f.codec,
	}
	if f.codec == CodecVP8 {
		fragmentation, length := f.session.BuildVP8FragmentationHeader()
		f.length = length
		frame.Fragmentation = &fragmentation
	} else {
		f.length -= f.session.MakeDecodable()
	}
	prometheus.AddPacketsNotDecodable(f.session.PacketsNotDecodable() - notDecodable)

	frame.Data = f.session.Data()
	frame.FrameType = f.session.FrameType()
	frame.Complete = f.session.Complete()
	frame.Missing = !continuous
	return frame
}

func (f *FrameBuffer) ZeroOutSeqNum(seqList []int32) error {
	return f.session.ZeroOutSeqNum(seqList)
}

func (f *FrameBuffer) IncrementNackCount() {
	f.nackCount++
}

func (f *FrameBuffer) NackCount() int {
	return f.nackCount
}

func (f *FrameBuffer) LatestPacketTimeMs() int64 {
	return f.latestPacketTimeMs
}

func (f *FrameBuffer) State() BufferState {
	return f.state
}

func (f *FrameBuffer) TimeStamp() uint32 {
	return f.timestamp
}

func (f *FrameBuffer) Length() int {
	return f.length
}

func (f *FrameBuffer) FrameType() FrameType {
	return f.session.FrameType()
}

func (f *FrameBuffer) LowSeqNum() int {
	return f.session.LowSequenceNumber()
}

func (f *FrameBuffer) HighSeqNum() int {
	return f.session.HighSequenceNumber()
}

func (f *FrameBuffer) PictureID() int {
	return f.session.PictureID()
}

func (f *FrameBuffer) TemporalID() int {
	return f.session.TemporalID()
}

func (f *FrameBuffer) LayerSync() bool {
	return f.session.LayerSync()
}

func (f *FrameBuffer) Tl0PicID() int {
	return f.session.Tl0PicID()
}

func (f *FrameBuffer) NonReference() bool {
	return f.session.NonReference()
}

func (f *FrameBuffer) IsSessionComplete() bool {
	return f.session.Complete()
}

func (f *FrameBuffer) NotDecodablePackets() int {
	return f.session.PacketsNotDecodable()
}

func (f *FrameBuffer) IsRetransmitted() bool {
	return f.session.SessionNack()
}

func (f *FrameBuffer) HaveFirstPacket() bool {
	return f.session.HaveFirstPacket()
}

func (f *FrameBuffer) HaveLastPacket() bool {
	return f.session.HaveLastPacket()
}
