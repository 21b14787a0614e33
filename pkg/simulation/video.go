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

	"github.com/elliotchance/orderedmap/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
	"github.com/livekit/media-engine/pkg/utils"
	"github.com/livekit/media-engine/pkg/videocoding"
)

const (
	videoPayloadType = 96
	videoClockRate   = 90000
	videoFrameRate   = 30
	keyFrameInterval = 30
	videoPayloadSize = 200
	rtpHeaderSize    = 12

	// frames kept open for late packets before they are handed to the decoder
	maxPendingFrames = 3
	decodedHistory   = 64
)

type VideoReport struct {
	Frames           int    `yaml:"frames"`
	PacketsSent      int    `yaml:"packets_sent"`
	PacketsLost      int    `yaml:"packets_lost"`
	PacketsReordered int    `yaml:"packets_reordered"`
	PacketsLate      int    `yaml:"packets_late"`
	Duplicates       int    `yaml:"duplicates"`
	InsertErrors     int    `yaml:"insert_errors"`
	CompleteFrames   int    `yaml:"complete_frames"`
	DecodableFrames  int    `yaml:"decodable_frames"`
	IncompleteFrames int    `yaml:"incomplete_frames"`
	KeyFrames        int    `yaml:"key_frames"`
	DecodedBytes     int    `yaml:"decoded_bytes"`
	PacketRate       uint32 `yaml:"packet_rate"`
	HighestSeqNum    uint16 `yaml:"highest_seq_num"`

	// sequence numbers that never arrived, for the NACKs of the RTCP phase
	Lost []uint16 `yaml:"-"`
}

// RunVideo sends a synthetic stream through a lossy, reordering channel and reassembles it into
// frames.
func (s *Simulator) RunVideo(ctx context.Context) (*VideoReport, error) {
	conf := s.params.Config
	codec, err := conf.Video.CodecType()
	if err != nil {
		return nil, err
	}

	rng := s.newRand(videoPhase)
	report := &VideoReport{
		PacketRate: uint32(conf.Simulation.PacketsPerFrame * videoFrameRate),
	}
	r, err := newVideoReceiver(s.logger.WithValues("phase", "video"), codec, conf.Video.FrameData(), report)
	if err != nil {
		return nil, err
	}

	seq := uint16(rng.Intn(1 << 16))
	var delayed *rtp.Packet
	for f := 0; f < conf.Simulation.Frames; f++ {
		if s.stopped(ctx) {
			break
		}

		ts := uint32(f * videoClockRate / videoFrameRate)
		nowMs := int64(f * 1000 / videoFrameRate)
		pkts := packetize(codec, f%keyFrameInterval == 0, conf.Simulation.RemoteSSRC, seq, ts, conf.Simulation.PacketsPerFrame)
		seq += uint16(len(pkts))
		report.Frames++

		for _, pkt := range pkts {
			report.PacketsSent++
			if rng.Float64() < conf.Simulation.LossRate {
				report.PacketsLost++
				report.Lost = append(report.Lost, pkt.SequenceNumber)
				continue
			}
			if delayed == nil && rng.Float64() < conf.Simulation.ReorderRate {
				delayed = pkt
				continue
			}

			r.receive(pkt, nowMs)
			if delayed != nil {
				r.receive(delayed, nowMs)
				delayed = nil
			}
		}
	}
	if delayed != nil {
		r.receive(delayed, int64(report.Frames*1000/videoFrameRate))
	}
	r.flush()

	s.logger.Infow("video phase done",
		"frames", report.Frames,
		"complete", report.CompleteFrames,
		"decodable", report.DecodableFrames,
		"incomplete", report.IncompleteFrames,
		"lost", report.PacketsLost,
	)
	return report, nil
}

func packetize(codec videocoding.Codec, key bool, ssrc uint32, seq uint16, ts uint32, n int) []*rtp.Packet {
	pkts := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		first, last := i == 0, i == n-1

		var payload []byte
		switch codec {
		case videocoding.CodecH264:
			payload = h264Payload(key, first, last, n == 1)
		default:
			payload = vp8Payload(key, first)
		}

		pkts = append(pkts, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    videoPayloadType,
				SequenceNumber: seq + uint16(i),
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		})
	}
	return pkts
}

func vp8Payload(key bool, first bool) []byte {
	payload := make([]byte, 1+videoPayloadSize)
	if first {
		// start of partition 0
		payload[0] = 0x10
		if !key {
			// inverse key frame flag of the VP8 frame header
			payload[1] = 0x01
		}
	}
	return payload
}

func h264Payload(key bool, first bool, last bool, single bool) []byte {
	nalType := byte(1)
	if key {
		nalType = 5
	}

	if single {
		payload := make([]byte, 1+videoPayloadSize)
		payload[0] = 0x60 | nalType
		return payload
	}

	// FU-A
	payload := make([]byte, 2+videoPayloadSize)
	payload[0] = 0x60 | 28
	payload[1] = nalType
	if first {
		payload[1] |= 0x80
	}
	if last {
		payload[1] |= 0x40
	}
	return payload
}

type videoReceiver struct {
	logger    logger.Logger
	codec     videocoding.Codec
	frameData videocoding.FrameData
	report    *VideoReport
	insertLog utils.SampledLogger

	frames  *orderedmap.OrderedMap[uint32, *videocoding.FrameBuffer]
	decoded *lru.Cache[uint32, struct{}]

	highest        utils.SequenceNumber16
	haveHighest    bool
	lastDecodedSeq utils.SequenceNumber16
	haveDecoded    bool
}

func newVideoReceiver(l logger.Logger, codec videocoding.Codec, frameData videocoding.FrameData, report *VideoReport) (*videoReceiver, error) {
	decoded, err := lru.New[uint32, struct{}](decodedHistory)
	if err != nil {
		return nil, err
	}
	return &videoReceiver{
		logger:    l,
		codec:     codec,
		frameData: frameData,
		report:    report,
		insertLog: utils.NewExponentialLogger(l, "debug", 10),
		frames:    orderedmap.NewOrderedMap[uint32, *videocoding.FrameBuffer](),
		decoded:   decoded,
	}, nil
}

func (r *videoReceiver) receive(pkt *rtp.Packet, nowMs int64) {
	// round trip through the wire format
	buf, err := pkt.Marshal()
	if err != nil {
		r.report.InsertErrors++
		r.insertLog.ErrorLog("could not marshal packet", err)
		return
	}
	var in rtp.Packet
	if err := in.Unmarshal(buf); err != nil {
		r.report.InsertErrors++
		r.insertLog.ErrorLog("could not unmarshal packet", err)
		return
	}
	prometheus.IncrementPackets(prometheus.Incoming, 1)
	prometheus.IncrementBytes(prometheus.Incoming, uint64(len(buf)))

	sn := utils.SequenceNumber16(in.SequenceNumber)
	if r.haveHighest && !sn.IsNewerThan(r.highest) {
		r.report.PacketsReordered++
	} else {
		r.highest = sn
		r.haveHighest = true
		r.report.HighestSeqNum = in.SequenceNumber
	}

	if r.decoded.Contains(in.Timestamp) {
		r.report.PacketsLate++
		return
	}

	p, err := videocoding.NewPacketFromRTP(&in, r.codec)
	if err != nil {
		r.report.InsertErrors++
		r.insertLog.ErrorLog("could not depacketize", err, "sn", in.SequenceNumber)
		return
	}

	fb, ok := r.frames.Get(in.Timestamp)
	if !ok {
		fb = videocoding.NewFrameBuffer(r.logger)
		r.frames.Set(in.Timestamp, fb)
	}
	res, err := fb.InsertPacket(p, nowMs, r.frameData)
	if err != nil {
		r.report.InsertErrors++
		r.insertLog.ErrorLog("could not insert packet", err, "sn", in.SequenceNumber)
	} else if res == videocoding.InsertDuplicatePacket {
		r.report.Duplicates++
	}

	for r.frames.Len() > maxPendingFrames {
		r.decodeOldest()
	}
}

func (r *videoReceiver) flush() {
	for r.frames.Len() > 0 {
		r.decodeOldest()
	}
}

func (r *videoReceiver) decodeOldest() {
	el := r.frames.Front()
	ts, fb := el.Key, el.Value
	r.frames.Delete(ts)
	r.decoded.Add(ts, struct{}{})

	switch fb.State() {
	case videocoding.StateComplete:
		r.report.CompleteFrames++
	case videocoding.StateDecodable:
		r.report.DecodableFrames++
	case videocoding.StateEmpty:
		return
	default:
		r.report.IncompleteFrames++
	}

	continuous := false
	if low := fb.LowSeqNum(); low >= 0 && r.haveDecoded {
		continuous = utils.InSequence(r.lastDecodedSeq, utils.SequenceNumber16(low))
	}
	if err := fb.SetState(videocoding.StateDecoding); err != nil {
		r.insertLog.ErrorLog("could not decode frame", err, "ts", ts)
		return
	}

	frame := fb.PrepareForDecode(continuous)
	if frame.FrameType == videocoding.FrameKey {
		r.report.KeyFrames++
	}
	r.report.DecodedBytes += len(frame.Data)
	if high := fb.HighSeqNum(); high >= 0 {
		r.lastDecodedSeq = utils.SequenceNumber16(high)
		r.haveDecoded = true
	}
	_ = fb.SetState(videocoding.StateFree)
}
