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

package rtcpreceiver

import (
	"github.com/pion/rtcp"

	"github.com/livekit/media-engine/pkg/tmmbr"
)

type BlockKind int

const (
	BlockSkipped BlockKind = iota
	BlockSenderReport
	BlockReceiverReport
	BlockSDES
	BlockBye
	BlockNACK
	BlockTMMBR
	BlockTMMBN
	BlockSRReq
	BlockPLI
	BlockSLI
	BlockRPSI
	BlockFIR
	BlockREMB
	BlockApp
	BlockExtendedJitter
	BlockXRVoIP
)

func (k BlockKind) String() string {
	switch k {
	case BlockSkipped:
		return "skipped"
	case BlockSenderReport:
		return "sr"
	case BlockReceiverReport:
		return "rr"
	case BlockSDES:
		return "sdes"
	case BlockBye:
		return "bye"
	case BlockNACK:
		return "nack"
	case BlockTMMBR:
		return "tmmbr"
	case BlockTMMBN:
		return "tmmbn"
	case BlockSRReq:
		return "sr_req"
	case BlockPLI:
		return "pli"
	case BlockSLI:
		return "sli"
	case BlockRPSI:
		return "rpsi"
	case BlockFIR:
		return "fir"
	case BlockREMB:
		return "remb"
	case BlockApp:
		return "app"
	case BlockExtendedJitter:
		return "ij"
	case BlockXRVoIP:
		return "xr_voip"
	default:
		return "unknown"
	}
}

// Block is one decoded sub-block of a compound packet.
type Block interface {
	Kind() BlockKind
}

type SkippedBlock struct {
	Header rtcp.Header
	Err    error
}

func (b *SkippedBlock) Kind() BlockKind { return BlockSkipped }

type SenderReportBlock struct {
	*rtcp.SenderReport
}

func (b *SenderReportBlock) Kind() BlockKind { return BlockSenderReport }

type ReceiverReportBlock struct {
	*rtcp.ReceiverReport
}

func (b *ReceiverReportBlock) Kind() BlockKind { return BlockReceiverReport }

type SDESBlock struct {
	*rtcp.SourceDescription
}

func (b *SDESBlock) Kind() BlockKind { return BlockSDES }

type ByeBlock struct {
	*rtcp.Goodbye
}

func (b *ByeBlock) Kind() BlockKind { return BlockBye }

type NACKBlock struct {
	*rtcp.TransportLayerNack
}

func (b *NACKBlock) Kind() BlockKind { return BlockNACK }

type PLIBlock struct {
	*rtcp.PictureLossIndication
}

func (b *PLIBlock) Kind() BlockKind { return BlockPLI }

type SLIBlock struct {
	*rtcp.SliceLossIndication
}

func (b *SLIBlock) Kind() BlockKind { return BlockSLI }

type FIRBlock struct {
	*rtcp.FullIntraRequest
}

func (b *FIRBlock) Kind() BlockKind { return BlockFIR }

type REMBBlock struct {
	*rtcp.ReceiverEstimatedMaximumBitrate
}

func (b *REMBBlock) Kind() BlockKind { return BlockREMB }

// TMMBRBlock carries the FCI tuples of a TMMBR. Each tuple's SSRC is the media sender the request is
// addressed to.
type TMMBRBlock struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Items      []tmmbr.Item
}

func (b *TMMBRBlock) Kind() BlockKind { return BlockTMMBR }

type TMMBNBlock struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Items      []tmmbr.Item
}

func (b *TMMBNBlock) Kind() BlockKind { return BlockTMMBN }

type SRReqBlock struct {
	SenderSSRC uint32
	MediaSSRC  uint32
}

func (b *SRReqBlock) Kind() BlockKind { return BlockSRReq }

type RPSIBlock struct {
	SenderSSRC        uint32
	MediaSSRC         uint32
	PayloadType       uint8
	NumberOfValidBits int
	BitString         []byte
}

func (b *RPSIBlock) Kind() BlockKind { return BlockRPSI }

// PictureID folds the native bit string into a picture id, seven bits per byte. ok is false when
// the string is not a whole number of bytes.
func (b *RPSIBlock) PictureID() (id uint64, ok bool) {
	if b.NumberOfValidBits%8 != 0 || b.NumberOfValidBits == 0 {
		return 0, false
	}

	n := b.NumberOfValidBits / 8
	for i := 0; i < n-1; i++ {
		id += uint64(b.BitString[i] & 0x7f)
		id <<= 7
	}
	id += uint64(b.BitString[n-1] & 0x7f)
	return id, true
}

type AppBlock struct {
	SubType uint8
	SSRC    uint32
	Name    [4]byte
	Data    []byte
}

func (b *AppBlock) Kind() BlockKind { return BlockApp }

type ExtendedJitterBlock struct {
	Jitters []uint32
}

func (b *ExtendedJitterBlock) Kind() BlockKind { return BlockExtendedJitter }

type VoIPMetric struct {
	SSRC           uint32
	LossRate       uint8
	DiscardRate    uint8
	BurstDensity   uint8
	GapDensity     uint8
	BurstDuration  uint16
	GapDuration    uint16
	RoundTripDelay uint16
	EndSystemDelay uint16
	SignalLevel    uint8
	NoiseLevel     uint8
	RERL           uint8
	Gmin           uint8
	RFactor        uint8
	ExtRFactor     uint8
	MOSLQ          uint8
	MOSCQ          uint8
	RXConfig       uint8
	JBNominal      uint16
	JBMax          uint16
	JBAbsMax       uint16
}

type XRVoIPBlock struct {
	OriginatorSSRC uint32
	Metrics        []VoIPMetric
}

func (b *XRVoIPBlock) Kind() BlockKind { return BlockXRVoIP }
