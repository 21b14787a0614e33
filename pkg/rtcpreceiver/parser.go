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
	"encoding/binary"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"

	"github.com/livekit/media-engine/pkg/tmmbr"
)

const (
	headerLength     = 4
	feedbackLength   = headerLength + 8
	tmmbrItemLength  = 8
	maxTMMBRItems    = 200
	xrVoIPBlockWords = 8

	typeExtendedJitter rtcp.PacketType = 195

	formatTMMBR = 3
	formatTMMBN = 4
	formatSRReq = 5
	formatRPSI  = 3

	xrBlockTypeVoIP = 7
)

// Parser walks a compound RTCP packet one sub-block at a time.
type Parser struct {
	buf        []byte
	offset     int
	lengthLeft int
}

// NewParser checks the framing of the first sub-block. Unless allowNonCompound is set the packet must
// start with a sender or receiver report.
func NewParser(buf []byte, allowNonCompound bool) (*Parser, error) {
	if len(buf) < headerLength {
		return nil, ErrShortPacket
	}

	var h rtcp.Header
	if err := h.Unmarshal(buf); err != nil {
		return nil, errors.Wrap(ErrInvalidHeader, err.Error())
	}
	if !allowNonCompound && h.Type != rtcp.TypeSenderReport && h.Type != rtcp.TypeReceiverReport {
		return nil, ErrNonCompound
	}

	return &Parser{buf: buf}, nil
}

// Iterate decodes the next sub-block. A sub-block that fails to decode comes back as a SkippedBlock
// and iteration goes on with the one after it. ok is false once the packet is exhausted or the
// remaining bytes cannot be framed.
func (p *Parser) Iterate() (Block, bool) {
	p.lengthLeft = 0
	if len(p.buf)-p.offset < headerLength {
		return nil, false
	}

	var h rtcp.Header
	if err := h.Unmarshal(p.buf[p.offset:]); err != nil {
		p.offset = len(p.buf)
		return &SkippedBlock{Err: errors.Wrap(ErrInvalidHeader, err.Error())}, true
	}

	size := (int(h.Length) + 1) * 4
	if p.offset+size > len(p.buf) {
		p.offset = len(p.buf)
		return &SkippedBlock{Header: h, Err: ErrTruncatedBlock}, true
	}

	raw := p.buf[p.offset : p.offset+size]
	p.offset += size

	block, err := p.decode(h, raw)
	if err != nil {
		return &SkippedBlock{Header: h, Err: err}, true
	}
	return block, true
}

// LengthLeft is the number of payload bytes that followed the fixed fields of the last sub-block.
func (p *Parser) LengthLeft() int {
	return p.lengthLeft
}

func (p *Parser) decode(h rtcp.Header, raw []byte) (Block, error) {
	body := raw[headerLength:]
	if h.Padding && len(body) > 0 {
		pad := int(body[len(body)-1])
		if pad == 0 || pad > len(body) {
			return nil, ErrMalformedBlock
		}
		body = body[:len(body)-pad]
	}

	switch h.Type {
	case rtcp.TypeSenderReport:
		sr := &rtcp.SenderReport{}
		if err := sr.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &SenderReportBlock{sr}, nil

	case rtcp.TypeReceiverReport:
		rr := &rtcp.ReceiverReport{}
		if err := rr.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &ReceiverReportBlock{rr}, nil

	case rtcp.TypeSourceDescription:
		sdes := &rtcp.SourceDescription{}
		if err := sdes.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &SDESBlock{sdes}, nil

	case rtcp.TypeGoodbye:
		bye := &rtcp.Goodbye{}
		if err := bye.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &ByeBlock{bye}, nil

	case rtcp.TypeApplicationDefined:
		return p.decodeApp(h, body)

	case typeExtendedJitter:
		return p.decodeExtendedJitter(h, body)

	case rtcp.TypeExtendedReport:
		return p.decodeXR(body)

	case rtcp.TypeTransportSpecificFeedback:
		return p.decodeTransportFeedback(h, raw, body)

	case rtcp.TypePayloadSpecificFeedback:
		return p.decodePayloadFeedback(h, raw, body)

	default:
		return nil, ErrUnknownBlock
	}
}

func (p *Parser) decodeTransportFeedback(h rtcp.Header, raw, body []byte) (Block, error) {
	switch h.Count {
	case rtcp.FormatTLN:
		nack := &rtcp.TransportLayerNack{}
		if err := nack.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &NACKBlock{nack}, nil

	case formatTMMBR, formatTMMBN:
		sender, media, fci, err := p.feedbackFields(body)
		if err != nil {
			return nil, err
		}
		items, err := decodeTMMBRItems(fci, p.lengthLeft)
		if err != nil {
			return nil, err
		}
		if h.Count == formatTMMBR {
			return &TMMBRBlock{SenderSSRC: sender, MediaSSRC: media, Items: items}, nil
		}
		return &TMMBNBlock{SenderSSRC: sender, MediaSSRC: media, Items: items}, nil

	case formatSRReq:
		sender, media, _, err := p.feedbackFields(body)
		if err != nil {
			return nil, err
		}
		return &SRReqBlock{SenderSSRC: sender, MediaSSRC: media}, nil

	default:
		return nil, ErrUnknownBlock
	}
}

func (p *Parser) decodePayloadFeedback(h rtcp.Header, raw, body []byte) (Block, error) {
	switch h.Count {
	case rtcp.FormatPLI:
		pli := &rtcp.PictureLossIndication{}
		if err := pli.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &PLIBlock{pli}, nil

	case rtcp.FormatSLI:
		sli := &rtcp.SliceLossIndication{}
		if err := sli.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &SLIBlock{sli}, nil

	case formatRPSI:
		sender, media, fci, err := p.feedbackFields(body)
		if err != nil {
			return nil, err
		}
		if len(fci) < 2 {
			return nil, ErrMalformedBlock
		}
		paddingBits := int(fci[0])
		validBits := (len(fci)-2)*8 - paddingBits
		if validBits < 0 {
			return nil, ErrMalformedBlock
		}
		return &RPSIBlock{
			SenderSSRC:        sender,
			MediaSSRC:         media,
			PayloadType:       fci[1] & 0x7f,
			NumberOfValidBits: validBits,
			BitString:         fci[2:],
		}, nil

	case rtcp.FormatFIR:
		fir := &rtcp.FullIntraRequest{}
		if err := fir.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &FIRBlock{fir}, nil

	case rtcp.FormatREMB:
		remb := &rtcp.ReceiverEstimatedMaximumBitrate{}
		if err := remb.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &REMBBlock{remb}, nil

	default:
		return nil, ErrUnknownBlock
	}
}

func (p *Parser) feedbackFields(body []byte) (uint32, uint32, []byte, error) {
	if len(body) < feedbackLength-headerLength {
		return 0, 0, nil, ErrMalformedBlock
	}

	fci := body[8:]
	p.lengthLeft = len(fci)
	return binary.BigEndian.Uint32(body[0:]), binary.BigEndian.Uint32(body[4:]), fci, nil
}

func decodeTMMBRItems(fci []byte, lengthLeft int) ([]tmmbr.Item, error) {
	if lengthLeft/tmmbrItemLength > maxTMMBRItems {
		return nil, ErrTooManyItems
	}

	items := make([]tmmbr.Item, 0, len(fci)/tmmbrItemLength)
	for off := 0; off+tmmbrItemLength <= len(fci); off += tmmbrItemLength {
		ssrc := binary.BigEndian.Uint32(fci[off:])
		word := binary.BigEndian.Uint32(fci[off+4:])

		exp := word >> 26
		mantissa := uint64((word >> 9) & 0x1ffff)
		overhead := word & 0x1ff

		bitrate := mantissa << exp
		if exp > 0 && bitrate>>exp != mantissa {
			return nil, ErrMalformedBlock
		}

		items = append(items, tmmbr.Item{
			BitrateKbit:    uint32(bitrate / 1000),
			PacketOverhead: overhead,
			SSRC:           ssrc,
		})
	}
	return items, nil
}

func (p *Parser) decodeApp(h rtcp.Header, body []byte) (Block, error) {
	if len(body) < 8 {
		return nil, ErrMalformedBlock
	}

	app := &AppBlock{
		SubType: h.Count,
		SSRC:    binary.BigEndian.Uint32(body[0:]),
		Data:    body[8:],
	}
	copy(app.Name[:], body[4:8])
	p.lengthLeft = len(app.Data)
	return app, nil
}

func (p *Parser) decodeExtendedJitter(h rtcp.Header, body []byte) (Block, error) {
	count := int(h.Count)
	if len(body) < count*4 {
		return nil, ErrMalformedBlock
	}

	ij := &ExtendedJitterBlock{Jitters: make([]uint32, 0, count)}
	for i := 0; i < count; i++ {
		ij.Jitters = append(ij.Jitters, binary.BigEndian.Uint32(body[i*4:]))
	}
	return ij, nil
}

func (p *Parser) decodeXR(body []byte) (Block, error) {
	if len(body) < 4 {
		return nil, ErrMalformedBlock
	}

	xr := &XRVoIPBlock{OriginatorSSRC: binary.BigEndian.Uint32(body)}
	rest := body[4:]
	for len(rest) >= 4 {
		blockType := rest[0]
		words := int(binary.BigEndian.Uint16(rest[2:]))
		size := 4 + words*4
		if size > len(rest) {
			return nil, ErrMalformedBlock
		}

		// other report block types are not consumed
		if blockType == xrBlockTypeVoIP && words == xrVoIPBlockWords {
			xr.Metrics = append(xr.Metrics, decodeVoIPMetric(rest[4:size]))
		}
		rest = rest[size:]
	}

	if len(xr.Metrics) == 0 {
		return nil, ErrUnknownBlock
	}
	return xr, nil
}

func decodeVoIPMetric(b []byte) VoIPMetric {
	return VoIPMetric{
		SSRC:           binary.BigEndian.Uint32(b[0:]),
		LossRate:       b[4],
		DiscardRate:    b[5],
		BurstDensity:   b[6],
		GapDensity:     b[7],
		BurstDuration:  binary.BigEndian.Uint16(b[8:]),
		GapDuration:    binary.BigEndian.Uint16(b[10:]),
		RoundTripDelay: binary.BigEndian.Uint16(b[12:]),
		EndSystemDelay: binary.BigEndian.Uint16(b[14:]),
		SignalLevel:    b[16],
		NoiseLevel:     b[17],
		RERL:           b[18],
		Gmin:           b[19],
		RFactor:        b[20],
		ExtRFactor:     b[21],
		MOSLQ:          b[22],
		MOSCQ:          b[23],
		RXConfig:       b[24],
		JBNominal:      binary.BigEndian.Uint16(b[26:]),
		JBMax:          binary.BigEndian.Uint16(b[28:]),
		JBAbsMax:       binary.BigEndian.Uint16(b[30:]),
	}
}
