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

	"github.com/livekit/media-engine/pkg/tmmbr"
)

const maxTMMBRMantissa = 0x1ffff

func (b *TMMBRBlock) Marshal() ([]byte, error) {
	return marshalTMMBR(formatTMMBR, b.SenderSSRC, b.MediaSSRC, b.Items)
}

func (b *TMMBNBlock) Marshal() ([]byte, error) {
	return marshalTMMBR(formatTMMBN, b.SenderSSRC, b.MediaSSRC, b.Items)
}

func marshalTMMBR(format uint8, sender, media uint32, items []tmmbr.Item) ([]byte, error) {
	if len(items) > maxTMMBRItems {
		return nil, ErrTooManyItems
	}

	size := feedbackLength + tmmbrItemLength*len(items)
	buf := make([]byte, size)
	h := rtcp.Header{
		Count:  format,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(size/4 - 1),
	}
	hb, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	copy(buf, hb)
	binary.BigEndian.PutUint32(buf[4:], sender)
	binary.BigEndian.PutUint32(buf[8:], media)

	off := feedbackLength
	for _, it := range items {
		// smallest exponent that fits the bitrate in the mantissa, low bits are truncated
		bps := uint64(it.BitrateKbit) * 1000
		exp := uint32(0)
		for bps > maxTMMBRMantissa {
			bps >>= 1
			exp++
		}
		binary.BigEndian.PutUint32(buf[off:], it.SSRC)
		binary.BigEndian.PutUint32(buf[off+4:], exp<<26|uint32(bps)<<9|it.PacketOverhead&0x1ff)
		off += tmmbrItemLength
	}
	return buf, nil
}
