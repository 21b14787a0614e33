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
	"time"

	"github.com/gammazero/deque"
)

// Owner is the RTP/RTCP module a Receiver belongs to.
type Owner interface {
	// SendTimeOfSendReport returns when the sender report identified by its compact NTP timestamp
	// was sent. ok is false when no such report is known.
	SendTimeOfSendReport(lastSR uint32) (sentAt time.Time, ok bool)

	OnPacketLossStatisticsUpdate(fractionLost uint8, rttMs int64, extendedHighSeqNum uint32, triggerNetworkChange bool)
	OnReceivedNTP()
	OnRequestSendReport()
	OnReceivedNACK(sequenceNumbers []uint16)
	OnReceivedTMMBR()
	OnReceivedEstimatedMaxBitrate(bitrateBps uint32)
}

type VideoFeedback interface {
	OnReceivedIntraFrameRequest(remoteSSRC uint32)
	OnReceivedSliceLossIndication(pictureID uint8)
	OnReceivedReferencePictureSelectionIndication(pictureID uint64)
}

type Feedback interface {
	OnSendReportReceived(remoteSSRC uint32)
	OnReceiveReportReceived(remoteSSRC uint32)
	OnReceiverEstimatedMaxBitrateReceived(bitrateBps uint32)
	OnTMMBRReceived(bitrateKbit uint16)
	OnApplicationDataReceived(subType uint8, name [4]byte, data []byte)
	OnXRVoIPMetricReceived(metric VoIPMetric)
	OnRTCPPacketTimeout()
}

type packetType uint32

const (
	packetSR packetType = 1 << iota
	packetRR
	packetSDES
	packetBye
	packetNACK
	packetTMMBR
	packetTMMBN
	packetSRReq
	packetPLI
	packetSLI
	packetRPSI
	packetFIR
	packetREMB
	packetApp
	packetIJ
	packetXRVoIP
)

// packetInformation collects what one compound packet signalled.
type packetInformation struct {
	flags      packetType
	remoteSSRC uint32

	hasReportBlock     bool
	fractionLost       uint8
	rttMs              int64
	extendedHighSeqNum uint32
	jitter             uint32

	nackSequenceNumbers []uint16
	sliPictureID        uint8
	rpsiPictureID       uint64
	rembBitrateBps      uint32
	interArrivalJitter  uint32
	voipMetric          *VoIPMetric

	appSubType uint8
	appName    [4]byte
	appData    []byte

	numPLI int32
	numFIR int32

	rttJobs deque.Deque[rttJob]
}

func (p *packetInformation) has(t packetType) bool {
	return p.flags&t != 0
}

func (p *packetInformation) addReportInfo(fractionLost uint8, rttMs int64, extendedHighSeqNum, jitter uint32) {
	p.hasReportBlock = true
	p.fractionLost = fractionLost
	p.rttMs = rttMs
	p.extendedHighSeqNum = extendedHighSeqNum
	p.jitter = jitter
}
