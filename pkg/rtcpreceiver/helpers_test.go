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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/media-engine/pkg/tmmbr"
)

const (
	localSSRC  = 0x1111
	remoteSSRC = 0x2222
)

type fakeClock struct {
	t atomic.Time
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Unix(1700000000, 0))
	return c
}

func (c *fakeClock) Now() time.Time {
	return c.t.Load()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t.Store(c.t.Load().Add(d))
}

type lossUpdate struct {
	fractionLost uint8
	rttMs        int64
	highSeq      uint32
	trigger      bool
}

// testListener implements Owner, VideoFeedback and Feedback and records every call in order.
type testListener struct {
	lock sync.Mutex

	sendTimes map[uint32]time.Time

	calls        []string
	lossUpdates  []lossUpdate
	nacks        [][]uint16
	intraFrames  int
	sliPictures  []uint8
	rpsiPictures []uint64
	rembs        []uint32
	tmmbrs       []uint16
	apps         []string
	voip         []VoIPMetric
	timeouts     int
}

func newTestListener() *testListener {
	return &testListener{sendTimes: make(map[uint32]time.Time)}
}

func (l *testListener) record(call string) {
	l.calls = append(l.calls, call)
}

func (l *testListener) setSendTime(lastSR uint32, t time.Time) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.sendTimes[lastSR] = t
}

func (l *testListener) SendTimeOfSendReport(lastSR uint32) (time.Time, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	t, ok := l.sendTimes[lastSR]
	return t, ok
}

func (l *testListener) OnPacketLossStatisticsUpdate(fractionLost uint8, rttMs int64, highSeq uint32, trigger bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("loss")
	l.lossUpdates = append(l.lossUpdates, lossUpdate{fractionLost, rttMs, highSeq, trigger})
}

func (l *testListener) OnReceivedNTP() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("ntp")
}

func (l *testListener) OnRequestSendReport() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("sr_req")
}

func (l *testListener) OnReceivedNACK(sequenceNumbers []uint16) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("nack")
	l.nacks = append(l.nacks, append([]uint16(nil), sequenceNumbers...))
}

func (l *testListener) OnReceivedTMMBR() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("tmmbr")
}

func (l *testListener) OnReceivedEstimatedMaxBitrate(bitrateBps uint32) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("remb")
	l.rembs = append(l.rembs, bitrateBps)
}

func (l *testListener) OnReceivedIntraFrameRequest(_ uint32) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("intra")
	l.intraFrames++
}

func (l *testListener) OnReceivedSliceLossIndication(pictureID uint8) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("sli")
	l.sliPictures = append(l.sliPictures, pictureID)
}

func (l *testListener) OnReceivedReferencePictureSelectionIndication(pictureID uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("rpsi")
	l.rpsiPictures = append(l.rpsiPictures, pictureID)
}

func (l *testListener) OnSendReportReceived(_ uint32) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_sr")
}

func (l *testListener) OnReceiveReportReceived(_ uint32) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_rr")
}

func (l *testListener) OnReceiverEstimatedMaxBitrateReceived(_ uint32) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_remb")
}

func (l *testListener) OnTMMBRReceived(bitrateKbit uint16) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_tmmbr")
	l.tmmbrs = append(l.tmmbrs, bitrateKbit)
}

func (l *testListener) OnApplicationDataReceived(subType uint8, name [4]byte, data []byte) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_app")
	l.apps = append(l.apps, fmt.Sprintf("%d:%s:%x", subType, string(name[:]), data))
}

func (l *testListener) OnXRVoIPMetricReceived(metric VoIPMetric) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_xr")
	l.voip = append(l.voip, metric)
}

func (l *testListener) OnRTCPPacketTimeout() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.record("fb_timeout")
	l.timeouts++
}

func (l *testListener) takeCalls() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	calls := l.calls
	l.calls = nil
	return calls
}

func (l *testListener) numIntraFrames() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.intraFrames
}

func (l *testListener) numTimeouts() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.timeouts
}

func newTestReceiver(t *testing.T, config Config) (*Receiver, *testListener, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	listener := newTestListener()
	r, err := NewReceiver(ReceiverParams{
		SSRC:   localSSRC,
		Config: config,
		Owner:  listener,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	r.RegisterFeedback(listener)
	r.RegisterVideoFeedback(listener)
	return r, listener, clock
}

func marshal(t *testing.T, pkts ...rtcp.Packet) []byte {
	t.Helper()

	buf, err := rtcp.Marshal(pkts)
	require.NoError(t, err)
	return buf
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func emptyRR() *rtcp.ReceiverReport {
	return &rtcp.ReceiverReport{SSRC: remoteSSRC}
}

func feedbackHeader(fmtOrCount uint8, pt rtcp.PacketType, bodyLen int) []byte {
	h := make([]byte, 4)
	h[0] = 0x80 | fmtOrCount
	h[1] = uint8(pt)
	binary.BigEndian.PutUint16(h[2:], uint16((4+bodyLen)/4-1))
	return h
}

// tmmbrPacket builds a TMMBR (format 3) or TMMBN (format 4). Bitrates must be representable with a
// 17 bit mantissa.
func tmmbrPacket(format uint8, sender, media uint32, items []tmmbr.Item) []byte {
	body := make([]byte, 8+8*len(items))
	binary.BigEndian.PutUint32(body[0:], sender)
	binary.BigEndian.PutUint32(body[4:], media)
	for i, it := range items {
		bps := uint64(it.BitrateKbit) * 1000
		exp := uint32(0)
		for bps > 0x1ffff {
			bps >>= 1
			exp++
		}
		off := 8 + 8*i
		binary.BigEndian.PutUint32(body[off:], it.SSRC)
		binary.BigEndian.PutUint32(body[off+4:], exp<<26|uint32(bps)<<9|it.PacketOverhead&0x1ff)
	}
	return append(feedbackHeader(format, rtcp.TypeTransportSpecificFeedback, len(body)), body...)
}

func srReqPacket(sender, media uint32) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:], sender)
	binary.BigEndian.PutUint32(body[4:], media)
	return append(feedbackHeader(formatSRReq, rtcp.TypeTransportSpecificFeedback, len(body)), body...)
}

func rpsiPacket(sender, media uint32, paddingBits uint8, bitString []byte) []byte {
	fci := append([]byte{paddingBits, 96}, bitString...)
	for len(fci)%4 != 0 {
		fci = append(fci, 0)
	}
	body := make([]byte, 8, 8+len(fci))
	binary.BigEndian.PutUint32(body[0:], sender)
	binary.BigEndian.PutUint32(body[4:], media)
	body = append(body, fci...)
	return append(feedbackHeader(formatRPSI, rtcp.TypePayloadSpecificFeedback, len(body)), body...)
}

func appPacket(subType uint8, ssrc uint32, name string, data []byte) []byte {
	body := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint32(body[0:], ssrc)
	copy(body[4:], name)
	body = append(body, data...)
	return append(feedbackHeader(subType, rtcp.TypeApplicationDefined, len(body)), body...)
}

func xrVoIPPacket(originator uint32, m VoIPMetric) []byte {
	body := make([]byte, 4+4+32)
	binary.BigEndian.PutUint32(body[0:], originator)
	body[4] = xrBlockTypeVoIP
	binary.BigEndian.PutUint16(body[6:], xrVoIPBlockWords)

	b := body[8:]
	binary.BigEndian.PutUint32(b[0:], m.SSRC)
	b[4] = m.LossRate
	b[5] = m.DiscardRate
	binary.BigEndian.PutUint16(b[12:], m.RoundTripDelay)
	b[22] = m.MOSLQ
	binary.BigEndian.PutUint16(b[30:], m.JBAbsMax)
	return append(feedbackHeader(0, rtcp.TypeExtendedReport, len(body)), body...)
}

func ijPacket(jitters ...uint32) []byte {
	body := make([]byte, 4*len(jitters))
	for i, j := range jitters {
		binary.BigEndian.PutUint32(body[4*i:], j)
	}
	return append(feedbackHeader(uint8(len(jitters)), typeExtendedJitter, len(body)), body...)
}
