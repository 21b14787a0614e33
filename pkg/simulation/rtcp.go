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
	"sync"
	"time"

	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/rtcpreceiver"
	"github.com/livekit/media-engine/pkg/tmmbr"
	"github.com/livekit/media-engine/pkg/utils"
)

const (
	rtcpInterval   = 200 * time.Millisecond
	remoteHoldTime = 20 * time.Millisecond
	// remotes that stay quiet this long have lost their TMMBR requests
	quietPeriod = 6 * time.Second

	nacksPerReport = 16
	pliEvery       = 10
	tmmbrEvery     = 5
	packetOverhead = 40
	remoteJitter   = 90
	remoteCNAME    = "remote@media-engine"

	boundingSetLogInterval = time.Second
)

type RTCPReport struct {
	Packets            int                   `yaml:"packets"`
	Errors             int                   `yaml:"errors"`
	SenderReports      int                   `yaml:"sender_reports"`
	RTT                rtcpreceiver.RTTStats `yaml:"rtt"`
	MedianRTTMs        float64               `yaml:"median_rtt_ms"`
	FractionLost       uint8                 `yaml:"fraction_lost"`
	NACKedPackets      int                   `yaml:"nacked_packets"`
	IntraFrameRequests int                   `yaml:"intra_frame_requests"`
	TMMBRRequests      int                   `yaml:"tmmbr_requests"`
	RemoteCNAME        string                `yaml:"remote_cname,omitempty"`
	BoundingSet        tmmbr.Set             `yaml:"bounding_set,omitempty"`
	RemoteBoundingSet  tmmbr.Set             `yaml:"remote_bounding_set,omitempty"`
	BoundingSetOwner   bool                  `yaml:"bounding_set_owner"`
	MinBitrateKbit     uint32                `yaml:"min_bitrate_kbit"`
	MaxBitrateKbit     uint32                `yaml:"max_bitrate_kbit"`
	BoundingSetExpired bool                  `yaml:"bounding_set_expired"`
	Timeouts           int                   `yaml:"timeouts"`
}

// RunRTCP plays the remote end of the video stream: it reports on the packets the video phase lost,
// asks for retransmissions and key frames, and limits the bitrate with TMMBR. Reports echo the sender
// reports of this side so round trip times can be measured.
func (s *Simulator) RunRTCP(ctx context.Context, video *VideoReport) (*RTCPReport, error) {
	conf := s.params.Config
	sim := conf.Simulation
	lg := s.logger.WithValues("phase", "rtcp")

	e := newRTCPEndpoint(lg, sim.LocalSSRC, sim.TMMBRKbit, s.clock.Now)
	r, err := rtcpreceiver.NewReceiver(rtcpreceiver.ReceiverParams{
		SSRC:   sim.LocalSSRC,
		Config: conf.RTCP,
		Owner:  e,
		Logger: lg,
		Now:    s.clock.Now,
	})
	if err != nil {
		return nil, err
	}
	r.SetRemoteSSRC(sim.RemoteSSRC)
	r.RegisterFeedback(e)
	r.RegisterVideoFeedback(e)
	if conf.RTCP.PacketTimeout == 0 {
		r.SetPacketTimeout(quietPeriod / 2)
	}
	e.receiver = r

	sweeper := rtcpreceiver.NewTimeoutSweeper(rtcpreceiver.TimeoutSweeperParams{
		Receiver: r,
		Interval: conf.RTCP.SweepInterval,
		OnBoundingSetExpired: func() {
			e.updateBoundingSet()
		},
	})

	rtt := time.Duration(sim.RTTMs) * time.Millisecond
	errLog := utils.NewPeriodicLogger(lg, "warn", 5, 50)
	report := &RTCPReport{}
	remote := &remoteEndpoint{
		ssrc:      sim.RemoteSSRC,
		mediaSSRC: sim.LocalSSRC,
		video:     video,
		tmmbrKbit: sim.TMMBRKbit,
	}

	numReports := int(sim.Duration / rtcpInterval)
	for k := 0; k < numReports; k++ {
		if s.stopped(ctx) {
			break
		}

		// our sender report leaves now, the remote echoes it in its next report
		sentAt := s.clock.Now()
		lastSR := uint32(mediatransportutil.ToNtpTime(sentAt) >> 16)
		e.recordSenderReport(lastSR, sentAt)

		s.clock.Advance(rtt/2 + remoteHoldTime)
		buf, err := remote.compound(k, numReports, lastSR, s.clock.Now())
		if err != nil {
			return nil, err
		}
		s.clock.Advance(rtt - rtt/2)

		report.Packets++
		if err := r.IncomingRTCPPacket(buf); err != nil {
			report.Errors++
			errLog.ErrorLog("could not process rtcp", err, "report", k)
		}

		if rest := rtcpInterval - rtt - remoteHoldTime; rest > 0 {
			s.clock.Advance(rest)
		}
	}
	sweeper.Stop()

	if report.RTT, err = r.RTT(sim.RemoteSSRC); err != nil && !errors.Is(err, rtcpreceiver.ErrNoRTT) {
		return nil, err
	}
	if report.RemoteCNAME, err = r.CNAME(sim.RemoteSSRC); err != nil && !errors.Is(err, rtcpreceiver.ErrNoCNAME) {
		return nil, err
	}
	if report.RemoteBoundingSet, report.BoundingSetOwner, err = r.BoundingSet(); err != nil && !errors.Is(err, rtcpreceiver.ErrNoBoundingSet) {
		return nil, err
	}

	report.BoundingSet = e.updateBoundingSet()
	if len(report.BoundingSet) != 0 {
		if report.MinBitrateKbit, report.MaxBitrateKbit, err = e.helper.CalcMinMaxBitRate(video.PacketRate); err != nil {
			errLog.ErrorLog("could not derive bitrate limits", err)
		}
	}

	// let the remote go quiet
	s.clock.Advance(quietPeriod)
	r.UpdateRTCPReceiveInformationTimers()
	r.PacketTimeout()
	e.updateBoundingSet()
	report.BoundingSetExpired = r.TMMBRCandidateCount() == 0 && len(e.helper.BoundingSet()) == 0

	e.fill(report)
	lg.Infow("rtcp phase done",
		"packets", report.Packets,
		"rtt", report.RTT.AvgMs,
		"nacked", report.NACKedPackets,
		"boundingSet", len(report.BoundingSet),
	)
	return report, nil
}

// remoteEndpoint builds what the receiver of our video stream would send.
type remoteEndpoint struct {
	ssrc      uint32
	mediaSSRC uint32
	video     *VideoReport
	tmmbrKbit uint32
	nacked    int
}

func (re *remoteEndpoint) compound(k int, numReports int, lastSR uint32, now time.Time) ([]byte, error) {
	v := re.video
	var fractionLost uint8
	if v.PacketsSent > 0 {
		fractionLost = uint8(v.PacketsLost * 256 / v.PacketsSent)
	}

	pkts := []rtcp.Packet{
		&rtcp.SenderReport{
			SSRC:        re.ssrc,
			NTPTime:     uint64(mediatransportutil.ToNtpTime(now)),
			RTPTime:     uint32(k) * uint32(rtcpInterval/time.Millisecond) * (videoClockRate / 1000),
			PacketCount: uint32(k * 10),
			OctetCount:  uint32(k * 10 * videoPayloadSize),
			Reports: []rtcp.ReceptionReport{{
				SSRC:               re.mediaSSRC,
				FractionLost:       fractionLost,
				TotalLost:          uint32(v.PacketsLost * (k + 1) / numReports),
				LastSequenceNumber: uint32(v.HighestSeqNum),
				Jitter:             remoteJitter,
				LastSenderReport:   lastSR,
				Delay:              uint32(remoteHoldTime * 65536 / time.Second),
			}},
		},
		rtcp.NewCNAMESourceDescription(re.ssrc, remoteCNAME),
	}

	if re.nacked < len(v.Lost) {
		end := min(re.nacked+nacksPerReport, len(v.Lost))
		pkts = append(pkts, &rtcp.TransportLayerNack{
			SenderSSRC: re.ssrc,
			MediaSSRC:  re.mediaSSRC,
			Nacks:      rtcp.NackPairsFromSequenceNumbers(v.Lost[re.nacked:end]),
		})
		re.nacked = end
	}
	if k%pliEvery == pliEvery-1 {
		pkts = append(pkts, &rtcp.PictureLossIndication{SenderSSRC: re.ssrc, MediaSSRC: re.mediaSSRC})
	}

	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return nil, err
	}

	if re.tmmbrKbit != 0 && k%tmmbrEvery == 0 {
		// the request tightens as the run goes on
		steps := min(uint32(k/tmmbrEvery), 9)
		kbit := max(re.tmmbrKbit-steps*re.tmmbrKbit/10, tmmbr.MinVideoBitrateKbit)
		b, err := (&rtcpreceiver.TMMBRBlock{
			SenderSSRC: re.ssrc,
			Items:      []tmmbr.Item{{BitrateKbit: kbit, PacketOverhead: packetOverhead, SSRC: re.mediaSSRC}},
		}).Marshal()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	if re.tmmbrKbit != 0 && k%tmmbrEvery == 1 {
		// the remote also sends media and acknowledges our own limit on it
		b, err := (&rtcpreceiver.TMMBNBlock{
			SenderSSRC: re.ssrc,
			Items:      []tmmbr.Item{{BitrateKbit: re.tmmbrKbit / 2, PacketOverhead: packetOverhead, SSRC: re.mediaSSRC}},
		}).Marshal()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// rtcpEndpoint is the local RTP module the receiver reports to.
type rtcpEndpoint struct {
	logger         logger.Logger
	ssrc           uint32
	maxBitrateKbit uint32
	receiver       *rtcpreceiver.Receiver
	helper         *tmmbr.Helper
	boundingSetLog *logThrottle

	lock               sync.Mutex
	sentReports        map[uint32]time.Time
	rtts               []int64
	fractionLost       uint8
	nacked             int
	intraFrameRequests int
	tmmbrRequests      int
	senderReports      int
	timeouts           int
}

func newRTCPEndpoint(l logger.Logger, ssrc uint32, maxBitrateKbit uint32, now func() time.Time) *rtcpEndpoint {
	return &rtcpEndpoint{
		logger:         l,
		ssrc:           ssrc,
		maxBitrateKbit: maxBitrateKbit,
		helper:         tmmbr.NewHelper(),
		boundingSetLog: newLogThrottle(now, boundingSetLogInterval),
		sentReports:    make(map[uint32]time.Time),
	}
}

func (e *rtcpEndpoint) recordSenderReport(lastSR uint32, sentAt time.Time) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.sentReports[lastSR] = sentAt
}

func (e *rtcpEndpoint) updateBoundingSet() tmmbr.Set {
	e.helper.SetCandidateSet(e.receiver.TMMBRReceived())
	set := e.helper.FindBoundingSet()
	e.helper.SetBoundingSetToSend(set, e.maxBitrateKbit)

	e.lock.Lock()
	log := e.boundingSetLog.allow()
	e.lock.Unlock()
	if log {
		e.logger.Debugw("bounding set updated", "size", len(set), "owner", e.helper.IsOwner(e.ssrc))
	}
	return set
}

func (e *rtcpEndpoint) fill(report *RTCPReport) {
	e.lock.Lock()
	defer e.lock.Unlock()

	report.MedianRTTMs = utils.Median(append([]int64(nil), e.rtts...))
	report.FractionLost = e.fractionLost
	report.NACKedPackets = e.nacked
	report.IntraFrameRequests = e.intraFrameRequests
	report.TMMBRRequests = e.tmmbrRequests
	report.SenderReports = e.senderReports
	report.Timeouts = e.timeouts
}

func (e *rtcpEndpoint) SendTimeOfSendReport(lastSR uint32) (time.Time, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	t, ok := e.sentReports[lastSR]
	return t, ok
}

func (e *rtcpEndpoint) OnPacketLossStatisticsUpdate(fractionLost uint8, rttMs int64, _ uint32, _ bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.fractionLost = fractionLost
	if rttMs > 0 {
		e.rtts = append(e.rtts, rttMs)
	}
}

func (e *rtcpEndpoint) OnReceivedNTP() {}

func (e *rtcpEndpoint) OnRequestSendReport() {}

func (e *rtcpEndpoint) OnReceivedNACK(sequenceNumbers []uint16) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nacked += len(sequenceNumbers)
}

func (e *rtcpEndpoint) OnReceivedTMMBR() {
	e.lock.Lock()
	e.tmmbrRequests++
	e.lock.Unlock()

	e.updateBoundingSet()
}

func (e *rtcpEndpoint) OnReceivedEstimatedMaxBitrate(_ uint32) {}

func (e *rtcpEndpoint) OnReceivedIntraFrameRequest(_ uint32) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.intraFrameRequests++
}

func (e *rtcpEndpoint) OnReceivedSliceLossIndication(_ uint8) {}

func (e *rtcpEndpoint) OnReceivedReferencePictureSelectionIndication(_ uint64) {}

func (e *rtcpEndpoint) OnSendReportReceived(_ uint32) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.senderReports++
}

func (e *rtcpEndpoint) OnReceiveReportReceived(_ uint32) {}

func (e *rtcpEndpoint) OnReceiverEstimatedMaxBitrateReceived(_ uint32) {}

func (e *rtcpEndpoint) OnTMMBRReceived(_ uint16) {}

func (e *rtcpEndpoint) OnApplicationDataReceived(_ uint8, _ [4]byte, _ []byte) {}

func (e *rtcpEndpoint) OnXRVoIPMetricReceived(_ rtcpreceiver.VoIPMetric) {}

func (e *rtcpEndpoint) OnRTCPPacketTimeout() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.timeouts++
}
