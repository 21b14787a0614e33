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
	"errors"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/livekit/mediatransportutil"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
	"github.com/livekit/media-engine/pkg/tmmbr"
)

const (
	rtcpIntervalAudio = time.Second
	tmmbrTimeout      = 5 * rtcpIntervalAudio
	firMinInterval    = 17 * time.Millisecond
)

type Method int

const (
	MethodOff Method = iota
	MethodCompound
	MethodNonCompound
)

func (m Method) String() string {
	switch m {
	case MethodOff:
		return "off"
	case MethodCompound:
		return "compound"
	case MethodNonCompound:
		return "non_compound"
	default:
		return "unknown"
	}
}

type Config struct {
	NonCompound    bool          `yaml:"non_compound,omitempty"`
	CNAMECacheSize int           `yaml:"cname_cache_size,omitempty"`
	PacketTimeout  time.Duration `yaml:"packet_timeout,omitempty"`
	SweepInterval  time.Duration `yaml:"sweep_interval,omitempty"`
}

var DefaultConfig = Config{
	CNAMECacheSize: 256,
	SweepInterval:  100 * time.Millisecond,
}

type SenderInfo struct {
	NTPTimestamp mediatransportutil.NtpTime
	RTPTimestamp uint32
	PacketCount  uint32
	OctetCount   uint32
}

type NTPInfo struct {
	// from the last sender report of the remote SSRC
	Remote mediatransportutil.NtpTime
	// local wall clock when that report arrived
	Arrival mediatransportutil.NtpTime
}

type ReceiverParams struct {
	SSRC   uint32
	Config Config
	// Owner must be set.
	Owner  Owner
	Logger logger.Logger
	Now    func() time.Time
}

// Receiver digests incoming compound RTCP packets and keeps per remote SSRC state.
type Receiver struct {
	params ReceiverParams
	logger logger.Logger
	now    func() time.Time

	lastReceived atomic.Time

	feedbackLock  sync.RWMutex
	feedback      Feedback
	videoFeedback VideoFeedback

	lock              sync.Mutex
	method            Method
	ssrc              uint32
	remoteSSRC        uint32
	senderInfo        SenderInfo
	lastReceivedSRNTP mediatransportutil.NtpTime
	reportBlocks      *orderedmap.OrderedMap[uint32, *reportBlockInfo]
	receiveInfos      *orderedmap.OrderedMap[uint32, *receiveInfo]
	cnames            *lru.Cache[uint32, string]
	packetTimeout     time.Duration
}

func NewReceiver(params ReceiverParams) (*Receiver, error) {
	if params.Owner == nil {
		return nil, ErrMissingOwner
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.Config.CNAMECacheSize == 0 {
		params.Config.CNAMECacheSize = DefaultConfig.CNAMECacheSize
	}

	cnames, err := lru.New[uint32, string](params.Config.CNAMECacheSize)
	if err != nil {
		return nil, ErrInvalidCacheSize
	}

	method := MethodCompound
	if params.Config.NonCompound {
		method = MethodNonCompound
	}

	return &Receiver{
		params:        params,
		logger:        params.Logger.WithValues("ssrc", params.SSRC),
		now:           params.Now,
		method:        method,
		ssrc:          params.SSRC,
		reportBlocks:  orderedmap.NewOrderedMap[uint32, *reportBlockInfo](),
		receiveInfos:  orderedmap.NewOrderedMap[uint32, *receiveInfo](),
		cnames:        cnames,
		packetTimeout: params.Config.PacketTimeout,
	}, nil
}

func (r *Receiver) RegisterFeedback(f Feedback) {
	r.feedbackLock.Lock()
	defer r.feedbackLock.Unlock()

	r.feedback = f
}

func (r *Receiver) RegisterVideoFeedback(f VideoFeedback) {
	r.feedbackLock.Lock()
	defer r.feedbackLock.Unlock()

	r.videoFeedback = f
}

func (r *Receiver) SetRTCPStatus(method Method) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.method = method
}

func (r *Receiver) Status() Method {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.method
}

func (r *Receiver) SetSSRC(ssrc uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.ssrc = ssrc
}

// SetRemoteSSRC selects whose sender reports are kept. Changing it forgets the previous sender info.
func (r *Receiver) SetRemoteSSRC(ssrc uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.senderInfo = SenderInfo{}
	r.lastReceivedSRNTP = 0
	r.remoteSSRC = ssrc
}

func (r *Receiver) LastReceived() time.Time {
	return r.lastReceived.Load()
}

// IncomingRTCPPacket processes one compound packet. Report blocks about us are finished after the
// instance lock is released, since the send time of the echoed sender report belongs to the owner.
func (r *Receiver) IncomingRTCPPacket(buf []byte) error {
	r.lock.Lock()
	if r.method == MethodOff {
		r.lock.Unlock()
		return ErrRTCPOff
	}

	parser, err := NewParser(buf, r.method == MethodNonCompound)
	if err != nil {
		r.lock.Unlock()
		prometheus.IncrementRTCPSkipped(skipReason(err))
		return err
	}

	now := r.now()
	r.lastReceived.Store(now)

	info := &packetInformation{}
	for {
		block, ok := parser.Iterate()
		if !ok {
			break
		}
		prometheus.IncrementRTCPBlock(block.Kind().String())
		r.handleBlock(block, info, now)
	}
	r.lock.Unlock()

	if info.rttJobs.Len() != 0 {
		jobs := make([]rttJob, 0, info.rttJobs.Len())
		sentAt := make([]time.Time, 0, info.rttJobs.Len())
		for info.rttJobs.Len() != 0 {
			job := info.rttJobs.PopFront()
			t, _ := r.params.Owner.SendTimeOfSendReport(job.lastSR)
			jobs = append(jobs, job)
			sentAt = append(sentAt, t)
		}

		r.lock.Lock()
		for i, job := range jobs {
			r.applyRTT(job, sentAt[i], info)
		}
		r.lock.Unlock()
	}

	prometheus.IncrementRTCP(prometheus.Incoming, int32(len(info.nackSequenceNumbers)), info.numPLI, info.numFIR)
	r.triggerCallbacks(info)
	return nil
}

func (r *Receiver) handleBlock(block Block, info *packetInformation, now time.Time) {
	switch b := block.(type) {
	case *SenderReportBlock:
		r.handleSenderReceiverReport(b.SSRC, b.Reports, b.SenderReport, info, now)
	case *ReceiverReportBlock:
		r.handleSenderReceiverReport(b.SSRC, b.Reports, nil, info, now)
	case *SDESBlock:
		r.handleSDES(b)
	case *ByeBlock:
		r.handleBye(b)
	case *NACKBlock:
		r.handleNACK(b, info)
	case *TMMBRBlock:
		r.handleTMMBR(b, info, now)
	case *TMMBNBlock:
		r.handleTMMBN(b)
	case *SRReqBlock:
		info.flags |= packetSRReq
	case *PLIBlock:
		r.handlePLI(b, info)
	case *SLIBlock:
		r.handleSLI(b, info)
	case *RPSIBlock:
		r.handleRPSI(b, info)
	case *FIRBlock:
		r.handleFIR(b, info, now)
	case *REMBBlock:
		info.flags |= packetREMB
		info.rembBitrateBps = uint32(b.Bitrate)
	case *AppBlock:
		info.flags |= packetApp
		info.appSubType = b.SubType
		info.appName = b.Name
		info.appData = append([]byte(nil), b.Data...)
	case *ExtendedJitterBlock:
		for _, j := range b.Jitters {
			info.flags |= packetIJ
			info.interArrivalJitter = j
		}
	case *XRVoIPBlock:
		r.handleXRVoIP(b, info)
	case *SkippedBlock:
		r.logger.Debugw("skipping rtcp block", "error", b.Err, "type", b.Header.Type, "count", b.Header.Count)
		prometheus.IncrementRTCPSkipped(skipReason(b.Err))
	}
}

func (r *Receiver) handleSenderReceiverReport(
	remoteSSRC uint32,
	reports []rtcp.ReceptionReport,
	sr *rtcp.SenderReport,
	info *packetInformation,
	now time.Time,
) {
	info.remoteSSRC = remoteSSRC

	ri := r.getOrCreateReceiveInfo(remoteSSRC)
	if sr != nil && r.remoteSSRC == remoteSSRC {
		// only the selected remote's sender report is kept
		info.flags |= packetSR
		r.senderInfo = SenderInfo{
			NTPTimestamp: mediatransportutil.NtpTime(sr.NTPTime),
			RTPTimestamp: sr.RTPTime,
			PacketCount:  sr.PacketCount,
			OctetCount:   sr.OctetCount,
		}
		r.lastReceivedSRNTP = mediatransportutil.ToNtpTime(now)
	} else {
		info.flags |= packetRR
	}
	ri.lastTimeReceived = now

	for _, rr := range reports {
		r.handleReportBlock(remoteSSRC, rr, len(reports), info, now)
	}
}

func (r *Receiver) handleReportBlock(remoteSSRC uint32, rr rtcp.ReceptionReport, numBlocks int, info *packetInformation, now time.Time) {
	// with several blocks, only the one about us is kept
	if r.ssrc != 0 && numBlocks > 1 && rr.SSRC != r.ssrc {
		return
	}

	rbi, ok := r.reportBlocks.Get(remoteSSRC)
	if !ok {
		rbi = &reportBlockInfo{}
		r.reportBlocks.Set(remoteSSRC, rbi)
	}
	rbi.update(remoteSSRC, rr)

	if r.ssrc != 0 && rr.SSRC == r.ssrc {
		info.rttJobs.PushBack(rttJob{
			remoteSSRC: remoteSSRC,
			lastSR:     rr.LastSenderReport,
			delay:      delaySinceLastSR(rr.Delay),
			receivedAt: now,
		})
	}
}

func (r *Receiver) applyRTT(job rttJob, sentAt time.Time, info *packetInformation) {
	rbi, ok := r.reportBlocks.Get(job.remoteSSRC)
	if !ok {
		return
	}

	var rttMs int64
	if !sentAt.IsZero() {
		rttMs = (job.receivedAt.Sub(sentAt) - job.delay).Milliseconds()
		if rttMs <= 0 {
			rttMs = 1
		}
		rbi.addRTT(rttMs)
		prometheus.RecordRTT(rttMs)
	}

	r.logger.Debugw("received report block",
		"remoteSSRC", job.remoteSSRC,
		"rtt", rttMs,
		"reportBlock", rbi.block,
	)
	info.addReportInfo(rbi.block.FractionLost, rttMs, rbi.block.ExtendedHighSeqNum, rbi.block.Jitter)
}

func (r *Receiver) handleSDES(b *SDESBlock) {
	for _, chunk := range b.Chunks {
		for _, item := range chunk.Items {
			if item.Type == rtcp.SDESCNAME {
				r.cnames.Add(chunk.Source, item.Text)
			}
		}
	}
}

func (r *Receiver) handleBye(b *ByeBlock) {
	for _, ssrc := range b.Sources {
		r.reportBlocks.Delete(ssrc)
		// the record may still feed a bounding set, the timer sweep removes it
		if ri, ok := r.receiveInfos.Get(ssrc); ok {
			ri.readyForDelete = true
		}
		r.cnames.Remove(ssrc)
	}
}

func (r *Receiver) handleNACK(b *NACKBlock, info *packetInformation) {
	if _, ok := r.receiveInfos.Get(b.SenderSSRC); !ok {
		return
	}
	if b.MediaSSRC != r.ssrc {
		return
	}

	info.nackSequenceNumbers = info.nackSequenceNumbers[:0]
	for _, pair := range b.Nacks {
		info.nackSequenceNumbers = append(info.nackSequenceNumbers, pair.PacketList()...)
	}
	info.flags |= packetNACK
}

func (r *Receiver) handleTMMBR(b *TMMBRBlock, info *packetInformation, now time.Time) {
	ri, ok := r.receiveInfos.Get(b.SenderSSRC)
	if !ok {
		return
	}

	senderSSRC := b.SenderSSRC
	if b.MediaSSRC != 0 {
		// relays name the original sender here
		senderSSRC = b.MediaSSRC
	}
	for _, item := range b.Items {
		if item.SSRC == r.ssrc && item.BitrateKbit > 0 {
			ri.insertTMMBRItem(senderSSRC, item, now)
			info.flags |= packetTMMBR
		}
	}
}

func (r *Receiver) handleTMMBN(b *TMMBNBlock) {
	ri, ok := r.receiveInfos.Get(b.SenderSSRC)
	if !ok {
		return
	}

	ri.tmmbnSet = tmmbr.Set(b.Items).Clone()
}

func (r *Receiver) handlePLI(b *PLIBlock, info *packetInformation) {
	if _, ok := r.receiveInfos.Get(b.SenderSSRC); !ok {
		return
	}
	if b.MediaSSRC != r.ssrc {
		return
	}

	info.flags |= packetPLI
	info.numPLI++
}

func (r *Receiver) handleSLI(b *SLIBlock, info *packetInformation) {
	if _, ok := r.receiveInfos.Get(b.SenderSSRC); !ok {
		return
	}

	for _, entry := range b.SLI {
		info.flags |= packetSLI
		info.sliPictureID = entry.Picture
	}
}

func (r *Receiver) handleRPSI(b *RPSIBlock, info *packetInformation) {
	if _, ok := r.receiveInfos.Get(b.SenderSSRC); !ok {
		return
	}

	info.flags |= packetRPSI
	if id, ok := b.PictureID(); ok {
		info.rpsiPictureID = id
	}
}

func (r *Receiver) handleFIR(b *FIRBlock, info *packetInformation, now time.Time) {
	ri, ok := r.receiveInfos.Get(b.SenderSSRC)
	if !ok {
		return
	}

	for _, entry := range b.FIR {
		if entry.SSRC != r.ssrc {
			continue
		}
		if ri.acceptFIR(entry.SequenceNumber, now) {
			info.flags |= packetFIR
			info.numFIR++
		}
	}
}

func (r *Receiver) handleXRVoIP(b *XRVoIPBlock, info *packetInformation) {
	for i := range b.Metrics {
		if b.Metrics[i].SSRC == r.ssrc {
			metric := b.Metrics[i]
			info.voipMetric = &metric
			info.flags |= packetXRVoIP
		}
	}
}

func (r *Receiver) getOrCreateReceiveInfo(remoteSSRC uint32) *receiveInfo {
	ri, ok := r.receiveInfos.Get(remoteSSRC)
	if !ok {
		ri = newReceiveInfo()
		r.receiveInfos.Set(remoteSSRC, ri)
	}
	return ri
}

func (r *Receiver) triggerCallbacks(info *packetInformation) {
	owner := r.params.Owner

	if info.has(packetSR|packetRR) && info.hasReportBlock {
		// a TMMBR in the same packet raises its own network change
		owner.OnPacketLossStatisticsUpdate(
			info.fractionLost,
			info.rttMs,
			info.extendedHighSeqNum,
			!info.has(packetTMMBR),
		)
	}
	if info.has(packetSR) {
		owner.OnReceivedNTP()
	}
	if info.has(packetSRReq) {
		owner.OnRequestSendReport()
	}
	if info.has(packetNACK) && len(info.nackSequenceNumbers) != 0 {
		r.logger.Debugw("received nack", "count", len(info.nackSequenceNumbers))
		owner.OnReceivedNACK(info.nackSequenceNumbers)
	}
	if info.has(packetTMMBR) {
		owner.OnReceivedTMMBR()
	}

	r.feedbackLock.RLock()
	feedback := r.feedback
	videoFeedback := r.videoFeedback
	r.feedbackLock.RUnlock()

	if info.has(packetPLI|packetFIR) && videoFeedback != nil {
		videoFeedback.OnReceivedIntraFrameRequest(info.remoteSSRC)
	}
	if info.has(packetSLI) && videoFeedback != nil {
		videoFeedback.OnReceivedSliceLossIndication(info.sliPictureID)
	}
	if info.has(packetREMB) {
		owner.OnReceivedEstimatedMaxBitrate(info.rembBitrateBps)
	}
	if info.has(packetRPSI) && videoFeedback != nil {
		videoFeedback.OnReceivedReferencePictureSelectionIndication(info.rpsiPictureID)
	}

	if feedback == nil {
		return
	}
	if info.has(packetSR) {
		feedback.OnSendReportReceived(info.remoteSSRC)
	} else if info.has(packetRR) {
		feedback.OnReceiveReportReceived(info.remoteSSRC)
	}
	if info.has(packetREMB) {
		feedback.OnReceiverEstimatedMaxBitrateReceived(info.rembBitrateBps)
	}
	if info.has(packetXRVoIP) {
		feedback.OnXRVoIPMetricReceived(*info.voipMetric)
	}
	if info.has(packetApp) {
		feedback.OnApplicationDataReceived(info.appSubType, info.appName, info.appData)
	}
}

// ------------------------------------------------

func (r *Receiver) RTT(remoteSSRC uint32) (RTTStats, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	rbi, ok := r.reportBlocks.Get(remoteSSRC)
	if !ok {
		return RTTStats{}, ErrNoReportBlock
	}
	if rbi.rtt == nil {
		return RTTStats{}, ErrNoRTT
	}
	return *rbi.rtt, nil
}

func (r *Receiver) ResetRTT(remoteSSRC uint32) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	rbi, ok := r.reportBlocks.Get(remoteSSRC)
	if !ok {
		return ErrNoReportBlock
	}
	rbi.resetRTT()
	return nil
}

func (r *Receiver) NTP() (NTPInfo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.lastReceivedSRNTP == 0 {
		return NTPInfo{}, ErrNoSenderReport
	}
	return NTPInfo{Remote: r.senderInfo.NTPTimestamp, Arrival: r.lastReceivedSRNTP}, nil
}

func (r *Receiver) SenderInfoReceived() (SenderInfo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.lastReceivedSRNTP == 0 {
		return SenderInfo{}, ErrNoSenderReport
	}
	return r.senderInfo, nil
}

// StatisticsReceived returns the latest report block of every remote in arrival order.
func (r *Receiver) StatisticsReceived() ([]ReportBlock, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.reportBlocks.Len() == 0 {
		return nil, ErrNoReportBlock
	}

	blocks := make([]ReportBlock, 0, r.reportBlocks.Len())
	for el := r.reportBlocks.Front(); el != nil; el = el.Next() {
		blocks = append(blocks, el.Value.block)
	}
	return blocks, nil
}

func (r *Receiver) CNAME(remoteSSRC uint32) (string, error) {
	cname, ok := r.cnames.Get(remoteSSRC)
	if !ok {
		return "", ErrNoCNAME
	}
	return cname, nil
}

// BoundingSet returns the last TMMBN received from the remote SSRC and whether we own a tuple in it.
func (r *Receiver) BoundingSet() (tmmbr.Set, bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ri, ok := r.receiveInfos.Get(r.remoteSSRC)
	if !ok || len(ri.tmmbnSet) == 0 {
		return nil, false, ErrNoBoundingSet
	}
	return ri.tmmbnSet.Clone(), ri.tmmbnSet.Contains(r.ssrc), nil
}

// TMMBRReceived collects the live TMMBR requests of all remotes as bounding set candidates.
func (r *Receiver) TMMBRReceived() tmmbr.Set {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	var candidates tmmbr.Set
	for el := r.receiveInfos.Front(); el != nil; el = el.Next() {
		candidates = append(candidates, el.Value.tmmbrCandidates(now)...)
	}
	return candidates
}

func (r *Receiver) TMMBRCandidateCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	n := 0
	for el := r.receiveInfos.Front(); el != nil; el = el.Next() {
		n += len(el.Value.tmmbrSet)
	}
	return n
}

func (r *Receiver) UpdateBandwidthEstimate(bitrateKbit uint16) {
	r.feedbackLock.RLock()
	feedback := r.feedback
	r.feedbackLock.RUnlock()

	if feedback != nil {
		feedback.OnTMMBRReceived(bitrateKbit)
	}
}

// UpdateRTCPReceiveInformationTimers expires TMMBR requests of remotes that went quiet and removes
// remotes that said BYE once they have expired. It reports whether the bounding set needs updating.
func (r *Receiver) UpdateRTCPReceiveInformationTimers() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	updateBoundingSet := false
	var remove []uint32
	for el := r.receiveInfos.Front(); el != nil; el = el.Next() {
		ri := el.Value
		if !ri.lastTimeReceived.IsZero() {
			if now.Sub(ri.lastTimeReceived) > tmmbrTimeout {
				ri.tmmbrSet = nil
				ri.lastTimeReceived = time.Time{}
				updateBoundingSet = true
			}
			continue
		}
		if ri.readyForDelete {
			remove = append(remove, el.Key)
		}
	}

	for _, ssrc := range remove {
		r.receiveInfos.Delete(ssrc)
	}
	return updateBoundingSet
}

func (r *Receiver) SetPacketTimeout(timeout time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.packetTimeout = timeout
}

// PacketTimeout fires OnRTCPPacketTimeout once per silence longer than the packet timeout.
func (r *Receiver) PacketTimeout() {
	r.lock.Lock()
	if r.packetTimeout == 0 {
		r.lock.Unlock()
		return
	}

	timeout := r.packetTimeout
	last := r.lastReceived.Load()
	timedOut := false
	if !last.IsZero() && r.now().Sub(last) > timeout {
		timedOut = true
		r.lastReceived.Store(time.Time{})
	}
	r.lock.Unlock()

	if !timedOut {
		return
	}

	r.logger.Infow("rtcp packet timeout", "timeout", timeout)
	r.feedbackLock.RLock()
	feedback := r.feedback
	r.feedbackLock.RUnlock()
	if feedback != nil {
		feedback.OnRTCPPacketTimeout()
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrTooManyItems):
		return "too_many_items"
	case errors.Is(err, ErrTruncatedBlock):
		return "truncated"
	case errors.Is(err, ErrUnknownBlock):
		return "unknown"
	case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrShortPacket):
		return "header"
	case errors.Is(err, ErrNonCompound):
		return "non_compound"
	default:
		return "malformed"
	}
}
