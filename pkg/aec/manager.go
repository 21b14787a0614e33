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

package aec

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
)

const (
	Version = "AEC 2.5.0"

	maxDeviceDelayMs  = 500
	callerBufferingMs = 10
	skewFrames        = 25
	minSkewEst        = -0.5
	maxSkewEst        = 1.0
	resampleThreshold = 1.0e-3
	upweight          = 0.7

	// startup needs this many stable 10 ms blocks, or gives up waiting after startupMaxBlocks
	startupStableBlocks = 6
	startupMaxBlocks    = 50
)

type ProcessRequest struct {
	NearLow  []int16
	NearHigh []int16
	OutLow   []int16
	OutHigh  []int16
	// device reported playout + capture buffering
	MsInSndCardBuf int
	// raw skew reading from the device, only used in skew mode
	Skew int
}

type ManagerParams struct {
	Engine    FilterEngine
	Resampler Resampler
	Logger    logger.Logger
}

// Manager is one echo canceller instance: it buffers far-end audio, estimates the device delay,
// compensates clock skew and gates the filter engine until the device buffers are stable.
//
// BufferFarend and Process must be called from one thread in order; the remaining methods may be
// called from any goroutine.
type Manager struct {
	params ManagerParams

	lock sync.Mutex

	initialized   bool
	sampFreq      int
	splitSampFreq int
	scSampFreq    int
	sampFactor    float32
	mult          int
	config        Config

	farend      *RingBuffer
	systemDelay int
	delay       *DelayEstimator
	flushAFrame bool

	msInSndCardBuf  int
	startup         bool
	checkBuffSize   bool
	bufSizeStart    int
	counter         int
	sum             int
	firstVal        int
	checkBufSizeCtr int
	startupFrames   int

	skewFrCtr int
	resample  bool
	skew      float32

	farFrame [FrameLen]int16

	lastError atomic.Error
	frames    atomic.Uint64
}

func NewManager(params ManagerParams) *Manager {
	if params.Engine == nil {
		params.Engine = NewBypassEngine()
	}
	if params.Resampler == nil {
		params.Resampler = NewLinearResampler()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Manager{
		params: params,
		delay:  NewDelayEstimator(),
	}
}

func (m *Manager) Init(sampFreq int, scSampFreq int) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if sampFreq != 8000 && sampFreq != 16000 && sampFreq != 32000 {
		return m.fail(errors.Wrapf(ErrBadParameter, "sample rate %d", sampFreq))
	}
	if scSampFreq < 1 || scSampFreq > 96000 {
		return m.fail(errors.Wrapf(ErrBadParameter, "device sample rate %d", scSampFreq))
	}

	if err := m.params.Engine.Init(sampFreq); err != nil {
		return m.fail(errors.Wrap(ErrUnspecified, err.Error()))
	}
	if err := m.params.Resampler.Init(scSampFreq); err != nil {
		return m.fail(errors.Wrap(ErrUnspecified, err.Error()))
	}

	if m.farend == nil {
		farend, err := NewRingBuffer(BufSizeFrames * FrameLen)
		if err != nil {
			return m.fail(errors.Wrap(ErrUnspecified, err.Error()))
		}
		m.farend = farend
	}
	m.farend.Init()

	m.sampFreq = sampFreq
	m.scSampFreq = scSampFreq
	m.splitSampFreq = sampFreq
	if sampFreq == 32000 {
		m.splitSampFreq = 16000
	}
	m.sampFactor = float32(scSampFreq) / float32(m.splitSampFreq)
	// the far-end ring and systemDelay count split-band samples
	m.mult = m.splitSampFreq / 8000

	m.systemDelay = 0
	m.delay.Reset()
	m.flushAFrame = false
	m.msInSndCardBuf = 0

	m.startup = true
	m.checkBuffSize = true
	m.bufSizeStart = 0
	m.counter = 0
	m.sum = 0
	m.firstVal = 0
	m.checkBufSizeCtr = 0
	m.startupFrames = 0

	m.skewFrCtr = 0
	m.resample = false
	m.skew = 0
	m.frames.Store(0)

	m.initialized = true
	m.applyConfig(DefaultConfig)

	m.params.Logger.Debugw("echo canceller initialized",
		"sampFreq", sampFreq,
		"scSampFreq", scSampFreq,
		"splitSampFreq", m.splitSampFreq,
	)
	return nil
}

// Free releases the buffers. The instance can be initialized again afterwards.
func (m *Manager) Free() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.initialized = false
	m.farend = nil
}

func (m *Manager) BufferFarend(farend []int16) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if farend == nil {
		return m.fail(ErrNullPointer)
	}
	if !m.initialized {
		return m.fail(ErrUninitialized)
	}
	if len(farend) != FrameLen && len(farend) != 2*FrameLen {
		return m.fail(errors.Wrapf(ErrBadParameter, "far-end frame of %d samples", len(farend)))
	}

	if !m.startup {
		m.delayComp()
	}

	samples := farend
	if m.config.SkewMode && m.resample {
		samples = m.params.Resampler.ResampleLinear(farend, m.skew)
	}

	if available := m.farend.AvailableWrite(); available < len(samples) {
		// make room by dropping the oldest samples
		m.systemDelay -= m.farend.MoveReadPtr(len(samples) - available)
	}
	m.systemDelay += m.farend.Write(samples)
	return nil
}

func (m *Manager) Process(req *ProcessRequest) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if req == nil || req.NearLow == nil || req.OutLow == nil {
		return m.fail(ErrNullPointer)
	}
	if !m.initialized {
		return m.fail(ErrUninitialized)
	}

	n := len(req.NearLow)
	if n != FrameLen && n != 2*FrameLen {
		return m.fail(errors.Wrapf(ErrBadParameter, "near-end frame of %d samples", n))
	}
	if len(req.OutLow) < n {
		return m.fail(errors.Wrapf(ErrBadParameter, "output of %d samples for %d input samples", len(req.OutLow), n))
	}
	if m.sampFreq == 32000 {
		if req.NearHigh == nil || req.OutHigh == nil {
			return m.fail(ErrNullPointer)
		}
		if len(req.NearHigh) < n || len(req.OutHigh) < n {
			return m.fail(errors.Wrapf(ErrBadParameter, "high band shorter than %d samples", n))
		}
	}

	var warning error
	ms := req.MsInSndCardBuf
	if ms < 0 || ms > maxDeviceDelayMs {
		warning = errors.Wrapf(ErrBadParameterWarning, "device delay %d ms", ms)
		ms = min(max(ms, 0), maxDeviceDelayMs)
		prometheus.IncrementAecWarning("device_delay")
	}
	m.msInSndCardBuf = ms + callerBufferingMs

	if m.config.SkewMode {
		if err := m.updateSkew(req.Skew, n); err != nil {
			warning = err
		}
	}

	nFrames := n / FrameLen
	nBlocks10ms := max(1, nFrames/m.mult)

	if m.startup {
		copy(req.OutLow[:n], req.NearLow)
		if m.sampFreq == 32000 {
			copy(req.OutHigh[:n], req.NearHigh[:n])
		}
		m.startupFrames++
		m.checkStartup(nBlocks10ms)
	} else {
		m.processFrames(req, nFrames)
	}

	m.frames.Inc()
	prometheus.IncrementAecFrames()
	if warning != nil {
		m.lastError.Store(warning)
	}
	return warning
}

func (m *Manager) updateSkew(rawSkew int, n int) error {
	if m.skewFrCtr < skewFrames {
		m.skewFrCtr++
		return nil
	}

	var warning error
	skew, err := m.params.Resampler.GetSkew(rawSkew)
	if err != nil {
		skew = 0
		warning = errors.Wrap(ErrBadParameterWarning, err.Error())
		prometheus.IncrementAecWarning("skew")
	}
	skew /= m.sampFactor * float32(n)

	m.resample = math.Abs(float64(skew)) >= resampleThreshold
	m.skew = min(max(skew, minSkewEst), maxSkewEst)
	return warning
}

func (m *Manager) checkStartup(nBlocks10ms int) {
	nmbrOfFilledBuffers := m.systemDelay / FrameLen

	if m.checkBuffSize {
		m.checkBufSizeCtr++
		if m.counter == 0 {
			m.firstVal = m.msInSndCardBuf
			m.sum = 0
		}

		tolerance := max(0.2*float64(m.msInSndCardBuf), SampMsNb)
		if math.Abs(float64(m.firstVal-m.msInSndCardBuf)) < tolerance {
			m.sum += m.msInSndCardBuf
			m.counter++
		} else {
			m.counter = 0
		}

		if m.counter*nBlocks10ms >= startupStableBlocks {
			// far-end target fill in frames: 75% of the average device buffering
			m.bufSizeStart = min(int(0.75*float64(m.sum*m.mult)/float64(m.counter*10)), BufSizeFrames)
			m.checkBuffSize = false
		}

		if m.checkBufSizeCtr*nBlocks10ms > startupMaxBlocks {
			// the device never settled, use the latest reading
			m.bufSizeStart = min(int(0.75*float64(m.msInSndCardBuf*m.mult)/10), BufSizeFrames)
			m.checkBuffSize = false
		}
	}

	if m.checkBuffSize {
		return
	}

	switch {
	case nmbrOfFilledBuffers == m.bufSizeStart:
		m.start()
	case nmbrOfFilledBuffers > m.bufSizeStart:
		m.systemDelay -= m.farend.MoveReadPtr(m.systemDelay - m.bufSizeStart*FrameLen)
		m.start()
	}
}

func (m *Manager) start() {
	m.startup = false
	prometheus.RecordAecStarted(m.startupFrames)
	m.params.Logger.Infow("echo canceller started",
		"bufSizeStart", m.bufSizeStart,
		"systemDelay", m.systemDelay,
		"startupFrames", m.startupFrames,
	)
}

func (m *Manager) processFrames(req *ProcessRequest, nFrames int) {
	res := m.delay.Estimate(DelayInput{
		MsInSndCardBuf: m.msInSndCardBuf,
		SystemDelay:    m.systemDelay,
		Mult:           m.mult,
		Resampling:     m.config.SkewMode && m.resample,
	})
	if res.FlushAFrame {
		m.flushAFrame = true
	}
	if res.Changed {
		prometheus.SetAecKnownDelay(res.KnownDelay)
		m.params.Logger.Debugw("far-end delay changed", "delay", res)
	}

	engine := m.params.Engine
	outLow := engine.OutputLow()
	outHigh := engine.OutputHigh()
	for i := 0; i < nFrames; i++ {
		m.readFarendFrame()

		var nearHigh []int16
		if m.sampFreq == 32000 {
			nearHigh = req.NearHigh[FrameLen*i : FrameLen*(i+1)]
		}
		engine.ProcessFrame(m.farFrame[:], req.NearLow[FrameLen*i:FrameLen*(i+1)], nearHigh, res.KnownDelay)

		// only the very first processed frame can come up short
		if size := outLow.AvailableRead(); size < FrameLen {
			outLow.MoveReadPtr(size - FrameLen)
			if m.sampFreq == 32000 {
				outHigh.MoveReadPtr(size - FrameLen)
			}
		}

		outLow.Read(req.OutLow[FrameLen*i : FrameLen*(i+1)])
		if m.sampFreq == 32000 {
			outHigh.Read(req.OutHigh[FrameLen*i : FrameLen*(i+1)])
		}
	}
}

func (m *Manager) readFarendFrame() {
	if m.flushAFrame && m.farend.AvailableRead() >= 2*FrameLen {
		m.systemDelay -= m.farend.MoveReadPtr(FrameLen)
		m.flushAFrame = false
	}

	n := m.farend.Read(m.farFrame[:])
	clear(m.farFrame[n:])
	m.systemDelay -= n
}

// delayComp stuffs the far-end buffer when the device reports far more buffering than the far-end
// buffer can account for. The stuffing is bounded so one bad reading cannot wreck the buffer.
func (m *Manager) delayComp() {
	nSampSndCard := m.msInSndCardBuf * SampMsNb * m.mult
	delayNew := nSampSndCard - m.systemDelay
	if m.config.SkewMode && m.resample {
		delayNew -= ResamplingDelay
	}

	if delayNew > FarBufLen-FrameLen*m.mult {
		nSampAdd := max(int(0.5*float64(nSampSndCard)-float64(m.systemDelay)), FrameLen)
		nSampAdd = min(nSampAdd, 10*FrameLen)
		m.systemDelay -= m.farend.MoveReadPtr(-nSampAdd)
	}
}

// SetConfig validates the whole config before applying any of it.
func (m *Manager) SetConfig(config Config) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return m.fail(ErrUninitialized)
	}
	if err := config.Validate(); err != nil {
		return m.fail(err)
	}

	m.applyConfig(config)
	m.params.Logger.Debugw("echo canceller config updated", "config", config)
	return nil
}

func (m *Manager) applyConfig(config Config) {
	engine := m.params.Engine
	m.config.SkewMode = config.SkewMode

	m.config.NlpMode = config.NlpMode
	engine.SetSuppression(targetSupp[config.NlpMode], minOverDrive[config.NlpMode])

	m.config.MetricsMode = config.MetricsMode
	engine.SetMetricsEnabled(config.MetricsMode)

	m.config.DelayLogging = config.DelayLogging
	engine.SetDelayLoggingEnabled(config.DelayLogging)
}

func (m *Manager) GetConfig() (Config, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return Config{}, m.fail(ErrUninitialized)
	}
	return m.config, nil
}

func (m *Manager) EchoStatus() (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return false, m.fail(ErrUninitialized)
	}
	return m.params.Engine.EchoState(), nil
}

type Metric struct {
	Instant int16
	Average int16
	Max     int16
	Min     int16
}

type Metrics struct {
	Erl  Metric
	Erle Metric
	Rerl Metric
	ANlp Metric
}

func (m *Manager) GetMetrics() (Metrics, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return Metrics{}, m.fail(ErrUninitialized)
	}

	em := m.params.Engine.Metrics()
	metrics := Metrics{
		Erl:  toMetric(em.Erl),
		Erle: toMetric(em.Erle),
		ANlp: toMetric(em.ANlp),
	}

	rerl := int16(OffsetLevel)
	if metrics.Erl.Average > OffsetLevel && metrics.Erle.Average > OffsetLevel {
		rerl = metrics.Erl.Average + metrics.Erle.Average
	}
	metrics.Rerl = Metric{Instant: rerl, Average: rerl, Max: rerl, Min: rerl}
	return metrics, nil
}

func toMetric(s Stats) Metric {
	metric := Metric{
		Instant: int16(s.Instant),
		Average: OffsetLevel,
		Max:     int16(s.Max),
		Min:     OffsetLevel,
	}
	if s.HiMean > OffsetLevel && s.Average > OffsetLevel {
		// mix of the regular average and the upper part average
		metric.Average = int16(upweight*s.HiMean + (1-upweight)*s.Average)
	}
	if s.Min < -OffsetLevel {
		metric.Min = int16(s.Min)
	}
	return metric
}

// GetDelayMetrics returns the median and mean absolute deviation, in ms, of the delay values
// logged since the previous call and clears the log. (-1, -1) means nothing was logged.
func (m *Manager) GetDelayMetrics() (int, int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return 0, 0, m.fail(ErrUninitialized)
	}
	if !m.config.DelayLogging {
		return 0, 0, m.fail(ErrUnsupportedFunction)
	}

	histogram := m.params.Engine.DelayHistogram()
	msPerBlock := PartLen * 1000 / m.splitSampFreq

	numDelayValues := 0
	for _, count := range histogram {
		numDelayValues += count
	}
	if numDelayValues == 0 {
		return -1, -1, nil
	}

	myMedian := 0
	delayValues := numDelayValues >> 1
	for i, count := range histogram {
		delayValues -= count
		if delayValues < 0 {
			myMedian = i
			break
		}
	}

	var l1Norm float32
	for i, count := range histogram {
		l1Norm += float32(math.Abs(float64(i-myMedian))) * float32(count)
	}
	// rounded in blocks, then scaled
	std := int(l1Norm/float32(numDelayValues)+0.5) * msPerBlock

	m.params.Engine.ResetDelayHistogram()
	return myMedian * msPerBlock, std, nil
}

// LastError returns the most recent error or warning recorded on this instance.
func (m *Manager) LastError() error {
	return m.lastError.Load()
}

// State is a snapshot of the buffering state, for diagnostics.
type State struct {
	Startup      bool
	SystemDelay  int
	KnownDelay   int
	FiltDelay    int
	BufSizeStart int
	Skew         float32
	Resampling   bool
	Frames       uint64
}

func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()

	return State{
		Startup:      m.startup,
		SystemDelay:  m.systemDelay,
		KnownDelay:   m.delay.KnownDelay(),
		FiltDelay:    m.delay.FiltDelay(),
		BufSizeStart: m.bufSizeStart,
		Skew:         m.skew,
		Resampling:   m.resample,
		Frames:       m.frames.Load(),
	}
}

func (m *Manager) fail(err error) error {
	m.lastError.Store(err)
	return err
}
