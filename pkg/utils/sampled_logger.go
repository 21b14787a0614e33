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

package utils

import (
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
)

// SampledLogger counts every call and forwards only the ones its policy lets through, so hot paths
// can report recurring conditions without flooding the log.
type SampledLogger interface {
	Log(msg string, keysAndValues ...any)
	ErrorLog(msg string, err error, keysAndValues ...any)
	Count() int
}

type samplePolicy func(count int) bool

type sampledLogger struct {
	lgr    logger.Logger
	level  zapcore.Level
	count  int
	policy samplePolicy
}

func newSampledLogger(lgr logger.Logger, level string, policy samplePolicy) *sampledLogger {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &sampledLogger{
		lgr:    lgr,
		level:  logger.ParseZapLevel(level),
		policy: policy,
	}
}

func (s *sampledLogger) Log(msg string, keysAndValues ...any) {
	s.count++
	if !s.policy(s.count) {
		return
	}

	keysAndValues = append(keysAndValues, "count", s.count)
	if s.level == zapcore.InfoLevel {
		s.lgr.Infow(msg, keysAndValues...)
	} else {
		s.lgr.Debugw(msg, keysAndValues...)
	}
}

func (s *sampledLogger) ErrorLog(msg string, err error, keysAndValues ...any) {
	s.count++
	if !s.policy(s.count) {
		return
	}

	keysAndValues = append(keysAndValues, "count", s.count)
	if s.level == zapcore.ErrorLevel {
		s.lgr.Errorw(msg, err, keysAndValues...)
	} else {
		s.lgr.Warnw(msg, err, keysAndValues...)
	}
}

func (s *sampledLogger) Count() int {
	return s.count
}

// NewPeriodicLogger logs the first initial calls and then every then-th one.
func NewPeriodicLogger(lgr logger.Logger, level string, initial, then int) SampledLogger {
	if then < 1 {
		then = 1
	}
	return newSampledLogger(lgr, level, func(count int) bool {
		return count <= initial || (count-initial)%then == 0
	})
}

// NewExponentialLogger logs calls 1..base-1, then every base-th up to base^2, every base^2-th up to
// base^3 and so on.
func NewExponentialLogger(lgr logger.Logger, level string, base int) SampledLogger {
	if base < 2 {
		base = 2
	}
	step := 1
	return newSampledLogger(lgr, level, func(count int) bool {
		if count == step*base {
			step *= base
		}
		return count%step == 0
	})
}
