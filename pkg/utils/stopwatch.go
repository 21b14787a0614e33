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
	"time"

	"go.uber.org/zap/zapcore"
)

type StopwatchSplit struct {
	Label    string        `yaml:"label"`
	Duration time.Duration `yaml:"duration"`
}

func (s StopwatchSplit) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("label", s.Label)
	e.AddDuration("duration", s.Duration)
	return nil
}

type StopwatchSplits []StopwatchSplit

func (s StopwatchSplits) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for _, split := range s {
		if err := e.AppendObject(split); err != nil {
			return err
		}
	}
	return nil
}

// Stopwatch times consecutive phases of a run.
type Stopwatch struct {
	now   func() time.Time
	last  time.Time
	start time.Time

	splits StopwatchSplits
}

func NewStopwatch() *Stopwatch {
	return NewStopwatchWithClock(time.Now)
}

func NewStopwatchWithClock(now func() time.Time) *Stopwatch {
	t := now()
	return &Stopwatch{
		now:   now,
		last:  t,
		start: t,
	}
}

// Mark closes the phase that started at the previous mark.
func (s *Stopwatch) Mark(label string) {
	t := s.now()
	s.splits = append(s.splits, StopwatchSplit{Label: label, Duration: t.Sub(s.last)})
	s.last = t
}

func (s *Stopwatch) Splits() StopwatchSplits {
	return append(StopwatchSplits(nil), s.splits...)
}

func (s *Stopwatch) Total() time.Duration {
	return s.last.Sub(s.start)
}
