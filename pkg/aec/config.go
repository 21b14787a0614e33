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
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

type NlpMode int16

const (
	NlpConservative NlpMode = iota
	NlpModerate
	NlpAggressive
)

// target suppression levels, log{0.001, 0.00001, 0.00000001}
var targetSupp = [...]float32{-6.9, -11.5, -18.4}
var minOverDrive = [...]float32{1.0, 2.0, 5.0}

func (n NlpMode) Valid() bool {
	return n >= NlpConservative && n <= NlpAggressive
}

func (n NlpMode) String() string {
	switch n {
	case NlpConservative:
		return "conservative"
	case NlpModerate:
		return "moderate"
	case NlpAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("%d", int(n))
	}
}

func ParseNlpMode(s string) (NlpMode, error) {
	switch strings.ToLower(s) {
	case "conservative":
		return NlpConservative, nil
	case "moderate", "":
		return NlpModerate, nil
	case "aggressive":
		return NlpAggressive, nil
	default:
		return 0, errors.Wrapf(ErrBadParameter, "unknown nlp mode %q", s)
	}
}

type Config struct {
	NlpMode      NlpMode
	SkewMode     bool
	MetricsMode  bool
	DelayLogging bool
}

var DefaultConfig = Config{
	NlpMode: NlpModerate,
}

func (c Config) Validate() error {
	if !c.NlpMode.Valid() {
		return errors.Wrapf(ErrBadParameter, "nlp mode %d", c.NlpMode)
	}
	return nil
}

func (c Config) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("nlpMode", c.NlpMode.String())
	e.AddBool("skewMode", c.SkewMode)
	e.AddBool("metricsMode", c.MetricsMode)
	e.AddBool("delayLogging", c.DelayLogging)
	return nil
}
