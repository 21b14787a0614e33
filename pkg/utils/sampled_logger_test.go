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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func logged(s SampledLogger, calls int) []int {
	policy := s.(*sampledLogger).policy
	var out []int
	for count := 1; count <= calls; count++ {
		if policy(count) {
			out = append(out, count)
		}
	}
	return out
}

func TestPeriodicLogger(t *testing.T) {
	s := NewPeriodicLogger(logger.GetLogger(), "debug", 2, 5)
	require.Equal(t, []int{1, 2, 7, 12, 17}, logged(s, 20))

	s = NewPeriodicLogger(logger.GetLogger(), "debug", 2, 5)
	for i := 0; i < 20; i++ {
		s.Log("sample", "i", i)
	}
	require.Equal(t, 20, s.Count())
}

func TestExponentialLogger(t *testing.T) {
	s := NewExponentialLogger(logger.GetLogger(), "info", 3)
	require.Equal(t, []int{1, 2, 3, 6, 9, 18, 27}, logged(s, 30))
}
