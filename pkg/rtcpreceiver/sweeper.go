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

	"github.com/frostbyte73/core"
)

type TimeoutSweeperParams struct {
	Receiver *Receiver
	Interval time.Duration
	// OnBoundingSetExpired is called when quiet remotes dropped their TMMBR requests.
	OnBoundingSetExpired func()
}

// TimeoutSweeper drives the receiver's liveness checks from a ticker.
type TimeoutSweeper struct {
	params TimeoutSweeperParams
	stop   core.Fuse
}

func NewTimeoutSweeper(params TimeoutSweeperParams) *TimeoutSweeper {
	if params.Interval <= 0 {
		params.Interval = DefaultConfig.SweepInterval
	}

	s := &TimeoutSweeper{
		params: params,
	}
	go s.worker()
	return s
}

func (s *TimeoutSweeper) Stop() {
	if s != nil {
		s.stop.Break()
	}
}

func (s *TimeoutSweeper) worker() {
	ticker := time.NewTicker(s.params.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()

		case <-s.stop.Watch():
			return
		}
	}
}

func (s *TimeoutSweeper) sweep() {
	if s.params.Receiver.UpdateRTCPReceiveInformationTimers() && s.params.OnBoundingSetExpired != nil {
		s.params.OnBoundingSetExpired()
	}
	s.params.Receiver.PacketTimeout()
}
