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

import "errors"

var (
	ErrShortPacket      = errors.New("rtcp packet too short")
	ErrInvalidHeader    = errors.New("invalid rtcp header")
	ErrNonCompound      = errors.New("non-compound rtcp packet not allowed")
	ErrRTCPOff          = errors.New("rtcp is off")
	ErrTruncatedBlock   = errors.New("rtcp block exceeds packet")
	ErrTooManyItems     = errors.New("too many items in rtcp block")
	ErrMalformedBlock   = errors.New("malformed rtcp block")
	ErrUnknownBlock     = errors.New("unknown rtcp block")
	ErrNoReportBlock    = errors.New("no report block for ssrc")
	ErrNoRTT            = errors.New("no rtt measured for ssrc")
	ErrNoSenderReport   = errors.New("no sender report received")
	ErrNoCNAME          = errors.New("no cname for ssrc")
	ErrNoBoundingSet    = errors.New("no bounding set received")
	ErrNoReceiveInfo    = errors.New("no receive information for ssrc")
	ErrInvalidCacheSize = errors.New("invalid cname cache size")
	ErrMissingOwner     = errors.New("receiver needs an owner")
)
