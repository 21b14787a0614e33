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

package videocoding

import "errors"

var (
	ErrTimeStamp       = errors.New("packet belongs to a different frame")
	ErrSize            = errors.New("frame size limit exceeded")
	ErrSessionFull     = errors.New("too many packets in session")
	ErrDuplicatePacket = errors.New("duplicate packet")
	ErrIllegalState    = errors.New("illegal frame buffer state transition")
	ErrEmptyNackList   = errors.New("empty nack list")
	ErrShortPacket     = errors.New("packet is not large enough")
)
