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

type wrapState int

const (
	sameWrap wrapState = iota
	diffWrap
)

// RingBuffer is a fixed capacity sample buffer. Out of range requests are clamped, never rejected,
// so the audio thread is never blocked.
//
// In sameWrap the read index is at or behind the write index in the same lap;
// in diffWrap the writer has wrapped and the read index is at or ahead of it.
type RingBuffer struct {
	data     []int16
	readPos  int
	writePos int
	wrap     wrapState
}

func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	return &RingBuffer{
		data: make([]int16, capacity),
	}, nil
}

// Init zeroes the contents and rewinds both indices.
func (r *RingBuffer) Init() {
	clear(r.data)
	r.readPos = 0
	r.writePos = 0
	r.wrap = sameWrap
}

func (r *RingBuffer) Capacity() int {
	return len(r.data)
}

func (r *RingBuffer) AvailableRead() int {
	if r.wrap == sameWrap {
		return r.writePos - r.readPos
	}
	return len(r.data) - r.readPos + r.writePos
}

func (r *RingBuffer) AvailableWrite() int {
	return len(r.data) - r.AvailableRead()
}

// Write copies as many samples as there is room for and returns that count.
func (r *RingBuffer) Write(samples []int16) int {
	n := min(len(samples), r.AvailableWrite())
	if n == 0 {
		return 0
	}

	first := copy(r.data[r.writePos:], samples[:n])
	if first < n {
		copy(r.data, samples[first:n])
		r.writePos = n - first
		r.wrap = diffWrap
		return n
	}

	r.writePos += n
	if r.writePos == len(r.data) {
		r.writePos = 0
		r.wrap = diffWrap
	}
	return n
}

// Read copies up to len(out) readable samples into out and returns that count.
func (r *RingBuffer) Read(out []int16) int {
	n := min(len(out), r.AvailableRead())
	if n == 0 {
		return 0
	}

	first := copy(out[:n], r.data[r.readPos:])
	if first < n {
		copy(out[first:n], r.data)
		r.readPos = n - first
		r.wrap = sameWrap
		return n
	}

	r.readPos += n
	if r.readPos == len(r.data) {
		r.readPos = 0
		r.wrap = sameWrap
	}
	return n
}

// MoveReadPtr advances the read index by delta samples without copying. A negative delta rewinds
// it, re-exposing old samples. The move is clamped to [-AvailableWrite(), AvailableRead()] and the
// actual number of samples moved is returned.
func (r *RingBuffer) MoveReadPtr(delta int) int {
	free := r.AvailableWrite()
	readable := r.AvailableRead()
	if delta > readable {
		delta = readable
	}
	if delta < -free {
		delta = -free
	}

	pos := r.readPos + delta
	if pos >= len(r.data) {
		pos -= len(r.data)
		r.wrap = sameWrap
	}
	if pos < 0 {
		pos += len(r.data)
		r.wrap = diffWrap
	}
	r.readPos = pos
	return delta
}
