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

// insertBytes returns arena with b inserted at off, shifting the bytes after off back.
// The backing array is reused when it has room.
func insertBytes(arena []byte, off int, b ...[]byte) []byte {
	n := 0
	for _, part := range b {
		n += len(part)
	}
	if n == 0 {
		return arena
	}

	oldLen := len(arena)
	if cap(arena) < oldLen+n {
		grown := make([]byte, oldLen, oldLen+n)
		copy(grown, arena)
		arena = grown
	}
	arena = arena[:oldLen+n]
	copy(arena[off+n:], arena[off:oldLen])
	for _, part := range b {
		off += copy(arena[off:], part)
	}
	return arena
}

// deleteBytes returns arena without the n bytes at off.
func deleteBytes(arena []byte, off int, n int) []byte {
	if n <= 0 {
		return arena
	}
	copy(arena[off:], arena[off+n:])
	return arena[:len(arena)-n]
}

// reserve makes sure arena can hold size bytes without reallocating.
func reserve(arena []byte, size int) []byte {
	if cap(arena) >= size {
		return arena
	}
	grown := make([]byte, len(arena), size)
	copy(grown, arena)
	return grown
}
