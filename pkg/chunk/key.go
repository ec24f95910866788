// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunk

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// AnonymousComponent is the reserved leading key component marking a
// scratch allocation. Scratch chunks are never flushed on checkpoint.
const AnonymousComponent int64 = -1

// Key identifies a chunk. Keys are ordered sequences of signed integers
// and compare lexicographically, component by component.
type Key []int64

func NewKey(components ...int64) Key {
	k := make(Key, len(components))
	copy(k, components)
	return k
}

// NewAnonymousKey builds the key of a scratch allocation from its buffer id.
func NewAnonymousKey(bufferID int64) Key {
	return Key{AnonymousComponent, bufferID}
}

// Clone returns a copy that does not share backing storage with k.
func (k Key) Clone() Key {
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// Compare orders keys lexicographically. A key that is a strict prefix of
// another sorts first.
func (k Key) Compare(o Key) int {
	n := len(k)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if k[i] != o[i] {
			if k[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

// HasPrefix reports whether the first len(prefix) components of k equal
// prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// IsAnonymous reports whether k names a scratch allocation.
func (k Key) IsAnonymous() bool {
	return len(k) > 0 && k[0] == AnonymousComponent
}

func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, c := range k {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(c, 10))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Encode renders k as an order-preserving byte string: each component is
// written big-endian with the sign bit flipped, so byte comparison of two
// encoded keys matches Compare.
func (k Key) Encode() []byte {
	buf := make([]byte, 8*len(k))
	for i, c := range k {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(c)^(1<<63))
	}
	return buf
}

// DecodeKey is the inverse of Encode.
func DecodeKey(data []byte) (Key, bool) {
	if len(data)%8 != 0 {
		return nil, false
	}
	k := make(Key, len(data)/8)
	for i := range k {
		k[i] = int64(binary.BigEndian.Uint64(data[i*8:]) ^ (1 << 63))
	}
	return k, true
}
