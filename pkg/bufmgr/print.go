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

package bufmgr

import (
	"fmt"
	"strings"
)

// PPLevel controls how much detail PPString emits.
type PPLevel int8

const (
	PPL0 PPLevel = iota // one pool summary line only
	PPL1                // per-segment detail
)

// PPString renders the slab layout for logs and debugging.
func (m *BufferMgr) PPString(level PPLevel) string {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	m.chunkIndexMu.Lock()
	numChunks := m.chunkIndex.Len()
	m.chunkIndexMu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "BufferMgr[slabs=%d, chunks=%d, epoch=%d]",
		len(m.slabs), numChunks, m.bufferEpoch.Load())
	if level < PPL1 {
		return sb.String()
	}
	for slabIdx, sl := range m.slabs {
		fmt.Fprintf(&sb, "\nslab %d:", slabIdx)
		for e := sl.segs.Front(); e != nil; e = e.Next() {
			s := seg(e)
			fmt.Fprintf(&sb, " [%d,%d)%s", s.startPage, s.startPage+s.numPages, s.status)
			if s.status == SegUsed {
				pins := int32(0)
				if s.buf != nil {
					pins = s.buf.PinCount()
				}
				fmt.Fprintf(&sb, "%s(t=%d,p=%d)", s.key, s.lastTouched.Load(), pins)
			}
		}
	}
	return sb.String()
}
