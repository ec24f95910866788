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
	"container/list"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/matrixorigin/chunkpool/pkg/buffer"
	"github.com/matrixorigin/chunkpool/pkg/chunk"
)

type SegStatus int8

const (
	SegFree SegStatus = iota
	SegUsed
)

func (s SegStatus) String() string {
	if s == SegFree {
		return "FREE"
	}
	return "USED"
}

// segment is a contiguous run of pages inside one slab, or a placeholder
// (slabIdx < 0) created by CreateBuffer before its first reservation.
// Segments live as *segment values inside container/list elements; the
// chunk index stores the elements, whose identity survives neighboring
// inserts and erases.
type segment struct {
	startPage int64
	numPages  int64
	status    SegStatus
	slabIdx   int
	// lastTouched is written on read-hot paths outside the segment lock;
	// the eviction policy only needs a monotonic ordering proxy.
	lastTouched atomic.Uint64
	key         chunk.Key
	buf         *buffer.Buffer
}

// slab is a fixed page-aligned byte region plus the ordered segment
// sequence partitioning it. Order equals ascending startPage; no two FREE
// segments are ever adjacent.
type slab struct {
	bytes []byte
	segs  *list.List
}

func newSlab(slabIdx int, slabSize, numPagesPerSlab int64) *slab {
	s := &slab{
		bytes: make([]byte, slabSize),
		segs:  list.New(),
	}
	s.segs.PushBack(&segment{
		startPage: 0,
		numPages:  numPagesPerSlab,
		status:    SegFree,
		slabIdx:   slabIdx,
	})
	return s
}

// indexEntry maps a chunk key to the list element of the segment holding
// it. Entries are btree items ordered by key, which gives the prefix scan
// of DeleteBuffersWithPrefix.
type indexEntry struct {
	key  chunk.Key
	elem *list.Element
}

func (e *indexEntry) Less(item btree.Item) bool {
	return e.key.Compare(item.(*indexEntry).key) < 0
}

func seg(e *list.Element) *segment {
	return e.Value.(*segment)
}

// Tier is the surface one buffer tier expects from another. BufferMgr
// implements it, so pools stack; DiskMgr implements it as the bottom tier.
type Tier interface {
	FetchBuffer(key chunk.Key, dest *buffer.Buffer, numBytes int64) error
	PutBuffer(key chunk.Key, src *buffer.Buffer, numBytes int64) (*buffer.Buffer, error)
}

// ChunkMetadata is the per-chunk descriptor of metadata enumerations.
// This tier does not implement them; see GetChunkMetadataVec.
type ChunkMetadata struct {
	Key     chunk.Key
	Size    int64
	Encoder buffer.Encoder
}
