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
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/chunkpool/pkg/buffer"
	"github.com/matrixorigin/chunkpool/pkg/chunk"
	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
	"github.com/matrixorigin/chunkpool/pkg/logutil"
)

const chunkIndexDegree = 32

// BufferMgr holds chunks in a bounded region of preallocated slab memory.
// Reads hit the pool or fetch through the parent tier, writes flush back
// on Checkpoint, and pressure is relieved by evicting the cheapest
// contiguous run of unpinned segments.
//
// Lock order, top to bottom: sizedSegsMu, chunkIndexMu, unsizedSegsMu.
// bufferIDMu is independent and never held together with the others.
type BufferMgr struct {
	opts   *Options
	parent Tier

	numPagesPerSlab int64
	maxNumSlabs     int64

	sizedSegsMu sync.Mutex
	slabs       []*slab

	chunkIndexMu sync.Mutex
	chunkIndex   *btree.BTree

	unsizedSegsMu sync.Mutex
	unsizedSegs   *list.List

	bufferIDMu   sync.Mutex
	nextBufferID int64

	bufferEpoch atomic.Uint64
	flushPool   *ants.Pool
}

var _ Tier = (*BufferMgr)(nil)
var _ buffer.Pool = (*BufferMgr)(nil)

// NewBufferMgr builds a pool over maxBufferSize bytes of slab memory.
// parent may be nil, in which case misses fail instead of fetching
// through.
func NewBufferMgr(opts *Options, parent Tier) (*BufferMgr, error) {
	opts = opts.FillDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &BufferMgr{
		opts:            opts,
		parent:          parent,
		numPagesPerSlab: opts.SlabSize / opts.PageSize,
		maxNumSlabs:     opts.MaxBufferSize / opts.SlabSize,
		chunkIndex:      btree.New(chunkIndexDegree),
		unsizedSegs:     list.New(),
	}
	if opts.FlushWorkers > 0 {
		pool, err := ants.NewPool(opts.FlushWorkers, ants.WithPanicHandler(func(v interface{}) {
			logutil.Errorf("bufmgr: checkpoint worker panic: %v", v)
		}))
		if err != nil {
			return nil, err
		}
		m.flushPool = pool
	}
	return m, nil
}

func (m *BufferMgr) nextEpoch() uint64 {
	return m.bufferEpoch.Add(1) - 1
}

func (m *BufferMgr) getBufferID() int64 {
	m.bufferIDMu.Lock()
	defer m.bufferIDMu.Unlock()
	id := m.nextBufferID
	m.nextBufferID++
	return id
}

// CreateBuffer registers key with a fresh buffer of initialSize bytes and
// returns it pinned. chunkPageSize of 0 means the pool page size. Fails
// with ChunkExists when the key is already present.
func (m *BufferMgr) CreateBuffer(key chunk.Key, chunkPageSize, initialSize int64) (*buffer.Buffer, error) {
	if chunkPageSize == 0 {
		chunkPageSize = m.opts.PageSize
	}

	m.chunkIndexMu.Lock()
	if m.chunkIndex.Get(&indexEntry{key: key}) != nil {
		m.chunkIndexMu.Unlock()
		return nil, moerr.NewChunkExists(key)
	}
	s := &segment{
		startPage: -1,
		numPages:  0,
		status:    SegUsed,
		slabIdx:   -1,
		key:       key.Clone(),
	}
	m.unsizedSegsMu.Lock()
	elem := m.unsizedSegs.PushBack(s)
	m.unsizedSegsMu.Unlock()
	m.chunkIndex.ReplaceOrInsert(&indexEntry{key: s.key, elem: elem})
	m.chunkIndexMu.Unlock()

	// Safe outside the locks: the buffer is born pinned and its segment
	// is still unsized, so it cannot be evicted before the reservation
	// lands it in a slab.
	b := buffer.New(m, buffer.CpuMemory, chunkPageSize)
	s.buf = b
	b.SetSegment(elem)
	if err := b.Reserve(initialSize); err != nil {
		cur := b.Segment().(*list.Element)
		m.sizedSegsMu.Lock()
		m.chunkIndexMu.Lock()
		m.chunkIndex.Delete(&indexEntry{key: key})
		m.chunkIndexMu.Unlock()
		seg(cur).buf = nil
		b.ClearSegment()
		m.removeSegmentLocked(cur)
		m.sizedSegsMu.Unlock()
		return nil, err
	}
	return b, nil
}

// GetBuffer returns the chunk's resident buffer pinned, fetching or
// extending through the parent on a miss or a short resident copy.
func (m *BufferMgr) GetBuffer(key chunk.Key, numBytes int64) (*buffer.Buffer, error) {
	m.sizedSegsMu.Lock()
	m.chunkIndexMu.Lock()
	item := m.chunkIndex.Get(&indexEntry{key: key})
	m.chunkIndexMu.Unlock()
	if item != nil {
		s := seg(item.(*indexEntry).elem)
		b := s.buf
		b.Pin()
		m.sizedSegsMu.Unlock()
		s.lastTouched.Store(m.nextEpoch())
		if b.Size() < numBytes && m.parent != nil {
			if err := m.parent.FetchBuffer(key, b, numBytes); err != nil {
				b.Unpin()
				return nil, moerr.NewChunkUnavailable(key)
			}
		}
		return b, nil
	}
	m.sizedSegsMu.Unlock()

	if m.parent == nil {
		return nil, moerr.NewChunkNotFound(key)
	}
	b, err := m.CreateBuffer(key, m.opts.PageSize, numBytes)
	if err != nil {
		return nil, err
	}
	if err := m.parent.FetchBuffer(key, b, numBytes); err != nil {
		logutil.Debugf("bufmgr: fetch of chunk %s failed, rolling back: %v\n%s",
			key, err, m.PPString(PPL1))
		b.Unpin()
		_ = m.DeleteBuffer(key, false)
		return nil, moerr.NewChunkUnavailable(key)
	}
	return b, nil
}

// FetchBuffer copies the chunk's bytes into the caller-supplied dest
// instead of handing out the resident buffer; the resident is unpinned
// before returning. A buffer marked updated is copied whole, otherwise
// only the tail beyond dest's current size moves (append semantics).
func (m *BufferMgr) FetchBuffer(key chunk.Key, dest *buffer.Buffer, numBytes int64) error {
	m.sizedSegsMu.Lock()
	m.chunkIndexMu.Lock()
	item := m.chunkIndex.Get(&indexEntry{key: key})
	m.chunkIndexMu.Unlock()

	var b *buffer.Buffer
	if item == nil {
		m.sizedSegsMu.Unlock()
		if m.parent == nil {
			return moerr.NewChunkNotFound(key)
		}
		var err error
		b, err = m.CreateBuffer(key, m.opts.PageSize, numBytes)
		if err != nil {
			return err
		}
		if err = m.parent.FetchBuffer(key, b, numBytes); err != nil {
			b.Unpin()
			_ = m.DeleteBuffer(key, false)
			return moerr.NewChunkUnavailable(key)
		}
	} else {
		s := seg(item.(*indexEntry).elem)
		b = s.buf
		b.Pin()
		m.sizedSegsMu.Unlock()
		s.lastTouched.Store(m.nextEpoch())
	}

	chunkSize := numBytes
	if chunkSize == 0 {
		chunkSize = b.Size()
	}
	if err := dest.Reserve(chunkSize); err != nil {
		b.Unpin()
		return err
	}
	var err error
	if b.IsUpdated() {
		err = b.Read(dest.Data()[:chunkSize], chunkSize, 0, dest.Kind(), dest.DeviceID())
	} else if destSize := dest.Size(); destSize < chunkSize {
		err = b.Read(dest.Data()[destSize:chunkSize], chunkSize-destSize, destSize,
			dest.Kind(), dest.DeviceID())
	}
	if err != nil {
		b.Unpin()
		return err
	}
	if err := dest.SetSize(chunkSize); err != nil {
		b.Unpin()
		return err
	}
	dest.SyncEncoder(b)
	b.Unpin()
	return nil
}

// PutBuffer stores src's bytes into the chunk's resident buffer, creating
// the chunk when missing. An updated src overwrites from offset zero, an
// appended src adds only its tail. src's dirty flags are cleared and its
// encoder copied over. The returned resident buffer is not pinned for the
// caller.
func (m *BufferMgr) PutBuffer(key chunk.Key, src *buffer.Buffer, numBytes int64) (*buffer.Buffer, error) {
	m.sizedSegsMu.Lock()
	m.chunkIndexMu.Lock()
	item := m.chunkIndex.Get(&indexEntry{key: key})
	m.chunkIndexMu.Unlock()

	var (
		b       *buffer.Buffer
		created bool
	)
	if item == nil {
		m.sizedSegsMu.Unlock()
		var err error
		b, err = m.CreateBuffer(key, m.opts.PageSize, 0)
		if err != nil {
			return nil, err
		}
		created = true
	} else {
		b = seg(item.(*indexEntry).elem).buf
		// pin under the segment lock so a concurrent allocation cannot
		// evict the resident, and hold it across the write so the
		// reservation the write triggers cannot pick the segment as part
		// of its own eviction window
		b.Pin()
		m.sizedSegsMu.Unlock()
	}
	defer b.Unpin()

	oldSize := b.Size()
	newSize := numBytes
	if newSize == 0 {
		newSize = src.Size()
	}
	if b.IsDirty() {
		return nil, moerr.NewInconsistency(key)
	}

	switch {
	case src.IsUpdated():
		if err := b.Write(src.Data()[:newSize], newSize, 0, src.Kind(), src.DeviceID()); err != nil {
			if created {
				_ = m.DeleteBuffer(key, false)
			}
			return nil, err
		}
	case src.IsAppended():
		if oldSize >= newSize {
			return nil, moerr.NewInternalError(
				"append put of chunk %s does not grow it: old size %d, new size %d",
				key, oldSize, newSize)
		}
		if err := b.Append(src.Data()[oldSize:newSize], newSize-oldSize, src.Kind(), src.DeviceID()); err != nil {
			if created {
				_ = m.DeleteBuffer(key, false)
			}
			return nil, err
		}
	}
	src.ClearDirtyBits()
	b.SyncEncoder(src)
	return b, nil
}

// DeleteBuffer drops the chunk: index entry gone, buffer destroyed,
// segment freed with neighbor coalescing. The purge flag is accepted for
// interface compatibility and deliberately ignored; whether a delete
// should also purge the parent tier is not decidable at this layer.
func (m *BufferMgr) DeleteBuffer(key chunk.Key, purge bool) error {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	m.chunkIndexMu.Lock()
	item := m.chunkIndex.Delete(&indexEntry{key: key})
	m.chunkIndexMu.Unlock()
	if item == nil {
		return moerr.NewChunkNotFound(key)
	}
	elem := item.(*indexEntry).elem
	s := seg(elem)
	if s.buf != nil {
		s.buf.ClearSegment()
		s.buf = nil
	}
	m.removeSegmentLocked(elem)
	return nil
}

// DeleteBuffersWithPrefix deletes every chunk whose key has prefix as a
// leading subsequence. purge is ignored, as in DeleteBuffer.
func (m *BufferMgr) DeleteBuffersWithPrefix(prefix chunk.Key, purge bool) error {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()

	var doomed []*indexEntry
	m.chunkIndex.AscendGreaterOrEqual(&indexEntry{key: prefix}, func(item btree.Item) bool {
		e := item.(*indexEntry)
		if !e.key.HasPrefix(prefix) {
			return false
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		s := seg(e.elem)
		if s.buf != nil {
			s.buf.ClearSegment()
			s.buf = nil
		}
		m.removeSegmentLocked(e.elem)
		m.chunkIndex.Delete(e)
	}
	return nil
}

// Checkpoint flushes every dirty named chunk to the parent and clears its
// dirty bits. Anonymous scratch chunks never flush. Flushes fan out over
// the worker pool; completion is awaited, so a second Checkpoint over an
// unchanged dirty set performs no parent writes.
func (m *BufferMgr) Checkpoint() error {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()

	if m.parent == nil {
		return nil
	}
	type flushItem struct {
		key chunk.Key
		buf *buffer.Buffer
	}
	var dirty []flushItem
	m.chunkIndex.Ascend(func(item btree.Item) bool {
		e := item.(*indexEntry)
		s := seg(e.elem)
		if s.key.IsAnonymous() || s.buf == nil || !s.buf.IsDirty() {
			return true
		}
		dirty = append(dirty, flushItem{key: s.key, buf: s.buf})
		return true
	})
	if len(dirty) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := range dirty {
		it := dirty[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if _, err := m.parent.PutBuffer(it.key, it.buf, 0); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			it.buf.ClearDirtyBits()
		}
		if m.flushPool == nil || m.flushPool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()
	logutil.Debugf("bufmgr: checkpoint flushed %d dirty chunks", len(dirty))
	return firstErr
}

// Alloc creates an anonymous scratch buffer of numBytes. Scratch chunks
// are keyed {-1, id} and excluded from Checkpoint.
func (m *BufferMgr) Alloc(numBytes int64) (*buffer.Buffer, error) {
	key := chunk.NewAnonymousKey(m.getBufferID())
	return m.CreateBuffer(key, m.opts.PageSize, numBytes)
}

// Free releases a buffer obtained from Alloc (or any buffer this manager
// owns) by deleting its chunk. Fails with WrongBufferKind for buffers this
// manager did not produce.
func (m *BufferMgr) Free(b *buffer.Buffer) error {
	m.sizedSegsMu.Lock()
	elem, ok := b.Segment().(*list.Element)
	if !ok || elem == nil || seg(elem).buf != b {
		m.sizedSegsMu.Unlock()
		return moerr.NewWrongBufferKind()
	}
	key := seg(elem).key.Clone()
	// a segment of another manager is not what this index maps its key to
	m.chunkIndexMu.Lock()
	item := m.chunkIndex.Get(&indexEntry{key: key})
	m.chunkIndexMu.Unlock()
	m.sizedSegsMu.Unlock()
	if item == nil || item.(*indexEntry).elem != elem {
		return moerr.NewWrongBufferKind()
	}
	return m.DeleteBuffer(key, false)
}

// IsBufferOnDevice reports residency without side effects.
func (m *BufferMgr) IsBufferOnDevice(key chunk.Key) bool {
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()
	return m.chunkIndex.Get(&indexEntry{key: key}) != nil
}

// Size is the total byte count currently backed by slabs.
func (m *BufferMgr) Size() int64 {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	return int64(len(m.slabs)) * m.opts.SlabSize
}

// GetNumChunks is the chunk index size.
func (m *BufferMgr) GetNumChunks() int {
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()
	return m.chunkIndex.Len()
}

// GetChunkMetadataVec is not implemented by this tier.
func (m *BufferMgr) GetChunkMetadataVec() ([]ChunkMetadata, error) {
	return nil, moerr.NewUnsupported("chunk metadata enumeration")
}

// GetChunkMetadataVecForKeyPrefix is not implemented by this tier.
func (m *BufferMgr) GetChunkMetadataVecForKeyPrefix(prefix chunk.Key) ([]ChunkMetadata, error) {
	return nil, moerr.NewUnsupported("chunk metadata enumeration")
}

// Clear drops every buffer and empties all structures. Slab memory is
// released and the epoch restarts at zero.
func (m *BufferMgr) Clear() {
	m.sizedSegsMu.Lock()
	defer m.sizedSegsMu.Unlock()
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()
	m.unsizedSegsMu.Lock()
	defer m.unsizedSegsMu.Unlock()

	m.chunkIndex.Ascend(func(item btree.Item) bool {
		s := seg(item.(*indexEntry).elem)
		if s.buf != nil {
			s.buf.ClearSegment()
			s.buf = nil
		}
		return true
	})
	m.chunkIndex = btree.New(chunkIndexDegree)
	m.slabs = nil
	m.unsizedSegs.Init()
	m.bufferEpoch.Store(0)
}

// Close clears the pool and releases the flush workers.
func (m *BufferMgr) Close() error {
	m.Clear()
	if m.flushPool != nil {
		m.flushPool.Release()
	}
	return nil
}
