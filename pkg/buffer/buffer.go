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

package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
)

// Buffer is the per-chunk byte container handed out by a buffer manager.
//
// A pool-backed Buffer views a window of slab memory owned by its pool; the
// pool rebases the window on migration and is the only mutator of the
// segment back-reference. A standalone Buffer (nil pool) owns its memory
// and is used as a transfer target by Fetch and by lower tiers.
//
// The pin count is atomic: pins are taken under the pool's segment lock so
// a pinned buffer cannot be concurrently evicted, unpins are lock-free.
type Buffer struct {
	pool     Pool
	seg      any
	kind     MemoryKind
	deviceID int
	pageSize int64

	mem  []byte
	size atomic.Int64
	pins atomic.Int32

	mu         sync.Mutex
	dirty      bool
	updated    bool
	appended   bool
	dirtyPages *roaring.Bitmap
	encoder    Encoder
}

// New returns an unallocated pool-backed buffer. The buffer is born
// pinned; the creator releases it with Unpin. Memory is attached by the
// pool through the first Reserve.
func New(pool Pool, kind MemoryKind, pageSize int64) *Buffer {
	b := &Buffer{
		pool:       pool,
		kind:       kind,
		deviceID:   pool.DeviceID(),
		pageSize:   pageSize,
		dirtyPages: roaring.New(),
	}
	b.pins.Store(1)
	return b
}

// NewStandalone returns a self-owned buffer of the given capacity, used as
// a source or destination for transfers. It is not pinned.
func NewStandalone(kind MemoryKind, deviceID int, pageSize, capacity int64) *Buffer {
	return &Buffer{
		kind:       kind,
		deviceID:   deviceID,
		pageSize:   pageSize,
		mem:        make([]byte, capacity),
		dirtyPages: roaring.New(),
	}
}

func (b *Buffer) Pin() int32 {
	return b.pins.Add(1)
}

func (b *Buffer) Unpin() int32 {
	n := b.pins.Add(-1)
	if n < 0 {
		panic(moerr.NewInternalError("unpin of unpinned buffer"))
	}
	return n
}

func (b *Buffer) PinCount() int32 {
	return b.pins.Load()
}

func (b *Buffer) Size() int64 {
	return b.size.Load()
}

// SetSize declares the logical byte count. The capacity must already
// cover it; use Reserve to grow.
func (b *Buffer) SetSize(numBytes int64) error {
	if numBytes > b.Capacity() {
		return moerr.NewInternalError("set size %d beyond capacity %d", numBytes, b.Capacity())
	}
	b.size.Store(numBytes)
	return nil
}

// Capacity is the page-rounded byte count backing the buffer.
func (b *Buffer) Capacity() int64 {
	return int64(len(b.mem))
}

// Data exposes the backing window. Valid while the buffer is pinned.
func (b *Buffer) Data() []byte {
	return b.mem
}

// SetMemory rebases the backing window. Pool use only: called during
// placeholder allocation, in-place growth and migration with the pool's
// segment lock held.
func (b *Buffer) SetMemory(mem []byte) {
	b.mem = mem
}

// Segment returns the opaque back-reference to the owning segment, or nil
// for standalone buffers.
func (b *Buffer) Segment() any {
	return b.seg
}

// SetSegment installs the owning segment back-reference. Pool use only.
func (b *Buffer) SetSegment(seg any) {
	b.seg = seg
}

// ClearSegment drops the back-reference when ownership ends.
func (b *Buffer) ClearSegment() {
	b.seg = nil
}

func (b *Buffer) Kind() MemoryKind {
	return b.kind
}

func (b *Buffer) DeviceID() int {
	return b.deviceID
}

func (b *Buffer) PageSize() int64 {
	return b.pageSize
}

// Reserve grows the backing capacity to at least numBytes. It never
// shrinks. Pool-backed buffers reserve through the pool, which may grow
// the segment in place or migrate it to another slab.
func (b *Buffer) Reserve(numBytes int64) error {
	if b.pool != nil {
		return b.pool.ReserveBuffer(b, numBytes)
	}
	if numBytes <= int64(len(b.mem)) {
		return nil
	}
	capacity := numBytes
	if b.pageSize > 0 {
		numPages := (numBytes + b.pageSize - 1) / b.pageSize
		capacity = numPages * b.pageSize
	}
	mem := make([]byte, capacity)
	copy(mem, b.mem[:b.Size()])
	b.mem = mem
	return nil
}

// Read copies numBytes starting at offset into dst, which lives in
// dstKind memory on dstDeviceID.
func (b *Buffer) Read(dst []byte, numBytes, offset int64, dstKind MemoryKind, dstDeviceID int) error {
	if offset+numBytes > b.Capacity() {
		return moerr.NewInternalError("read of %d bytes at offset %d beyond capacity %d",
			numBytes, offset, b.Capacity())
	}
	return transfer(dst[:numBytes], b.mem[offset:offset+numBytes], dstKind, b.kind)
}

// WriteData is the raw device transfer into the buffer: no reservation, no
// flag or size bookkeeping. Migration uses it to move chunk bytes between
// slabs without marking the chunk dirty.
func (b *Buffer) WriteData(src []byte, numBytes, offset int64, srcKind MemoryKind, srcDeviceID int) error {
	if offset+numBytes > b.Capacity() {
		return moerr.NewInternalError("write of %d bytes at offset %d beyond capacity %d",
			numBytes, offset, b.Capacity())
	}
	return transfer(b.mem[offset:offset+numBytes], src[:numBytes], b.kind, srcKind)
}

// Write stores numBytes at offset, reserving as needed, and marks the
// buffer dirty. A write landing below the current size also marks it
// updated, which makes readers re-copy from offset zero; a write growing
// past the current size marks it appended.
func (b *Buffer) Write(src []byte, numBytes, offset int64, srcKind MemoryKind, srcDeviceID int) error {
	if err := b.Reserve(offset + numBytes); err != nil {
		return err
	}
	if err := b.WriteData(src, numBytes, offset, srcKind, srcDeviceID); err != nil {
		return err
	}
	b.mu.Lock()
	b.dirty = true
	if offset < b.Size() {
		b.updated = true
	}
	if offset+numBytes > b.Size() {
		b.appended = true
	}
	b.markDirtyPagesLocked(offset, numBytes)
	b.mu.Unlock()
	if offset+numBytes > b.Size() {
		b.size.Store(offset + numBytes)
	}
	return nil
}

// Append stores numBytes at the current end and marks the buffer dirty and
// appended.
func (b *Buffer) Append(src []byte, numBytes int64, srcKind MemoryKind, srcDeviceID int) error {
	offset := b.Size()
	if err := b.Reserve(offset + numBytes); err != nil {
		return err
	}
	if err := b.WriteData(src, numBytes, offset, srcKind, srcDeviceID); err != nil {
		return err
	}
	b.mu.Lock()
	b.dirty = true
	b.appended = true
	b.markDirtyPagesLocked(offset, numBytes)
	b.mu.Unlock()
	b.size.Store(offset + numBytes)
	return nil
}

func (b *Buffer) markDirtyPagesLocked(offset, numBytes int64) {
	if numBytes <= 0 || b.pageSize <= 0 {
		return
	}
	first := offset / b.pageSize
	last := (offset + numBytes + b.pageSize - 1) / b.pageSize
	b.dirtyPages.AddRange(uint64(first), uint64(last))
}

func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Buffer) IsUpdated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

func (b *Buffer) IsAppended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}

// ClearDirtyBits resets the dirty, updated and appended flags and forgets
// the dirty page set. Called after a successful flush to the parent tier.
func (b *Buffer) ClearDirtyBits() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = false
	b.updated = false
	b.appended = false
	b.dirtyPages.Clear()
}

// NumDirtyPages reports how many chunk pages have been written since the
// last flush.
func (b *Buffer) NumDirtyPages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtyPages.GetCardinality()
}

// DirtyPages returns the written page numbers since the last flush, in
// ascending order.
func (b *Buffer) DirtyPages() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtyPages.ToArray()
}

func (b *Buffer) Encoder() Encoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encoder
}

func (b *Buffer) SetEncoder(e Encoder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoder = e
}

// SyncEncoder copies the encoder descriptor from src.
func (b *Buffer) SyncEncoder(src *Buffer) {
	b.SetEncoder(src.Encoder())
}
