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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/chunkpool/pkg/buffer"
	"github.com/matrixorigin/chunkpool/pkg/chunk"
	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
)

// pool geometry used across the tests: 64-byte pages, 4-page slabs, two
// slabs of budget
func newTestMgr(t *testing.T, parent Tier) *BufferMgr {
	t.Helper()
	m, err := NewBufferMgr(&Options{
		MaxBufferSize: 512,
		SlabSize:      256,
		PageSize:      64,
	}, parent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

// memTier is an in-memory parent tier.
type memTier struct {
	mu        sync.Mutex
	chunks    map[string][]byte
	encs      map[string]buffer.Encoder
	fetches   int
	puts      int
	failFetch bool
}

var _ Tier = (*memTier)(nil)

func newMemTier() *memTier {
	return &memTier{
		chunks: make(map[string][]byte),
		encs:   make(map[string]buffer.Encoder),
	}
}

func (p *memTier) seed(key chunk.Key, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks[string(key.Encode())] = append([]byte(nil), data...)
}

func (p *memTier) FetchBuffer(key chunk.Key, dest *buffer.Buffer, numBytes int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.failFetch {
		return moerr.NewChunkNotFound(key)
	}
	data, ok := p.chunks[string(key.Encode())]
	if !ok {
		return moerr.NewChunkNotFound(key)
	}
	chunkSize := numBytes
	if chunkSize == 0 || chunkSize > int64(len(data)) {
		chunkSize = int64(len(data))
	}
	if err := dest.Reserve(chunkSize); err != nil {
		return err
	}
	if err := dest.WriteData(data[:chunkSize], chunkSize, 0, buffer.CpuMemory, 0); err != nil {
		return err
	}
	if err := dest.SetSize(chunkSize); err != nil {
		return err
	}
	if enc, ok := p.encs[string(key.Encode())]; ok {
		dest.SetEncoder(enc)
	}
	return nil
}

func (p *memTier) PutBuffer(key chunk.Key, src *buffer.Buffer, numBytes int64) (*buffer.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts++
	size := numBytes
	if size == 0 {
		size = src.Size()
	}
	p.chunks[string(key.Encode())] = append([]byte(nil), src.Data()[:size]...)
	p.encs[string(key.Encode())] = src.Encoder()
	return src, nil
}

func residentBuf(m *BufferMgr, key chunk.Key) *buffer.Buffer {
	m.chunkIndexMu.Lock()
	defer m.chunkIndexMu.Unlock()
	item := m.chunkIndex.Get(&indexEntry{key: key})
	if item == nil {
		return nil
	}
	return seg(item.(*indexEntry).elem).buf
}

func TestCreateBuffer(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 128)
	require.NoError(t, err)
	require.Equal(t, int32(1), b.PinCount())
	require.Equal(t, int64(0), b.Size())
	require.Equal(t, int64(128), b.Capacity())
	require.True(t, m.IsBufferOnDevice(chunk.NewKey(1)))
	require.Equal(t, 1, m.GetNumChunks())

	_, err = m.CreateBuffer(chunk.NewKey(1), 0, 64)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrChunkExists))
	checkInvariants(t, m)
}

func TestDeleteBuffer(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 128)
	require.NoError(t, err)
	b.Unpin()
	require.NoError(t, m.DeleteBuffer(chunk.NewKey(1), false))
	require.False(t, m.IsBufferOnDevice(chunk.NewKey(1)))
	require.Zero(t, m.GetNumChunks())

	err = m.DeleteBuffer(chunk.NewKey(1), false)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrChunkNotFound))
	checkInvariants(t, m)
}

func TestGetBufferMissWithoutParent(t *testing.T) {
	m := newTestMgr(t, nil)
	_, err := m.GetBuffer(chunk.NewKey(9), 64)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrChunkNotFound))
}

func TestGetBufferHit(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 128)
	require.NoError(t, err)
	data := payload(128)
	require.NoError(t, b.Write(data, 128, 0, buffer.CpuMemory, 0))
	b.Unpin()

	got, err := m.GetBuffer(chunk.NewKey(1), 128)
	require.NoError(t, err)
	require.Same(t, b, got)
	require.Equal(t, int32(1), got.PinCount())
	out := make([]byte, 128)
	require.NoError(t, got.Read(out, 128, 0, buffer.CpuMemory, 0))
	require.Equal(t, data, out)
	got.Unpin()
}

func TestGetBufferFetchesFromParent(t *testing.T) {
	parent := newMemTier()
	data := payload(100)
	parent.seed(chunk.NewKey(3), data)
	m := newTestMgr(t, parent)

	b, err := m.GetBuffer(chunk.NewKey(3), 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), b.Size())
	out := make([]byte, 100)
	require.NoError(t, b.Read(out, 100, 0, buffer.CpuMemory, 0))
	require.Equal(t, data, out)
	require.Equal(t, 1, parent.fetches)
	require.True(t, m.IsBufferOnDevice(chunk.NewKey(3)))
	b.Unpin()

	// hit: no second fetch
	b2, err := m.GetBuffer(chunk.NewKey(3), 100)
	require.NoError(t, err)
	require.Equal(t, 1, parent.fetches)
	b2.Unpin()
	checkInvariants(t, m)
}

func TestGetBufferFetchFailureRollsBack(t *testing.T) {
	parent := newMemTier()
	parent.failFetch = true
	m := newTestMgr(t, parent)

	_, err := m.GetBuffer(chunk.NewKey(5), 64)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrChunkUnavailable))
	require.False(t, m.IsBufferOnDevice(chunk.NewKey(5)))
	require.Zero(t, m.GetNumChunks())
	checkInvariants(t, m)
}

func TestFetchBufferMissWithoutParent(t *testing.T) {
	m := newTestMgr(t, nil)
	dest := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	err := m.FetchBuffer(chunk.NewKey(9), dest, 0)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrChunkNotFound))
}

func TestFetchBufferAppendSemantics(t *testing.T) {
	m := newTestMgr(t, nil)
	data := payload(128)

	src := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	require.NoError(t, src.Write(data, 128, 0, buffer.CpuMemory, 0))
	_, err := m.PutBuffer(chunk.NewKey(1), src, 0)
	require.NoError(t, err)

	// dest already holds the first half; only the tail should move
	dest := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 128)
	copy(dest.Data(), data[:64])
	require.NoError(t, dest.SetSize(64))
	require.NoError(t, m.FetchBuffer(chunk.NewKey(1), dest, 0))
	require.Equal(t, int64(128), dest.Size())
	require.Equal(t, data, dest.Data()[:128])

	// resident is unpinned again
	require.Equal(t, int32(0), residentBuf(m, chunk.NewKey(1)).PinCount())
}

func TestFetchBufferUpdatedCopiesWhole(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 128)
	require.NoError(t, err)
	data := payload(128)
	require.NoError(t, b.Write(data, 128, 0, buffer.CpuMemory, 0))
	// rewrite inside the existing bytes marks the buffer updated
	require.NoError(t, b.Write([]byte{0xff, 0xee}, 2, 0, buffer.CpuMemory, 0))
	require.True(t, b.IsUpdated())
	b.Unpin()

	dest := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 128)
	copy(dest.Data(), payload(128)) // stale content
	require.NoError(t, dest.SetSize(128))
	require.NoError(t, m.FetchBuffer(chunk.NewKey(1), dest, 0))
	require.Equal(t, []byte{0xff, 0xee}, dest.Data()[:2])
	require.Equal(t, data[2:], dest.Data()[2:128])
}

func TestPutGetRoundTrip(t *testing.T) {
	m := newTestMgr(t, nil)
	data := payload(150)
	src := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	require.NoError(t, src.Write(data, 150, 0, buffer.CpuMemory, 0))
	src.SetEncoder(buffer.Encoder{Type: 2, Count: 75})

	b, err := m.PutBuffer(chunk.NewKey(4), src, 0)
	require.NoError(t, err)
	require.False(t, src.IsDirty())
	require.Equal(t, buffer.Encoder{Type: 2, Count: 75}, b.Encoder())
	require.Equal(t, int32(0), b.PinCount())

	got, err := m.GetBuffer(chunk.NewKey(4), 150)
	require.NoError(t, err)
	out := make([]byte, 150)
	require.NoError(t, got.Read(out, 150, 0, buffer.CpuMemory, 0))
	require.Equal(t, data, out)
	got.Unpin()
	checkInvariants(t, m)
}

func TestPutBufferDirtyInconsistency(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 64)
	require.NoError(t, err)
	require.NoError(t, b.Write(payload(64), 64, 0, buffer.CpuMemory, 0))
	b.Unpin()

	src := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	require.NoError(t, src.Write(payload(64), 64, 0, buffer.CpuMemory, 0))
	_, err = m.PutBuffer(chunk.NewKey(1), src, 0)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInconsistency))
}

func TestPutBufferAppendsTail(t *testing.T) {
	parent := newMemTier()
	m := newTestMgr(t, parent)
	data := payload(128)

	src := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	require.NoError(t, src.Write(data[:64], 64, 0, buffer.CpuMemory, 0))
	_, err := m.PutBuffer(chunk.NewKey(1), src, 0)
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint()) // clears resident dirty bits

	src2 := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
	require.NoError(t, src2.Write(data, 128, 0, buffer.CpuMemory, 0))
	require.True(t, src2.IsAppended())
	b, err := m.PutBuffer(chunk.NewKey(1), src2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(128), b.Size())
	require.Equal(t, data, b.Data()[:128])
	checkInvariants(t, m)
}

func TestCheckpointFlushesDirtyOnce(t *testing.T) {
	parent := newMemTier()
	m := newTestMgr(t, parent)

	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 64)
	require.NoError(t, err)
	require.NoError(t, b.Write(payload(64), 64, 0, buffer.CpuMemory, 0))
	b.Unpin()

	// anonymous scratch chunks never flush
	scratch, err := m.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, scratch.Write(payload(64), 64, 0, buffer.CpuMemory, 0))

	require.NoError(t, m.Checkpoint())
	require.Equal(t, 1, parent.puts)
	require.False(t, b.IsDirty())

	// idempotent over the dirty set
	require.NoError(t, m.Checkpoint())
	require.Equal(t, 1, parent.puts)

	require.NoError(t, b.Write([]byte{1}, 1, 0, buffer.CpuMemory, 0))
	require.NoError(t, m.Checkpoint())
	require.Equal(t, 2, parent.puts)
}

func TestCheckpointWithoutParent(t *testing.T) {
	m := newTestMgr(t, nil)
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 64)
	require.NoError(t, err)
	require.NoError(t, b.Write(payload(64), 64, 0, buffer.CpuMemory, 0))
	b.Unpin()
	require.NoError(t, m.Checkpoint())
	require.True(t, b.IsDirty())
}

func TestDeleteBuffersWithPrefix(t *testing.T) {
	m := newTestMgr(t, nil)
	for _, key := range []chunk.Key{
		chunk.NewKey(7, 1), chunk.NewKey(7, 2), chunk.NewKey(8, 1),
	} {
		b, err := m.CreateBuffer(key, 0, 64)
		require.NoError(t, err)
		b.Unpin()
	}
	require.NoError(t, m.DeleteBuffersWithPrefix(chunk.NewKey(7), false))
	require.False(t, m.IsBufferOnDevice(chunk.NewKey(7, 1)))
	require.False(t, m.IsBufferOnDevice(chunk.NewKey(7, 2)))
	require.True(t, m.IsBufferOnDevice(chunk.NewKey(8, 1)))
	require.Equal(t, 1, m.GetNumChunks())
	checkInvariants(t, m)

	// no matches is a no-op
	require.NoError(t, m.DeleteBuffersWithPrefix(chunk.NewKey(42), false))
	require.Equal(t, 1, m.GetNumChunks())
}

func TestAllocFree(t *testing.T) {
	m := newTestMgr(t, nil)
	a, err := m.Alloc(100)
	require.NoError(t, err)
	b, err := m.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, 2, m.GetNumChunks())

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	require.Zero(t, m.GetNumChunks())
	checkInvariants(t, m)
}

func TestFreeWrongBufferKind(t *testing.T) {
	m := newTestMgr(t, nil)
	foreign := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 64)
	err := m.Free(foreign)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrWrongBufferKind))
}

func TestChunkMetadataUnsupported(t *testing.T) {
	m := newTestMgr(t, nil)
	_, err := m.GetChunkMetadataVec()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrUnsupported))
	_, err = m.GetChunkMetadataVecForKeyPrefix(chunk.NewKey(1))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrUnsupported))
}

func TestConcurrentOps(t *testing.T) {
	parent := newMemTier()
	m, err := NewBufferMgr(&Options{
		MaxBufferSize: 1 << 20,
		SlabSize:      4096,
		PageSize:      64,
	}, parent)
	require.NoError(t, err)
	defer m.Close()

	const workers = 4
	var wg sync.WaitGroup
	for g := int64(0); g < workers; g++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := chunk.NewKey(g, int64(i%8))
				data := payload(64 + i%128)
				src := buffer.NewStandalone(buffer.CpuMemory, 0, 64, 0)
				if err := src.Write(data, int64(len(data)), 0, buffer.CpuMemory, 0); err != nil {
					t.Error(err)
					return
				}
				if _, err := m.PutBuffer(key, src, 0); err != nil &&
					!moerr.IsMoErrCode(err, moerr.ErrInconsistency) {
					t.Error(err)
					return
				}
				if b, err := m.GetBuffer(key, 0); err == nil {
					b.Unpin()
				}
				if i%10 == 9 {
					_ = m.DeleteBuffer(key, false)
				}
				if scratch, err := m.Alloc(128); err == nil {
					if err := m.Free(scratch); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(g)
	}
	wg.Wait()
	checkInvariants(t, m)
}

func TestClear(t *testing.T) {
	m := newTestMgr(t, nil)
	for i := int64(1); i <= 3; i++ {
		b, err := m.CreateBuffer(chunk.NewKey(i), 0, 128)
		require.NoError(t, err)
		b.Unpin()
	}
	require.Equal(t, int64(512), m.Size())

	m.Clear()
	require.Zero(t, m.GetNumChunks())
	require.Zero(t, m.Size())
	require.Zero(t, m.bufferEpoch.Load())

	// the pool is usable again after a clear
	b, err := m.CreateBuffer(chunk.NewKey(1), 0, 64)
	require.NoError(t, err)
	b.Unpin()
	require.Equal(t, int64(256), m.Size())
	checkInvariants(t, m)
}
