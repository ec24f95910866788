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
	"math"

	"github.com/matrixorigin/chunkpool/pkg/buffer"
	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
	"github.com/matrixorigin/chunkpool/pkg/logutil"
)

func (m *BufferMgr) pages(numBytes int64) int64 {
	return (numBytes + m.opts.PageSize - 1) / m.opts.PageSize
}

// window returns the byte region of a slab-resident segment.
func (m *BufferMgr) window(s *segment) []byte {
	base := s.startPage * m.opts.PageSize
	return m.slabs[s.slabIdx].bytes[base : base+s.numPages*m.opts.PageSize]
}

func (m *BufferMgr) addSlabLocked() {
	m.slabs = append(m.slabs, newSlab(len(m.slabs), m.opts.SlabSize, m.numPagesPerSlab))
	logutil.Debugf("bufmgr: added slab %d, pool backs %d bytes",
		len(m.slabs)-1, int64(len(m.slabs))*m.opts.SlabSize)
}

// findFreeBufferInSlab first-fit scans one slab. On a hit the free segment
// is split: its head becomes the USED allocation, the excess stays FREE
// immediately after. Returns nil when the slab has no fit.
func (m *BufferMgr) findFreeBufferInSlab(slabIdx int, numPages int64) *list.Element {
	sl := m.slabs[slabIdx]
	for e := sl.segs.Front(); e != nil; e = e.Next() {
		s := seg(e)
		if s.status != SegFree || s.numPages < numPages {
			continue
		}
		excess := s.numPages - numPages
		s.numPages = numPages
		s.status = SegUsed
		s.slabIdx = slabIdx
		s.lastTouched.Store(m.nextEpoch())
		if excess > 0 {
			sl.segs.InsertAfter(&segment{
				startPage: s.startPage + numPages,
				numPages:  excess,
				status:    SegFree,
				slabIdx:   slabIdx,
			}, e)
		}
		return e
	}
	return nil
}

// findFreeBufferLocked allocates numBytes worth of pages: first-fit over
// existing slabs, then slab growth, then eviction of the cheapest
// contiguous window. Caller holds sizedSegsMu. On error the segment graph
// is untouched.
func (m *BufferMgr) findFreeBufferLocked(numBytes int64) (*list.Element, error) {
	numPages := m.pages(numBytes)
	if numPages > m.numPagesPerSlab {
		return nil, moerr.NewAllocationTooLarge(numPages, m.numPagesPerSlab)
	}

	for slabIdx := range m.slabs {
		if e := m.findFreeBufferInSlab(slabIdx, numPages); e != nil {
			return e, nil
		}
	}

	if int64(len(m.slabs)) < m.maxNumSlabs {
		m.addSlabLocked()
		// cannot miss: numPages fits a whole slab
		return m.findFreeBufferInSlab(len(m.slabs)-1, numPages), nil
	}

	// Out of growth room: pick the cheapest contiguous eviction window.
	// The score of a window is the sum of lastTouched over its USED
	// segments; FREE pages come along for free, so fewer and older
	// segments win. Lowest score wins, like golf.
	var (
		minScore  uint64 = math.MaxUint64
		bestStart *list.Element
		bestSlab  = -1
	)
	for slabIdx, sl := range m.slabs {
		for e := sl.segs.Front(); e != nil; e = e.Next() {
			var (
				pageCount int64
				score     uint64
				solution  bool
			)
			evictIt := e
			for ; evictIt != nil; evictIt = evictIt.Next() {
				s := seg(evictIt)
				// Pins cannot appear under us: they are only taken
				// while sizedSegsMu is held.
				if s.status == SegUsed && s.buf.PinCount() > 0 {
					break
				}
				pageCount += s.numPages
				if s.status == SegUsed {
					score += s.lastTouched.Load()
				}
				if pageCount >= numPages {
					solution = true
					break
				}
			}
			if solution && score < minScore {
				minScore = score
				bestStart = e
				bestSlab = slabIdx
			} else if evictIt == nil {
				// Ran off the slab without filling the window and
				// without hitting a pin: every later start in this slab
				// covers fewer pages, so the slab is done. A scan ended
				// by a pin still tries the starts behind the pin.
				break
			}
		}
	}
	if bestStart == nil {
		return nil, moerr.NewOutOfMemory(numBytes)
	}
	return m.evictLocked(bestStart, numPages, bestSlab), nil
}

// evictLocked reclaims the window starting at start, unmapping every chunk
// in it, and installs a fresh USED segment of exactly numPages at the
// window's start page. Overshoot from the last erased segment stays FREE
// right after the new segment. Caller holds sizedSegsMu.
func (m *BufferMgr) evictLocked(start *list.Element, numPages int64, slabIdx int) *list.Element {
	sl := m.slabs[slabIdx]
	startPage := seg(start).startPage
	var evicted int64
	e := start
	for evicted < numPages {
		s := seg(e)
		if s.status == SegUsed {
			if s.buf != nil && s.buf.PinCount() > 0 {
				panic(moerr.NewInternalError("evicting pinned chunk %s", s.key))
			}
			if len(s.key) > 0 {
				m.chunkIndexMu.Lock()
				m.chunkIndex.Delete(&indexEntry{key: s.key})
				m.chunkIndexMu.Unlock()
			}
			if s.buf != nil {
				s.buf.ClearSegment()
				s.buf = nil
			}
			logutil.Debugf("bufmgr: evicted chunk %s (%d pages) from slab %d",
				s.key, s.numPages, slabIdx)
		}
		evicted += s.numPages
		next := e.Next()
		sl.segs.Remove(e)
		e = next
	}

	newSeg := &segment{
		startPage: startPage,
		numPages:  numPages,
		status:    SegUsed,
		slabIdx:   slabIdx,
	}
	newSeg.lastTouched.Store(m.nextEpoch())
	var newElem *list.Element
	if e != nil {
		newElem = sl.segs.InsertBefore(newSeg, e)
	} else {
		newElem = sl.segs.PushBack(newSeg)
	}
	if excess := evicted - numPages; excess > 0 {
		if e != nil && seg(e).status == SegFree {
			seg(e).startPage = startPage + numPages
			seg(e).numPages += excess
		} else {
			sl.segs.InsertAfter(&segment{
				startPage: startPage + numPages,
				numPages:  excess,
				status:    SegFree,
				slabIdx:   slabIdx,
			}, newElem)
		}
	}
	return newElem
}

// removeSegmentLocked vacates a segment: placeholders leave the unsized
// sequence, slab residents turn FREE and merge with FREE neighbors. The
// buffer handle, if any, must already be detached. Caller holds
// sizedSegsMu.
func (m *BufferMgr) removeSegmentLocked(e *list.Element) {
	s := seg(e)
	if s.slabIdx < 0 {
		m.unsizedSegsMu.Lock()
		m.unsizedSegs.Remove(e)
		m.unsizedSegsMu.Unlock()
		return
	}
	sl := m.slabs[s.slabIdx]
	if prev := e.Prev(); prev != nil && seg(prev).status == SegFree {
		s.startPage = seg(prev).startPage
		s.numPages += seg(prev).numPages
		sl.segs.Remove(prev)
	}
	if next := e.Next(); next != nil && seg(next).status == SegFree {
		s.numPages += seg(next).numPages
		sl.segs.Remove(next)
	}
	// still part of the slab's partition, so the slab index stays
	s.status = SegFree
	s.buf = nil
	s.key = nil
}

// DeviceID implements buffer.Pool.
func (m *BufferMgr) DeviceID() int {
	return m.opts.DeviceID
}

// ReserveBuffer implements buffer.Pool: grow b's segment to hold numBytes.
// The buffer must be pinned by the caller. Reservations never shrink. A
// slab resident grows in place when its successor is FREE and large
// enough; otherwise the segment migrates to a fresh allocation, the chunk
// bytes move with it, and the chunk index is repointed.
func (m *BufferMgr) ReserveBuffer(b *buffer.Buffer, numBytes int64) error {
	m.sizedSegsMu.Lock()
	e, ok := b.Segment().(*list.Element)
	if !ok || e == nil {
		m.sizedSegsMu.Unlock()
		return moerr.NewWrongBufferKind()
	}
	s := seg(e)
	numPages := m.pages(numBytes)
	if numPages <= s.numPages {
		m.sizedSegsMu.Unlock()
		return nil
	}
	extra := numPages - s.numPages

	if s.slabIdx >= 0 {
		if next := e.Next(); next != nil {
			ns := seg(next)
			if ns.status == SegFree && ns.numPages >= extra {
				s.numPages = numPages
				ns.numPages -= extra
				ns.startPage = s.startPage + s.numPages
				if ns.numPages == 0 {
					m.slabs[s.slabIdx].segs.Remove(next)
				}
				b.SetMemory(m.window(s))
				m.sizedSegsMu.Unlock()
				return nil
			}
		}
	}

	// No room in place: allocate elsewhere and migrate. The old segment
	// cannot be taken by the allocation below, the pinned buffer shields
	// it from eviction.
	newElem, err := m.findFreeBufferLocked(numBytes)
	if err != nil {
		m.sizedSegsMu.Unlock()
		return err
	}
	newSeg := seg(newElem)
	newSeg.buf = b
	newSeg.key = s.key
	oldMem := b.Data()
	b.SetMemory(m.window(newSeg))
	if s.startPage >= 0 && oldMem != nil {
		size := b.Size()
		if err := b.WriteData(oldMem[:size], size, 0, b.Kind(), m.opts.DeviceID); err != nil {
			m.sizedSegsMu.Unlock()
			return err
		}
	}
	m.removeSegmentLocked(e)
	b.SetSegment(newElem)
	m.sizedSegsMu.Unlock()

	if len(newSeg.key) > 0 {
		m.chunkIndexMu.Lock()
		m.chunkIndex.ReplaceOrInsert(&indexEntry{key: newSeg.key, elem: newElem})
		m.chunkIndexMu.Unlock()
	}
	return nil
}
