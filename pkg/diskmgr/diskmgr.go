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

package diskmgr

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pierrec/lz4"

	"github.com/matrixorigin/chunkpool/pkg/bufmgr"
	"github.com/matrixorigin/chunkpool/pkg/buffer"
	"github.com/matrixorigin/chunkpool/pkg/chunk"
	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
	"github.com/matrixorigin/chunkpool/pkg/logutil"
)

// chunk records are a fixed header followed by the lz4-compressed payload
const headerSize = 8 + 4 + 8 // logical size, encoder type, encoder count

// DiskMgr is the bottom buffer tier: chunk payloads live lz4-compressed in
// a pebble database keyed by the order-preserving chunk key encoding. It
// satisfies the same tier surface as BufferMgr, so a memory pool stacks
// directly on top of it.
type DiskMgr struct {
	dir      string
	deviceID int
	db       *pebble.DB
}

var _ bufmgr.Tier = (*DiskMgr)(nil)

func New(dir string, deviceID int) (*DiskMgr, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DiskMgr{dir: dir, deviceID: deviceID, db: db}, nil
}

func encodeRecord(src *buffer.Buffer, size int64) ([]byte, error) {
	var out bytes.Buffer
	var hdr [headerSize]byte
	enc := src.Encoder()
	binary.BigEndian.PutUint64(hdr[0:], uint64(size))
	binary.BigEndian.PutUint32(hdr[8:], uint32(enc.Type))
	binary.BigEndian.PutUint64(hdr[12:], uint64(enc.Count))
	out.Write(hdr[:])
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(src.Data()[:size]); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeRecord(rec []byte) (raw []byte, size int64, enc buffer.Encoder, err error) {
	if len(rec) < headerSize {
		return nil, 0, enc, moerr.NewInternalError("chunk record too short: %d bytes", len(rec))
	}
	size = int64(binary.BigEndian.Uint64(rec[0:]))
	enc.Type = int32(binary.BigEndian.Uint32(rec[8:]))
	enc.Count = int64(binary.BigEndian.Uint64(rec[12:]))
	zr := lz4.NewReader(bytes.NewReader(rec[headerSize:]))
	raw, err = io.ReadAll(zr)
	if err != nil {
		return nil, 0, enc, err
	}
	if int64(len(raw)) != size {
		return nil, 0, enc, moerr.NewInternalError(
			"chunk record decompressed to %d bytes, header says %d", len(raw), size)
	}
	return raw, size, enc, nil
}

// FetchBuffer fills dest with the stored chunk bytes. numBytes of 0, or
// more than the stored size, means the whole chunk.
func (m *DiskMgr) FetchBuffer(key chunk.Key, dest *buffer.Buffer, numBytes int64) error {
	rec, closer, err := m.db.Get(key.Encode())
	if err == pebble.ErrNotFound {
		return moerr.NewChunkNotFound(key)
	}
	if err != nil {
		return err
	}
	raw, size, enc, err := decodeRecord(rec)
	closer.Close()
	if err != nil {
		return err
	}
	chunkSize := numBytes
	if chunkSize == 0 || chunkSize > size {
		chunkSize = size
	}
	if err := dest.Reserve(chunkSize); err != nil {
		return err
	}
	if err := dest.WriteData(raw[:chunkSize], chunkSize, 0, buffer.CpuMemory, m.deviceID); err != nil {
		return err
	}
	if err := dest.SetSize(chunkSize); err != nil {
		return err
	}
	dest.SetEncoder(enc)
	return nil
}

// PutBuffer persists src's first numBytes (its whole logical size when 0).
func (m *DiskMgr) PutBuffer(key chunk.Key, src *buffer.Buffer, numBytes int64) (*buffer.Buffer, error) {
	size := numBytes
	if size == 0 {
		size = src.Size()
	}
	rec, err := encodeRecord(src, size)
	if err != nil {
		return nil, err
	}
	if err := m.db.Set(key.Encode(), rec, nil); err != nil {
		return nil, err
	}
	logutil.Debugf("diskmgr: stored chunk %s, %d bytes (%d on disk)", key, size, len(rec))
	return src, nil
}

func (m *DiskMgr) DeleteBuffer(key chunk.Key, purge bool) error {
	if _, closer, err := m.db.Get(key.Encode()); err == pebble.ErrNotFound {
		return moerr.NewChunkNotFound(key)
	} else if err != nil {
		return err
	} else {
		closer.Close()
	}
	return m.db.Delete(key.Encode(), nil)
}

// DeleteBuffersWithPrefix removes every stored chunk whose key begins
// with prefix. The order-preserving key encoding makes this a bounded
// iterator walk.
func (m *DiskMgr) DeleteBuffersWithPrefix(prefix chunk.Key, purge bool) error {
	lower := prefix.Encode()
	iter := m.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	var doomed [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		doomed = append(doomed, k)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, k := range doomed {
		if err := m.db.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // unbounded
}

func (m *DiskMgr) IsBufferOnDevice(key chunk.Key) bool {
	_, closer, err := m.db.Get(key.Encode())
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// Checkpoint forces pending writes down to stable storage.
func (m *DiskMgr) Checkpoint() error {
	return m.db.Flush()
}

func (m *DiskMgr) Close() error {
	return m.db.Close()
}
