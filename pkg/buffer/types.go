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
	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
)

// MemoryKind tells a transfer primitive what kind of memory a byte region
// lives in. Only CpuMemory transfers are implemented in this module.
type MemoryKind int32

const (
	CpuMemory MemoryKind = iota
	GpuMemory
)

func (k MemoryKind) String() string {
	switch k {
	case CpuMemory:
		return "CPU"
	case GpuMemory:
		return "GPU"
	}
	return "UNKNOWN"
}

// Encoder describes how the bytes of a chunk are encoded. The buffer pool
// never interprets it; it is carried alongside the bytes and synchronized
// between buffers on fetch and put.
type Encoder struct {
	Type  int32
	Count int64
}

// Pool is the slice of a buffer manager a Buffer needs: page-granular
// backing reservation for slab-backed buffers.
type Pool interface {
	ReserveBuffer(b *Buffer, numBytes int64) error
	DeviceID() int
}

// transfer moves bytes between two memory regions of the given kinds.
// Device ids are accepted for symmetry with multi-device deployments; the
// CPU path ignores them.
func transfer(dst, src []byte, dstKind, srcKind MemoryKind) error {
	if dstKind != CpuMemory || srcKind != CpuMemory {
		return moerr.NewUnsupported("%s to %s memory transfer", srcKind, dstKind)
	}
	copy(dst, src)
	return nil
}
