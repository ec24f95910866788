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
	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/chunkpool/pkg/common/moerr"
)

const (
	DefaultPageSize      = int64(4096)
	DefaultSlabSize      = int64(4 << 20)
	DefaultMaxBufferSize = int64(1 << 30)
	DefaultFlushWorkers  = 4
)

// Options configures a BufferMgr.
type Options struct {
	// DeviceID is passed through to buffer transfers.
	DeviceID int `toml:"device-id"`
	// MaxBufferSize is the total byte budget across all slabs.
	MaxBufferSize int64 `toml:"max-buffer-size"`
	// SlabSize is the byte size of each slab, a multiple of PageSize.
	SlabSize int64 `toml:"slab-size"`
	// PageSize is the allocation granularity.
	PageSize int64 `toml:"page-size"`
	// FlushWorkers sizes the checkpoint flush pool.
	FlushWorkers int `toml:"flush-workers"`
}

func (o *Options) FillDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.SlabSize == 0 {
		o.SlabSize = DefaultSlabSize
	}
	if o.MaxBufferSize == 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.FlushWorkers == 0 {
		o.FlushWorkers = DefaultFlushWorkers
	}
	return o
}

func (o *Options) Validate() error {
	if o.PageSize <= 0 {
		return moerr.NewBadConfig("page-size must be positive, got %d", o.PageSize)
	}
	if o.SlabSize <= 0 {
		return moerr.NewBadConfig("slab-size must be positive, got %d", o.SlabSize)
	}
	if o.SlabSize%o.PageSize != 0 {
		return moerr.NewBadConfig("slab-size %d is not a multiple of page-size %d",
			o.SlabSize, o.PageSize)
	}
	if o.MaxBufferSize < o.SlabSize {
		return moerr.NewBadConfig("max-buffer-size %d is smaller than slab-size %d",
			o.MaxBufferSize, o.SlabSize)
	}
	if o.FlushWorkers < 0 {
		return moerr.NewBadConfig("flush-workers must not be negative, got %d", o.FlushWorkers)
	}
	return nil
}

// DecodeOptions reads Options from a toml file.
func DecodeOptions(path string) (*Options, error) {
	o := &Options{}
	if _, err := toml.DecodeFile(path, o); err != nil {
		return nil, err
	}
	return o.FillDefaults(), nil
}
