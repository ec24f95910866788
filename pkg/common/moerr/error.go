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

package moerr

import (
	"errors"
	"fmt"
)

const (
	// 0 is OK, not an error.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart       uint16 = 20100
	ErrInternal    uint16 = 20101
	ErrUnsupported uint16 = 20102
	ErrOutOfMemory uint16 = 20103
	ErrBadConfig   uint16 = 20104

	// Group 2: chunk and buffer errors
	ErrChunkExists        uint16 = 20600
	ErrChunkNotFound      uint16 = 20601
	ErrChunkUnavailable   uint16 = 20602
	ErrAllocationTooLarge uint16 = 20603
	ErrInconsistency      uint16 = 20604
	ErrWrongBufferKind    uint16 = 20605

	ErrEnd uint16 = 65535
)

type moErrorMsgItem struct {
	errorMsgOrFormat string
	numArgs          int
}

var errorMsgRefer = map[uint16]moErrorMsgItem{
	ErrInternal:    {"internal error: %s", 1},
	ErrUnsupported: {"%s is not supported", 1},
	ErrOutOfMemory: {"out of memory: cannot free %d bytes by eviction", 1},
	ErrBadConfig:   {"invalid configuration: %s", 1},

	ErrChunkExists:        {"chunk %s already exists", 1},
	ErrChunkNotFound:      {"chunk %s not found", 1},
	ErrChunkUnavailable:   {"chunk %s not found in buffer pool or parent pools", 1},
	ErrAllocationTooLarge: {"requested allocation of %d pages exceeds slab capacity of %d pages", 2},
	ErrInconsistency:      {"chunk %s inconsistency: target buffer is dirty", 1},
	ErrWrongBufferKind:    {"wrong buffer kind: buffer was not produced by this manager", 0},
}

// Error is the coded error type used across the module. Codes are stable,
// messages are rendered from the item table at construction time.
type Error struct {
	code    uint16
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

func (e *Error) Succeeded() bool {
	return e.code < ErrStart
}

func newError(code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Errorf("not exist MOErrorCode: %d", code))
	}
	if item.numArgs == 0 {
		return &Error{code: code, message: item.errorMsgOrFormat}
	}
	return &Error{code: code, message: fmt.Sprintf(item.errorMsgOrFormat, args...)}
}

// IsMoErrCode reports whether err is a moerr with the given code.
func IsMoErrCode(err error, code uint16) bool {
	if err == nil {
		return code == Ok
	}
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.code == code
}

func NewInternalError(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewUnsupported(what string, args ...any) *Error {
	return newError(ErrUnsupported, fmt.Sprintf(what, args...))
}

func NewOutOfMemory(numBytes int64) *Error {
	return newError(ErrOutOfMemory, numBytes)
}

func NewBadConfig(msg string, args ...any) *Error {
	return newError(ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewChunkExists(key fmt.Stringer) *Error {
	return newError(ErrChunkExists, key.String())
}

func NewChunkNotFound(key fmt.Stringer) *Error {
	return newError(ErrChunkNotFound, key.String())
}

func NewChunkUnavailable(key fmt.Stringer) *Error {
	return newError(ErrChunkUnavailable, key.String())
}

func NewAllocationTooLarge(numPages, numPagesPerSlab int64) *Error {
	return newError(ErrAllocationTooLarge, numPages, numPagesPerSlab)
}

func NewInconsistency(key fmt.Stringer) *Error {
	return newError(ErrInconsistency, key.String())
}

func NewWrongBufferKind() *Error {
	return newError(ErrWrongBufferKind)
}
