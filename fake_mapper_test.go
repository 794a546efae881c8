// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"unsafe"

	"github.com/pkg/errors"
)

// fakeMapper replaces unixMapper in tests: plain heap-backed slices instead
// of real mmap/mprotect, so tests don't need fixed-address mapping
// privileges and run the same on any platform. commit/release/readOnly are
// no-ops since a plain Go slice has no separate "committed" state; reserve
// still hands back a 16-byte-aligned backing array so unit/alignment
// arithmetic behaves exactly as it would over a real page-aligned mapping.
type fakeMapper struct {
	randSeed byte
}

func (m *fakeMapper) reserve(addr uintptr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("fakeMapper: size must be positive")
	}
	buf := make([]byte, size+unitSize)
	off := alignOffset(buf, unitSize)
	return buf[off : off+size], nil
}

func (m *fakeMapper) commit(pages []byte) error { return nil }
func (m *fakeMapper) release(mem []byte) error  { return nil }
func (m *fakeMapper) readOnly(mem []byte) error { return nil }

func (m *fakeMapper) random(buf []byte) error {
	for i := range buf {
		m.randSeed++
		buf[i] = m.randSeed*31 + byte(i)
	}
	return nil
}

func alignOffset(buf []byte, align int) int {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	rem := int(addr) % align
	if rem == 0 {
		return 0
	}
	return align - rem
}
