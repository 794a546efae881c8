// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"github.com/pkg/errors"
)

// region is an opaque reserved virtual range, committed lazily in
// page-aligned chunks. Design notes call for representing the pool as "an
// opaque region type whose base is captured at init and threaded through
// operations" rather than a process-wide global; region is that type.
//
// The whole reserved range is mapped PROT_NONE up front (one mmap call, one
// syscall) and pages are committed by mprotecting a growing prefix to
// PROT_READ|PROT_WRITE. This is the portable equivalent of the original
// C's approach of mmap-ing additional MAP_FIXED chunks onto the end of a
// previously mapped, fixed-address range: both leave later pages untouched
// (and therefore unbacked by physical memory) until first use.
type region struct {
	mem       []byte // full reservation, length == capacity (the page-rounded reserved size)
	committed int    // bytes backed by PROT_READ|WRITE, a prefix of mem
	populate  bool   // REZZAN_POPULATE: eagerly fault in pages on grow
	m         mapperFuncs
}

// newRegion reserves size bytes (rounded up to the page size) at the given
// fixed address, or at an address chosen by the kernel when addr == 0.
func newRegion(m mapperFuncs, addr uintptr, size int) (*region, error) {
	size = roundUpPage(size)
	mem, err := m.reserve(addr, size)
	if err != nil {
		return nil, errors.Wrapf(err, "reserve %d bytes at %#x", size, addr)
	}
	return &region{mem: mem, m: m}, nil
}

// grow extends the committed prefix to at least n bytes, rounded up to a
// whole number of pages and capped at the reservation size. It never
// shrinks. Returns ENOMEM-equivalent if n exceeds the reservation.
func (r *region) grow(n int) error {
	if n <= r.committed {
		return nil
	}
	if n > len(r.mem) {
		return errOutOfMemory
	}
	newCommitted := roundUpPage(n)
	if newCommitted > len(r.mem) {
		newCommitted = len(r.mem)
	}
	if err := r.m.commit(r.mem[r.committed:newCommitted]); err != nil {
		return errors.Wrap(err, "commit pages")
	}
	if r.populate {
		touch(r.mem[r.committed:newCommitted])
	}
	r.committed = newCommitted
	return nil
}

// close releases the reservation back to the OS.
func (r *region) close() error {
	if r.mem == nil {
		return nil
	}
	err := r.m.release(r.mem)
	r.mem = nil
	r.committed = 0
	return err
}

// touch forces each page in b to be faulted in immediately, emulating
// MAP_POPULATE for the mprotect-based commit step above.
func touch(b []byte) {
	for i := 0; i < len(b); i += osPageSize {
		b[i] = b[i]
	}
}

// roundUpPage rounds n up to a multiple of the OS page size.
func roundUpPage(n int) int {
	return (n + osPageSize - 1) &^ (osPageSize - 1)
}

var errOutOfMemory = errors.New("rezzan: out of memory")
