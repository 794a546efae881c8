// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"sync"
	"unsafe"

	"github.com/rs/zerolog"
)

// Allocator implements spec.md §4.5: malloc/calloc/realloc/free with
// 16-byte unit rounding, redzone construction, quarantine-or-pool
// dispatch, zeroing on quarantine reuse, and optional self-check
// post-conditions. It is the process-wide singleton of the original C
// runtime, but expressed the way cznic/memory expresses its Allocator: an
// explicit value a caller constructs with Open and calls methods on,
// rather than a package-global bound to constructor/destructor attributes.
type Allocator struct {
	mu sync.Mutex

	cfg   Config
	nonce Nonce

	heapRegion *region
	heap       *pool

	quarRegion *region
	quarantine *quarantine

	quarantineThresholdUnits int64

	m   mapperFuncs
	log zerolog.Logger

	allocs   int64
	poolBump int64 // units bumped from the pool, lifetime total
}

// unitsFor computes size128 per spec.md §4.5 step 2: round(size+8) up to a
// whole number of 16-byte units, guaranteeing at least one trailing
// redzone token.
func unitsFor(size int) int64 {
	n := size + tokenSize
	if rem := n % unitSize; rem != 0 {
		n += unitSize - rem
	}
	return int64(n / unitSize)
}

// heapBase is the address of the first byte of the heap pool's reservation,
// used to test pointer ownership and to translate between absolute
// addresses and pool-relative unit offsets.
func (a *Allocator) heapBase() uintptr {
	return uintptr(unsafe.Pointer(&a.heap.mem()[0]))
}

// byteOffset reports b's byte offset within the heap pool, if any.
func (a *Allocator) byteOffset(b []byte) (off int, ok bool) {
	if len(b) == 0 || a.heap == nil {
		return 0, false
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	base := a.heapBase()
	if addr < base {
		return 0, false
	}
	o := addr - base
	if o >= uintptr(len(a.heap.mem())) {
		return 0, false
	}
	return int(o), true
}

// owns reports whether b's backing array falls within the heap pool,
// returning the unit index of the byte offset (callers that need this are
// operating on allocation bases, already verified 16-byte aligned).
func (a *Allocator) owns(b []byte) (unit int64, ok bool) {
	off, ok := a.byteOffset(b)
	if !ok {
		return 0, false
	}
	return int64(off) / unitSize, true
}

// Malloc allocates size bytes, returning a 16-byte-aligned slice whose
// capacity (size128*16) exceeds size by at least one redzone token.
// size == 0 is treated as size == 1, matching the original.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	if a.cfg.Disabled {
		return make([]byte, size), nil
	}
	if size == 0 {
		size = 1
	}
	size128 := unitsFor(size)

	a.mu.Lock()
	var base int64
	var fromQuarantine bool
	if a.quarantine.usage > a.quarantineThresholdUnits {
		if u, ok := a.quarantine.malloc(size128); ok {
			base, fromQuarantine = u, true
		}
	}
	if !fromQuarantine {
		u, err := a.heap.malloc(size128)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		base = u
		a.poolBump += size128
	}
	a.allocs++

	mem := a.heap.mem()
	startOff := int(base) * unitSize
	endOff := startOff + int(size128)*unitSize
	lastTokenOff := endOff - tokenSize
	boundary := uint8(size % tokenSize)

	// The right redzone's final token must be poisoned before the mutex is
	// released: a concurrent thread that observes the returned pointer must
	// also observe a valid right marker (§5).
	setToken(wordAt(mem, lastTokenOff), a.nonce, boundary)
	a.mu.Unlock()

	if fromQuarantine {
		zeroEnd := startOff + roundUp(size, tokenSize)
		for off := startOff; off < zeroEnd; off += tokenSize {
			zeroToken(wordAt(mem, off))
		}
	}

	userEnd := startOff + size
	for off := lastTokenOff - tokenSize; off >= userEnd; off -= tokenSize {
		setToken(wordAt(mem, off), a.nonce, boundary)
	}

	result := mem[startOff : startOff+size : startOff+int(size128)*unitSize]

	if a.cfg.Checks {
		a.selfCheck(result, base, size, size128)
	}

	a.log.Debug().Int("size", size).Int64("size128", size128).
		Bool("quarantine", fromQuarantine).Msg("malloc")
	return result, nil
}

// roundUp rounds n up to a multiple of m (m a power of two).
func roundUp(n, m int) int { return (n + m - 1) &^ (m - 1) }

// selfCheck implements the optional post-malloc assertions of spec.md
// §4.5: alignment, length bound, preceding base marker, every user token
// unpoisoned, every redzone token poisoned.
func (a *Allocator) selfCheck(b []byte, base int64, size int, size128 int64) {
	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr%unitSize != 0 {
		a.fatalf("invalid object alignment detected; %#x %% 16 != 0", addr)
	}
	if int64(size) >= size128*unitSize {
		a.fatalf("invalid object length detected; %d >= %d", size, size128*unitSize)
	}
	mem := a.heap.mem()
	startOff := int(base) * unitSize
	if !isPoisoned(wordAt(mem, startOff-tokenSize), a.nonce) {
		a.fatalf("invalid object base detected [size=%d]", size)
	}
	for off := startOff; off < startOff+size; off += tokenSize {
		if isPoisoned(wordAt(mem, off), a.nonce) {
			a.fatalf("invalid object initialization detected [size=%d]", size)
		}
	}
	for off := startOff + roundUp(size, tokenSize); off < startOff+int(size128)*unitSize; off += tokenSize {
		if !isPoisoned(wordAt(mem, off), a.nonce) {
			a.fatalf("invalid redzone detected; missing token [size=%d]", size)
		}
	}
}

// Calloc allocates n*size bytes. Fresh pool pages come zeroed from the
// mapping and Malloc zeroes the user words of quarantine reuses, so no
// separate zero-fill is required. As in the
// original, n*size is not checked for overflow (open question 2, preserved
// deliberately rather than silently patched).
func (a *Allocator) Calloc(n, size int) ([]byte, error) {
	return a.Malloc(n * size)
}

// Free releases b back to the quarantine. A nil or empty b is ignored.
// Misaligned, foreign, double-freed, or non-base pointers are handled per
// spec.md §4.5.
func (a *Allocator) Free(b []byte) error {
	if a.cfg.Disabled || len(b) == 0 {
		return nil
	}
	b = b[:cap(b)]
	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr%unitSize != 0 {
		a.fatalf("bad free detected with pointer %#x; pointer is not 16-byte aligned", addr)
	}

	unit, owned := a.owns(b)
	if !owned {
		return nil // foreign pointer: not allocated by us, nothing to do
	}

	mem := a.heap.mem()
	startOff := int(unit) * unitSize
	if isPoisoned(wordAt(mem, startOff), a.nonce) {
		a.fatalf("bad or double-free detected with pointer %#x; memory is already poisoned", addr)
	}
	if !isPoisoned(wordAt(mem, startOff-tokenSize), a.nonce) {
		a.fatalf("bad free detected with pointer %#x; pointer does not point to the base of the object", addr)
	}

	i := 0
	for !isPoisoned(wordAt(mem, startOff+i*tokenSize), a.nonce) {
		setToken(wordAt(mem, startOff+i*tokenSize), a.nonce, 0)
		i++
	}
	size64 := i + 1
	if size64%2 == 1 {
		size64++
	}
	size128 := int64(size64 / 2)

	a.mu.Lock()
	a.quarantine.insert(unit, size128)
	a.mu.Unlock()

	a.log.Debug().Int64("unit", unit).Int64("size128", size128).Msg("free")
	return nil
}

// Realloc changes the size of b's backing region. A nil b behaves like
// Malloc(size); a foreign b is delegated to a plain Go allocation. The old
// length is recovered by walking tokens at word granularity (open question
// 3), not from b's own Go slice length, matching the original's
// pointer-only recovery and its documented imprecision for odd-length
// objects.
func (a *Allocator) Realloc(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return a.Malloc(size)
	}

	unit, owned := a.owns(b)
	if !owned {
		nb := make([]byte, size)
		copy(nb, b)
		return nb, nil
	}

	mem := a.heap.mem()
	startOff := int(unit) * unitSize
	old64 := 0
	for !isPoisoned(wordAt(mem, startOff+old64*tokenSize), a.nonce) {
		old64++
	}
	oldSize := old64 * tokenSize

	newBuf, err := a.Malloc(size)
	if err != nil {
		return nil, err
	}
	copySize := oldSize
	if size < copySize {
		copySize = size
	}
	copy(newBuf, mem[startOff:startOff+copySize])

	if err := a.Free(b); err != nil {
		return nil, err
	}
	return newBuf, nil
}

// MallocUsableSize reports the usable size of b: a multiple of 8, at least
// the originally requested size, and less than size128*16. Foreign slices
// report their Go-runtime capacity (the closest available analogue to the
// original's dlsym'd libc malloc_usable_size passthrough).
func (a *Allocator) MallocUsableSize(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	unit, owned := a.owns(b)
	if !owned {
		return cap(b)
	}
	mem := a.heap.mem()
	startOff := int(unit) * unitSize
	count := 0
	for !isPoisoned(wordAt(mem, startOff+count*tokenSize), a.nonce) {
		count++
	}
	return count * tokenSize
}
