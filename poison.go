// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

const tokenSize = 8 // bytes per Token
const unitSize = 16 // bytes per Unit (two Tokens)

// checkRange is the poison-window check of spec.md §4.2, ported from
// check_poisoned in the original C. Given an arbitrary byte range within
// mem, it walks the covering 8-byte-aligned words and aborts (via a.fatalf)
// if any is poisoned. In 61-bit mode it additionally inspects the boundary
// field of the word immediately past the range, when the range doesn't end
// on a word boundary, catching reads/writes that overrun an odd-length
// object without crossing into the next aligned word.
//
// Unlike the C original (open question 4: "check_poisoned declares a
// return type but does not return"), this always returns: callers get a
// definite abort-or-continue signal rather than undefined behavior on the
// non-aborting path.
func (a *Allocator) checkRange(mem []byte, byteOffset, n int) {
	if n == 0 {
		return
	}
	front := byteOffset % tokenSize
	base := byteOffset - front
	checkLen := n + front
	endDelta := checkLen % tokenSize
	if endDelta != 0 {
		checkLen += tokenSize - endDelta
	}
	words := checkLen / tokenSize

	for i := 0; i < words; i++ {
		off := base + i*tokenSize
		if off+tokenSize > len(mem) {
			a.fatalf("access out of bounds: offset %d length %d exceeds region", byteOffset, n)
		}
		if isPoisoned(wordAt(mem, off), a.nonce) {
			a.fatalf("poisoned memory access at offset %d (length %d)", byteOffset, n)
		}
	}

	if endDelta == 0 || a.nonce.mode != Mode61 {
		return
	}

	tailOff := base + words*tokenSize
	if tailOff+tokenSize > len(mem) {
		return // tail word would fall outside the mapped region; nothing to inspect
	}
	if tailOff%osPageSize == 0 {
		return // next word is on a different page: skip to avoid faulting on unmapped memory
	}
	tail := wordAt(mem, tailOff)
	if !isPoisoned(tail, a.nonce) {
		return
	}
	boundary := boundaryOf(tail)
	if boundary != 0 && int(boundary) < endDelta {
		a.fatalf("byte-precise overrun at offset %d (length %d, boundary %d)", byteOffset, n, boundary)
	}
}
