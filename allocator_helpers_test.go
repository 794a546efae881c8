// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"testing"

	"github.com/rs/zerolog"
)

// newTestAllocator builds an Allocator over fakeMapper-backed regions, small
// enough to run quickly but large enough to exercise pool growth and
// quarantine recycling. Fatal paths are observed through expectFatal, which
// swaps raiseSIGILL for a recoverable panic; on cleanup raiseSIGILL is left
// as a no-op, so a later fatalf panics with a fatalViolation instead of
// killing the test binary.
func newTestAllocator(t *testing.T, mode Mode) *Allocator {
	t.Helper()

	const heapUnits = 4096
	const quarUnits = 4096

	m := &fakeMapper{}
	heapRegion, err := newRegion(m, 0, int(heapUnits)*unitSize)
	if err != nil {
		t.Fatal(err)
	}
	quarRegion, err := newRegion(m, 0, int(quarUnits)*unitSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := heapRegion.grow(poolMmapUnits * unitSize); err != nil {
		t.Fatal(err)
	}

	var seed [8]byte
	if err := m.random(seed[:]); err != nil {
		t.Fatal(err)
	}

	a := &Allocator{
		cfg:                      Config{NonceSize: mode},
		nonce:                    newNonce(beUint64(seed[:]), mode),
		heapRegion:               heapRegion,
		heap:                     newPool(heapRegion, heapUnits),
		quarRegion:               quarRegion,
		quarantine:               newQuarantine(quarRegion),
		quarantineThresholdUnits: quarUnits / 4,
		m:                        m,
		log:                      zerolog.Nop(),
	}
	setToken(wordAt(a.heap.mem(), 0), a.nonce, 0)
	setToken(wordAt(a.heap.mem(), tokenSize), a.nonce, 0)
	a.heap.ptr = 1

	t.Cleanup(func() { raiseSIGILL = func() { _ = 0 } })
	return a
}

// expectFatal runs fn, asserting it triggers a.fatalf. Since raiseSIGILL
// normally kills the process, tests substitute a panic so fatalf's dead-code
// path after raiseSIGILL becomes reachable and recoverable.
func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	old := raiseSIGILL
	defer func() { raiseSIGILL = old }()
	raiseSIGILL = func() { panic(fatalViolation("triggered")) }

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a fatal violation, got none")
		} else if _, ok := r.(fatalViolation); !ok {
			panic(r) // not ours, let it propagate
		}
	}()
	fn()
}
