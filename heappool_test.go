// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import "testing"

func TestPoolMallocBumpsAndNeverReuses(t *testing.T) {
	r, err := newRegion(&fakeMapper{}, 0, 64*osPageSize)
	if err != nil {
		t.Fatal(err)
	}
	p := newPool(r, 4096)
	p.ptr = 1 // unit 0 reserved, as Open leaves it

	first, err := p.malloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 {
		t.Fatalf("first unit = %d, want 1", first)
	}
	second, err := p.malloc(3)
	if err != nil {
		t.Fatal(err)
	}
	if second != 3 {
		t.Fatalf("second unit = %d, want 3", second)
	}
}

func TestPoolMallocGrowsCommittedRegionOnDemand(t *testing.T) {
	r, err := newRegion(&fakeMapper{}, 0, 64*osPageSize)
	if err != nil {
		t.Fatal(err)
	}
	p := newPool(r, int64(64*osPageSize)/unitSize)
	p.ptr = 1

	if r.committed != 0 {
		t.Fatalf("committed = %d before any malloc, want 0", r.committed)
	}
	if _, err := p.malloc(1); err != nil {
		t.Fatal(err)
	}
	if r.committed == 0 {
		t.Fatal("malloc did not grow the committed region")
	}
}

func TestPoolMallocExhaustion(t *testing.T) {
	r, err := newRegion(&fakeMapper{}, 0, osPageSize)
	if err != nil {
		t.Fatal(err)
	}
	p := newPool(r, int64(osPageSize)/unitSize)
	p.ptr = 1

	if _, err := p.malloc(int64(osPageSize) / unitSize); err != errOutOfMemory {
		t.Fatalf("malloc past reservation: got %v, want errOutOfMemory", err)
	}
}
