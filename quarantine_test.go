// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import "testing"

func newTestQuarantine(t *testing.T) *quarantine {
	t.Helper()
	r, err := newRegion(&fakeMapper{}, 0, 16*osPageSize)
	if err != nil {
		t.Fatal(err)
	}
	return newQuarantine(r)
}

func TestQuarantineIndexClamps(t *testing.T) {
	if got := quarantineIndex(0); got != 0 {
		t.Errorf("quarantineIndex(0) = %d, want 0", got)
	}
	if got := quarantineIndex(1); got == 0 {
		t.Errorf("quarantineIndex(1) = 0, want nonzero bit-length class")
	}
	if got := quarantineIndex(1 << 40); got != quarClasses-1 {
		t.Errorf("quarantineIndex(huge) = %d, want clamp to %d", got, quarClasses-1)
	}
}

func TestQuarantineInsertThenExactMatchMalloc(t *testing.T) {
	q := newTestQuarantine(t)
	q.insert(100, 4)

	if q.usage != 4 {
		t.Fatalf("usage = %d, want 4", q.usage)
	}

	got, ok := q.malloc(4)
	if !ok {
		t.Fatal("malloc(4) failed to find the inserted exact-size node")
	}
	if got != 100 {
		t.Fatalf("malloc(4) = %d, want 100", got)
	}
	if q.usage != 0 {
		t.Fatalf("usage after malloc = %d, want 0", q.usage)
	}
}

func TestQuarantineSplitReinsertsRemainderLIFO(t *testing.T) {
	q := newTestQuarantine(t)
	q.insert(200, 10)

	got, ok := q.malloc(4)
	if !ok {
		t.Fatal("malloc(4) failed")
	}
	// The split takes from the tail: base 200, size 10, request 4 leaves a
	// 6-unit remainder at the front [200,206) and hands back [206,210).
	if got != 206 {
		t.Fatalf("malloc(4) = %d, want 206 (split from the tail)", got)
	}
	if q.usage != 6 {
		t.Fatalf("usage after split = %d, want 6", q.usage)
	}

	got2, ok := q.malloc(6)
	if !ok {
		t.Fatal("malloc(6) failed to find the 6-unit remainder")
	}
	if got2 != 200 {
		t.Fatalf("malloc(6) = %d, want 200", got2)
	}
}

func TestQuarantineMallocMissReturnsFalse(t *testing.T) {
	q := newTestQuarantine(t)
	if _, ok := q.malloc(4); ok {
		t.Fatal("malloc on an empty quarantine should fail")
	}
}

func TestQuarantineScanLimitEscalates(t *testing.T) {
	q := newTestQuarantine(t)
	// 8 and 15 share a size class (bit-length 4). Fill that class with
	// undersized (size 8) nodes past scanLimit, then add a satisfying node
	// one class up: the bounded scan must give up on the exact class and
	// escalate rather than find the undersized nodes.
	for i := 0; i < scanLimit+2; i++ {
		q.insert(int64(i), 8)
	}
	q.insert(1000, 16)

	got, ok := q.malloc(15)
	if !ok {
		t.Fatal("expected escalation to the larger class to succeed")
	}
	// The 16-unit node is split from the tail: 1 unit stays at 1000 and the
	// 15 requested units start at 1001.
	if got != 1001 {
		t.Fatalf("malloc(15) = %d, want 1001", got)
	}
}

func TestQuarantineNodeArenaRecyclesFreedSlots(t *testing.T) {
	q := newTestQuarantine(t)
	q.insert(1, 4)
	if _, ok := q.malloc(4); !ok {
		t.Fatal("malloc(4) failed")
	}
	firstNext := q.nextSlot
	q.insert(2, 4)
	if q.nextSlot != firstNext {
		t.Fatalf("insert after a malloc allocated a fresh slot (nextSlot %d -> %d); want recycled", firstNext, q.nextSlot)
	}
}
