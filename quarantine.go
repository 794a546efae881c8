// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"unsafe"

	"github.com/cznic/mathutil"
)

// quarClasses is the number of size-classed FIFO lists (spec.md §3/§4.4).
const quarClasses = 20

// noNode is the arena-index sentinel for "no node" (nil, in pointer terms).
const noNode int32 = -1

// scanLimit bounds the best-fit scan of a single size class (spec.md §4.4
// step 1: "Walk list i front-to-back for at most 8 nodes").
const scanLimit = 8

// freeNode is a quarantine list cell, laid out exactly as spec.md's data
// model describes: a pool-relative offset, a unit count, and a next-link.
// Design notes §9 recommend modeling the intrusive free list as "indices
// into an arena of FreeNodes" rather than raw pointers; here the arena *is*
// a lazily-committed region (mirroring the original's own secondary mmap'd
// quarantine pool), and the "index" is simply the node's pool-relative slot
// number, unsafe.Pointer-overlaid the same way the teacher overlays its
// page header struct onto mmap'd bytes.
type freeNode struct {
	ptrUnits  uint32
	sizeUnits uint32
	next      int32
}

var freeNodeSize = int(unsafe.Sizeof(freeNode{}))

func freeNodeAt(mem []byte, idx int32) *freeNode {
	off := int(idx) * freeNodeSize
	return (*freeNode)(unsafe.Pointer(&mem[off]))
}

type quarClass struct {
	front, back int32
}

// quarantine holds freed regions, keyed by size class, until they are
// either reused (best-fit) or left to age out under delayed-reuse pressure.
// It never coalesces neighboring regions; redzones between former
// neighbors remain poisoned (spec.md §4.4 rationale).
type quarantine struct {
	r        *region // lazily-committed arena backing the FreeNode slots
	nextSlot int32   // bump pointer into the arena
	freeList int32   // head of the recycled-node stack, noNode if empty
	heads    [quarClasses]quarClass
	usage    int64 // sum of sizeUnits across all live nodes
}

func newQuarantine(r *region) *quarantine {
	q := &quarantine{r: r, freeList: noNode}
	for i := range q.heads {
		q.heads[i] = quarClass{front: noNode, back: noNode}
	}
	return q
}

// quarantineIndex computes the bit length of units (floor(log2(units))+1),
// clamped to quarClasses-1, so index 0 is reserved for units==0 and
// units==1 falls in class 1. Ported from quarantine_index in the
// original C (`64 - __builtin_clzll(size128)`, which is exactly the bit
// length of size128); mathutil.BitLen gives the same value, and is the
// teacher's own dependency for this class of computation.
func quarantineIndex(units int64) int {
	if units == 0 {
		return 0
	}
	i := mathutil.BitLen(int(units))
	if i >= quarClasses {
		i = quarClasses - 1
	}
	return i
}

// allocNode returns a fresh or recycled node index, growing the backing
// arena on demand. Returns (noNode, nil) when the arena is exhausted and
// cannot grow further: per spec.md §4.5/§7 this is not a hard failure, the
// freed region simply leaks (remaining poisoned; safety is preserved, only
// capacity is lost).
func (q *quarantine) allocNode() (int32, *freeNode) {
	if q.freeList != noNode {
		idx := q.freeList
		n := freeNodeAt(q.r.mem, idx)
		q.freeList = n.next
		return idx, n
	}
	need := (int64(q.nextSlot) + 1) * int64(freeNodeSize)
	if err := q.r.grow(int(need)); err != nil {
		return noNode, nil
	}
	idx := q.nextSlot
	q.nextSlot++
	return idx, freeNodeAt(q.r.mem, idx)
}

// insert appends (ptrUnits, sizeUnits) to the tail of its size class.
func (q *quarantine) insert(ptrUnits, sizeUnits int64) {
	idx, node := q.allocNode()
	if node == nil {
		return // arena exhausted; region stays poisoned, capacity only is lost
	}
	node.ptrUnits = uint32(ptrUnits)
	node.sizeUnits = uint32(sizeUnits)
	node.next = noNode

	i := quarantineIndex(sizeUnits)
	if q.heads[i].back == noNode {
		q.heads[i].front, q.heads[i].back = idx, idx
	} else {
		freeNodeAt(q.r.mem, q.heads[i].back).next = idx
		q.heads[i].back = idx
	}
	q.usage += sizeUnits
}

// malloc performs the bounded best-fit allocation of spec.md §4.4: scan up
// to scanLimit nodes of the exact size class, then escalate to the first
// non-empty larger class whose front node satisfies the request, splitting
// with LIFO reinsertion of the leftover.
func (q *quarantine) malloc(reqUnits int64) (ptrUnits int64, ok bool) {
	mem := q.r.mem
	i := quarantineIndex(reqUnits)

	var prevIdx, nodeIdx int32 = noNode, q.heads[i].front
	classIdx := i
	found := false
	for j := 0; nodeIdx != noNode && j < scanLimit; j++ {
		n := freeNodeAt(mem, nodeIdx)
		if int64(n.sizeUnits) >= reqUnits {
			found = true
			break
		}
		prevIdx = nodeIdx
		nodeIdx = n.next
	}
	if !found {
		nodeIdx = noNode
	}

	if nodeIdx == noNode {
		prevIdx = noNode
		for k := i + 1; k < quarClasses; k++ {
			front := q.heads[k].front
			if front != noNode && int64(freeNodeAt(mem, front).sizeUnits) >= reqUnits {
				nodeIdx, classIdx = front, k
				break
			}
		}
	}
	if nodeIdx == noNode {
		return 0, false
	}

	node := freeNodeAt(mem, nodeIdx)
	if prevIdx != noNode {
		freeNodeAt(mem, prevIdx).next = node.next
		if q.heads[classIdx].back == nodeIdx {
			q.heads[classIdx].back = prevIdx
		}
	} else {
		q.heads[classIdx].front = node.next
		if node.next == noNode {
			q.heads[classIdx].back = noNode
		}
	}
	q.usage -= reqUnits

	base := int64(node.ptrUnits)
	if int64(node.sizeUnits) == reqUnits {
		node.next = q.freeList
		q.freeList = nodeIdx
		return base, true
	}

	diff := int64(node.sizeUnits) - reqUnits
	result := base + diff
	j := quarantineIndex(diff)
	node.sizeUnits = uint32(diff)
	node.next = q.heads[j].front
	if q.heads[j].front == noNode {
		q.heads[j].back = nodeIdx
	}
	q.heads[j].front = nodeIdx
	return result, true
}
