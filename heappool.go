// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

// pool is the bump-pointer heap pool of spec.md §4.3: a reserved virtual
// range of poolUnits units, committed lazily in page-aligned chunks, with a
// monotonically increasing index handing out fresh units. Unit 0 is
// permanently poisoned as the underflow sentinel; ptr begins at 1.
type pool struct {
	r         *region
	sizeUnits int64 // reserved size, in units
	ptr       int64 // next free unit index; never shrinks
}

const poolMmapGrowUnits = poolMmapUnits // grow step, same granularity as the initial commit

func newPool(r *region, sizeUnits int64) *pool {
	return &pool{r: r, sizeUnits: sizeUnits}
}

// malloc bumps the pool pointer by units and returns the starting unit
// index, growing the committed region on demand. Never shrinks.
func (p *pool) malloc(units int64) (int64, error) {
	newPtr := p.ptr + units
	if newPtr > p.sizeUnits {
		return 0, errOutOfMemory
	}
	committedUnits := int64(p.r.committed) / unitSize
	if newPtr > committedUnits {
		want := newPtr + poolMmapGrowUnits
		if want > p.sizeUnits {
			want = p.sizeUnits
		}
		if err := p.r.grow(int(want) * unitSize); err != nil {
			return 0, err
		}
	}
	start := p.ptr
	p.ptr = newPtr
	return start, nil
}

// bytes returns the byte slice covering the given unit range.
func (p *pool) bytes(unit, units int64) []byte {
	off := unit * unitSize
	return p.r.mem[off : off+units*unitSize]
}

// mem is the full reserved (not merely committed) backing slice, used by
// offset/pointer arithmetic that needs absolute positions.
func (p *pool) mem() []byte { return p.r.mem }
