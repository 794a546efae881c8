// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rezzan implements an in-process heap-safety checker: a
// bump-pointer pool guarded by in-band cryptographic poison tokens, a
// size-classed quarantine for delayed reuse, and a set of checked
// memory-access primitives (Memcpy, Strlen, ...) that turn out-of-bounds
// accesses and use-after-free into an immediate, loud failure instead of
// silent corruption.
package rezzan

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// nonceRegionSize is the requested size, in bytes, of the nonce mapping;
// newRegion rounds it up to one page. Open writes the nonce into the
// page's first word and then seals the page read-only.
const nonceRegionSize = 1

// Open builds an Allocator: reserves the nonce, heap, and quarantine
// mappings, draws the process nonce from the kernel's random source, and
// poisons unit 0 of the heap as the underflow sentinel (spec.md §4.3: "Unit
// 0 of every pool is permanently poisoned; pointer arithmetic that
// underflows to unit 0 hits a poisoned word instead of escaping the pool").
func Open(cfg Config) (*Allocator, error) {
	log := newLogger(cfg)

	if cfg.Disabled {
		return &Allocator{cfg: cfg, log: log}, nil
	}

	m := mapperFuncs(unixMapper{})

	nonceRegion, err := newRegion(m, cfg.NonceAddr, nonceRegionSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserve nonce page")
	}
	if err := nonceRegion.grow(nonceRegionSize); err != nil {
		return nil, errors.Wrap(err, "commit nonce page")
	}
	var seed [8]byte
	if err := m.random(seed[:]); err != nil {
		return nil, errors.Wrap(err, "draw nonce")
	}
	nonce := newNonce(beUint64(seed[:]), cfg.NonceSize)
	wordAt(nonceRegion.mem, 0).Store(nonce.value)
	if err := nonceRegion.m.readOnly(nonceRegion.mem); err != nil {
		return nil, errors.Wrap(err, "seal nonce page")
	}

	heapUnits := int64(cfg.PoolSize) / unitSize
	heapRegion, err := newRegion(m, cfg.PoolAddr, cfg.PoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserve heap pool")
	}
	heapRegion.populate = cfg.Populate
	initialGrow := poolMmapUnits * unitSize
	if initialGrow > cfg.PoolSize {
		initialGrow = cfg.PoolSize
	}
	if err := heapRegion.grow(initialGrow); err != nil {
		return nil, errors.Wrap(err, "commit initial heap page")
	}

	quarUnits := int64(cfg.QuarantineSize) / unitSize
	quarRegion, err := newRegion(m, cfg.QuarantineAddr, cfg.QuarantineSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserve quarantine pool")
	}
	quarRegion.populate = cfg.Populate

	a := &Allocator{
		cfg:                      cfg,
		nonce:                    nonce,
		heapRegion:               heapRegion,
		heap:                     newPool(heapRegion, heapUnits),
		quarRegion:               quarRegion,
		quarantine:               newQuarantine(quarRegion),
		quarantineThresholdUnits: quarUnits,
		m:                        m,
		log:                      log,
	}

	setToken(wordAt(a.heap.mem(), 0), a.nonce, 0)
	setToken(wordAt(a.heap.mem(), tokenSize), a.nonce, 0)
	a.heap.ptr = 1 // unit 0 is the sentinel, never handed out

	a.log.Info().
		Str("nonce_size", cfg.NonceSize.String()).
		Int("pool_size", cfg.PoolSize).
		Int("quarantine_size", cfg.QuarantineSize).
		Msg("rezzan: allocator opened")
	return a, nil
}

// Close releases the heap and quarantine reservations and, when
// Config.Stats is set, logs the lifetime allocation count, pool high-water
// mark, and process RSS/fault counters via getrusage, mirroring the
// original's atexit stats dump.
func (a *Allocator) Close() error {
	if a.cfg.Disabled {
		return nil
	}
	if a.cfg.Stats {
		a.logStats()
	}

	var firstErr error
	if err := a.heapRegion.close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "release heap pool")
	}
	if err := a.quarRegion.close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "release quarantine pool")
	}
	return firstErr
}

func (a *Allocator) logStats() {
	ev := a.log.Info().
		Int64("allocs", a.allocs).
		Int64("pool_bump_bytes", a.poolBump*unitSize).
		Int64("quarantine_usage_bytes", a.quarantine.usage*unitSize)

	maxRSS, minFlt, majFlt, err := getrusage()
	if err != nil {
		ev.Err(err).Msg("rezzan: stats (getrusage unavailable)")
		return
	}
	ev.Int64("max_rss_bytes", maxRSS).
		Int64("min_page_faults", minFlt).
		Int64("maj_page_faults", majFlt).
		Msg("rezzan: stats")
}

// newLogger builds the console-pretty-printed logger the rest of the
// package writes through, gated by Config.Debug the same way Config.Printf
// gates the opt-in printf argument validation.
func newLogger(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	tty := isatty.IsTerminal(os.Stderr.Fd())
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05", NoColor: !tty}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// beUint64 decodes 8 big-endian bytes, avoiding an encoding/binary import
// for a single call site.
func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
