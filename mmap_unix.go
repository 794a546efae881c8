// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package rezzan

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var osPageSize = unix.Getpagesize()

// mapperFuncs is the kernel-mapping collaborator the spec calls out as
// external: "the kernel primitives for anonymous fixed-address mapping and
// random-byte acquisition". region and Nonce depend on this narrow
// interface instead of calling golang.org/x/sys/unix directly, so tests can
// substitute an in-process fake without touching real address space.
type mapperFuncs interface {
	// reserve maps size bytes PROT_NONE. When addr is non-zero the mapping
	// is requested at that fixed address and it is an error (verified, per
	// design notes: "if the kernel returns a different address, abort") for
	// the kernel to honor it anywhere else.
	reserve(addr uintptr, size int) ([]byte, error)
	// commit mprotects a (sub-)slice of a previously reserved mapping to
	// PROT_READ|PROT_WRITE.
	commit(pages []byte) error
	// release unmaps a previously reserved mapping.
	release(mem []byte) error
	// random fills buf with cryptographically random bytes.
	random(buf []byte) error
	// readOnly mprotects a mapping to PROT_READ only.
	readOnly(mem []byte) error
}

type unixMapper struct{}

func (unixMapper) reserve(addr uintptr, size int) ([]byte, error) {
	if addr == 0 {
		b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, errors.Wrap(err, "mmap")
		}
		return b, nil
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED
	ptr, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "mmap MAP_FIXED")
	}
	if ptr != addr {
		return nil, errors.Errorf("kernel did not honor fixed mapping at %#x (got %#x)", addr, ptr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), nil
}

func (unixMapper) commit(pages []byte) error {
	if len(pages) == 0 {
		return nil
	}
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mprotect commit")
	}
	return nil
}

func (unixMapper) readOnly(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ); err != nil {
		return errors.Wrap(err, "mprotect read-only")
	}
	return nil
}

func (unixMapper) release(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "munmap")
	}
	return nil
}

func (unixMapper) random(buf []byte) error {
	n, err := unix.Getrandom(buf, 0)
	if err != nil {
		return errors.Wrap(err, "getrandom")
	}
	if n != len(buf) {
		return errors.Errorf("getrandom: short read (%d of %d)", n, len(buf))
	}
	return nil
}

func getrusage() (maxRSS int64, minFlt, majFlt int64, err error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, 0, errors.Wrap(err, "getrusage")
	}
	return int64(ru.Maxrss) * 1024, int64(ru.Minflt), int64(ru.Majflt), nil
}
