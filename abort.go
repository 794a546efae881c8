// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// raiseSIGILL is the abort primitive a safety violation invokes. Design
// notes §9: "Signal-based fatal errors (ud2) translate to an abort
// primitive; tests can trap SIGILL to observe it." It is a package-level
// var, not a direct syscall.Kill call, purely so test code can substitute a
// recoverable stand-in instead of terminating the test binary.
var raiseSIGILL = func() {
	_ = unix.Kill(unix.Getpid(), unix.SIGILL)
}

// fatalf logs the violation and raises SIGILL. It never returns under
// normal operation; raiseSIGILL is only swapped out in tests.
func (a *Allocator) fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	a.log.Error().Msg(msg)
	raiseSIGILL()
	panic(fatalViolation(msg)) // reached only if raiseSIGILL was overridden (tests)
}

// fatalViolation is the panic value used when raiseSIGILL has been
// substituted by a test harness, so tests can recover() and assert on it.
type fatalViolation string

func (f fatalViolation) Error() string { return string(f) }
