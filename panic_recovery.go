// panic_recovery.go: Panic recovery helpers with stack trace capture
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"runtime"
)

// RecoveryHandler receives a recovered panic value and the goroutine stack.
type RecoveryHandler func(recovered any, stack []byte)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a function meant to be deferred. It logs a panic,
// including the stack, and lets the goroutine finish normally.
//
//	go func() {
//	    defer withStackRecover(logger, "event_dispatch")()
//	    ...
//	}()
func withStackRecover(logger Logger, component string) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"component", component,
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// withCustomRecoveryHandler is like withStackRecover but hands the panic to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}

// callRecovered runs fn and converts a panic into an error. Mod code is
// untrusted in the sense that it may panic, and such a panic must surface as a
// load or dispatch failure instead of unwinding through the loader.
func callRecovered(logger Logger, component string, fn func() error) (err error) {
	defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
		logger.Error("Panic recovered",
			"component", component,
			"panic", recovered,
			"stack", string(stack))
		err = fmt.Errorf("panic in %s: %v", component, recovered)
	})()
	return fn()
}

// SafeGo runs fn in a new goroutine, logging any panic instead of crashing.
func SafeGo(logger Logger, component string, fn func()) {
	go func() {
		defer withStackRecover(logger, component)()
		fn()
	}()
}
