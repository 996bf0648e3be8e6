package kfmt

import (
	"fmt"

	"gopherxv/kernel"

	"go.uber.org/zap"
)

var (
	// haltFn is invoked after a fatal error has been logged. It must not
	// return. Tests override it.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error and halts the system. Calls to Panic never
// return. Besides *kernel.Error values, Panic accepts strings and plain errors
// which are reported under the "rt" module.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	l := Logger()
	l.Error(fmt.Sprintf("[%s] unrecoverable error: %s", err.Module, err.Message),
		zap.String("module", err.Module),
	)
	l.Error("*** kernel panic: system halted ***")
	_ = l.Sync()

	haltFn(err)
}

// SetHaltHandler replaces the function invoked by Panic once the error has
// been logged and returns the previous one.
func SetHaltHandler(fn func(*kernel.Error)) func(*kernel.Error) {
	prev := haltFn
	haltFn = fn
	return prev
}
