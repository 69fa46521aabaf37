// Package utils holds small helpers shared across packages.
package utils

import (
	"runtime/debug"

	"go.uber.org/zap"

	"yqhp/taskbus/pkg/logger"
)

// SafeGo runs fn in a goroutine and logs any panic instead of crashing.
func SafeGo(fn func()) {
	SafeGoWithCallback(fn, nil)
}

// SafeGoWithName is SafeGo with a name attached to the panic log.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverAndLog(name, nil)
		fn()
	}()
}

// SafeGoWithCallback is SafeGo with a hook invoked after a panic is logged.
func SafeGoWithCallback(fn func(), onPanic func(r interface{})) {
	go func() {
		defer recoverAndLog("", onPanic)
		fn()
	}()
}

// Recover logs a panic in the calling goroutine. Use it as
// `defer utils.Recover("name")` in goroutines started elsewhere, such as
// pool workers.
func Recover(name string) {
	if r := recover(); r != nil {
		logPanic(name, r)
	}
}

func recoverAndLog(name string, onPanic func(r interface{})) {
	r := recover()
	if r == nil {
		return
	}
	logPanic(name, r)
	if onPanic != nil {
		onPanic(r)
	}
}

func logPanic(name string, r interface{}) {
	logger.Error("goroutine panic recovered",
		zap.String("goroutine", name),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
}
