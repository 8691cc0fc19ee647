package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanicWithCallback recovers from a panic, logs it with a stack trace
// and runs callback. The panic is not re-raised.
//
//	defer observability.RecoverPanicWithCallback(logger, "scheduler tick", nil)
func RecoverPanicWithCallback(logger *logrus.Logger, where string, callback func()) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback()
		}
	}
}

func logPanic(logger *logrus.Logger, where string, r interface{}) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
