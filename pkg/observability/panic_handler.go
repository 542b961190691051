package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging
//
// Usage in defer statements:
//
//	func riskyOperation() {
//	    defer observability.RecoverPanic(logger, "risky operation")
//	    // ... code that might panic
//	}
//
// After logging, the panic is NOT re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		OrDefault(logger).WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// RecoverToError recovers from a panic, logs it and stores it in *errp.
//
//	func process() (err error) {
//	    defer observability.RecoverToError(logger, "process", &err)
//	    ...
//	}
func RecoverToError(logger *Logger, context string, errp *error) {
	if r := recover(); r != nil {
		OrDefault(logger).WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
		if errp != nil {
			*errp = MustRecover(r)
		}
	}
}

// MustRecover converts a recovered panic value to an error.
// If r is nil, returns nil.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
