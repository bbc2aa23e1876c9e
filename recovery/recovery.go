// Package recovery keeps a panic in one tunnel goroutine from taking the
// whole process down.
package recovery

import (
	"log"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with a stack trace.
// Use it with defer at the start of goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog("session 12")
//	    // ...
//	}()
func RecoverWithLog(name string) {
	if r := recover(); r != nil {
		log.Printf("[ERROR] panic recovered in %s: %v\n%s", name, r, debug.Stack())
	}
}

// RecoverWithCallback recovers from panics, logs them and then calls
// callback, which can turn the panic into an error for the caller.
func RecoverWithCallback(name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		log.Printf("[ERROR] panic recovered in %s: %v\n%s", name, r, debug.Stack())
		if callback != nil {
			callback(r)
		}
	}
}
