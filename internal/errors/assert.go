package errors

import "fmt"

// SanityChecks enables internal consistency assertions. Tests turn it on.
var SanityChecks = false

// Assert panics with an internal error when cond is false and sanity checks
// are enabled.
func Assert(cond bool, format string, args ...interface{}) {
	if SanityChecks && !cond {
		panic(InternalError(fmt.Sprintf("assertion failed: "+format, args...), nil))
	}
}
