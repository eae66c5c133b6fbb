package vfs

import "fmt"

// Violation reports a broken internal invariant, such as completing a job
// twice or using a released handle. Builds tagged vfsdebug panic; otherwise
// the violation is returned so it can be logged and surfaced to the client.
func Violation(code Error, format string, args ...interface{}) *ErrorInfo {
	ei := &ErrorInfo{
		Domain:  DomainIO,
		Code:    code,
		Message: "invariant violation: " + fmt.Sprintf(format, args...),
	}
	if debugBuild {
		panic(ei)
	}
	return ei
}
