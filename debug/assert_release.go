//go:build !debug

// Package debug provides assertions that can be enabled with the debug build
// tag or will otherwise compile to no-ops.
//
// This is not considered idiomatic Go, but a driver core has internal
// invariants that are worth checking during bringup and too hot to check in
// release builds.
package debug

// Guard more expensive assertions (i.e. anything that allocates or formats)
// with `if debug.Enabled{...}`, otherwise they can't be removed in release
// builds.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}

// AssertErrNil panics if err is not nil.
func AssertErrNil(err error) {}
