// Package validation provides helpers for defensive programming and contract enforcement.
package validation

import "fmt"

// AssertNotNil panics if the provided pointer is nil.
// It is intended for use in constructors and composition roots where a
// dependency is mandatory and a nil value is a programmer error, not a
// runtime condition.
//
// Usage:
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertNotEmpty panics if the provided string is empty. Same contract as
// AssertNotNil: misconfiguration should fail at startup, not at event time.
func AssertNotEmpty(s, name string) {
	if s == "" {
		panic(fmt.Sprintf("critical error: %s cannot be empty", name))
	}
}
