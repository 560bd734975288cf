package errutils

// Package errutils provides a set of utilities for working with errors in Go.

// Example:
//
// The following example demonstrates how to use a `CustomError` template to add context to an error:
//
//     package main
//
//     import (
//         "fmt"
//         "oss.nandlabs.io/hookforge/errutils"
//     )
//
//     var opFailed = errutils.NewCustomError("failed to perform operation: %w")
//
//     func main() {
//         err := someFunction()
//         if err != nil {
//             wrappedErr := opFailed.Err(err)
//             fmt.Println(wrappedErr)
//         }
//     }
//
// In the above example, the `Err` method formats the template with the original error returned by `someFunction()`.
// The resulting error is then printed using `fmt.Println()`.
