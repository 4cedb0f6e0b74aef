// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrScanning indicates that a transaction's asset identity could not
	// be determined before the chain advanced past it.  A future failed
	// with this code may be retried if new definitions register before
	// the next best block.
	ErrScanning ErrorCode = iota

	// ErrDuplicateDefinition indicates an attempt to register a color
	// definition whose genesis points overlap an already-tracked
	// definition.
	ErrDuplicateDefinition

	// ErrMalformedState indicates that persisted scanner state could not
	// be decoded.  No partial state is installed when this is returned.
	ErrMalformedState
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrScanning:            "ErrScanning",
	ErrDuplicateDefinition: "ErrDuplicateDefinition",
	ErrMalformedState:      "ErrMalformedState",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can occur in the scanner.
// The caller can use type assertions to determine the specific error and
// access the ErrorCode field.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// scannerError creates an Error given a set of arguments.
func scannerError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is an Error with a matching ErrorCode.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}
