// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"

	"github.com/pingcap/errors"
)

// iterationErrors are the errors that fail one iteration but leave the
// compiled actor set usable for the next one.
var iterationErrors = []*errors.Error{
	ErrAllocateMemory,
	ErrLaunchKernel,
	ErrSwitchIndexOutOfRange,
	ErrSwitchInputOverflow,
	ErrSwitchCondition,
	ErrDeviceTensorStoreMissing,
	ErrOutputCollected,
	ErrDebugFailed,
	ErrInputMismatch,
	ErrTensorCopy,
}

// IsIterationError returns true if the error only affects the iteration
// that raised it.
func IsIterationError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range iterationErrors {
		if e.Equal(err) {
			return true
		}
	}
	return false
}

// IsInvariantViolation returns true if the error shows that the scheduling
// bookkeeping is broken. Such errors are programmer errors.
func IsInvariantViolation(err error) bool {
	return ErrEraseInput.Equal(err)
}

// IsContextCanceledError checks if an error is caused by context canceled.
func IsContextCanceledError(err error) bool {
	return errors.Cause(err) == context.Canceled
}

// RFCCode returns the RFC code of the outermost normalized error on the
// chain of err, or an empty string.
func RFCCode(err error) errors.RFCErrorCode {
	var code errors.RFCErrorCode
	walk(err, func(e *errors.Error) bool {
		code = e.RFCCode()
		return true
	})
	return code
}

// Is returns true if target is on the chain of err. Unlike Equal it also
// finds errors wrapped by WrapError.
func Is(err error, target *errors.Error) bool {
	found := false
	walk(err, func(e *errors.Error) bool {
		found = e.ID() == target.ID()
		return found
	})
	return found
}

// walk calls fn on every normalized error of the chain, outermost first,
// until fn returns true.
func walk(err error, fn func(*errors.Error) bool) {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if e, ok := err.(*errors.Error); ok && fn(e) {
			return
		}
		c, ok := err.(causer)
		if !ok {
			return
		}
		next := c.Cause()
		if next == err {
			return
		}
		err = next
	}
}

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}
