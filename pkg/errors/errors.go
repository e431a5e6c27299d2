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
	"github.com/pingcap/errors"
)

// errors
var (
	// actor system related errors
	ErrMailboxFull = errors.Normalize(
		"mailbox is full, please try again. Internal use only, report a bug if seen externally",
		errors.RFCCodeText("FLOW:ErrMailboxFull"),
	)
	ErrActorNotFound = errors.Normalize(
		"actor not found, %d",
		errors.RFCCodeText("FLOW:ErrActorNotFound"),
	)
	ErrActorDuplicate = errors.Normalize(
		"duplicated actor, %d",
		errors.RFCCodeText("FLOW:ErrActorDuplicate"),
	)
	ErrActorStopped = errors.Normalize(
		"actor stopped",
		errors.RFCCodeText("FLOW:ErrActorStopped"),
	)
	ErrAsyncPoolExited = errors.Normalize(
		"asyncPool has exited. Report a bug if seen externally.",
		errors.RFCCodeText("FLOW:ErrAsyncPoolExited"),
	)

	// iteration errors, all of them are fatal for the iteration
	ErrAllocateMemory = errors.Normalize(
		"allocate device memory failed, actor: %s, size: %d",
		errors.RFCCodeText("FLOW:ErrAllocateMemory"),
	)
	ErrLaunchKernel = errors.Normalize(
		"launch kernel failed: %s",
		errors.RFCCodeText("FLOW:ErrLaunchKernel"),
	)
	ErrEraseInput = errors.Normalize(
		"erase input %s failed: %s, sequential number %d was never recorded",
		errors.RFCCodeText("FLOW:ErrEraseInput"),
	)
	ErrSwitchIndexOutOfRange = errors.Normalize(
		"switch %s got branch index %d out of range [0, %d)",
		errors.RFCCodeText("FLOW:ErrSwitchIndexOutOfRange"),
	)
	ErrSwitchInputOverflow = errors.Normalize(
		"switch %s received unexpected input at position %d, sequential number %d",
		errors.RFCCodeText("FLOW:ErrSwitchInputOverflow"),
	)
	ErrSwitchCondition = errors.Normalize(
		"switch %s can not decode condition: %s",
		errors.RFCCodeText("FLOW:ErrSwitchCondition"),
	)
	ErrDeviceTensorStoreMissing = errors.Normalize(
		"%s get device tensor store failed: %s",
		errors.RFCCodeText("FLOW:ErrDeviceTensorStoreMissing"),
	)
	ErrOutputCollected = errors.Normalize(
		"output slot %d is already collected, sequential number %d",
		errors.RFCCodeText("FLOW:ErrOutputCollected"),
	)
	ErrDebugFailed = errors.Normalize(
		"debug hook failed on kernel %s",
		errors.RFCCodeText("FLOW:ErrDebugFailed"),
	)
	ErrTensorCopy = errors.Normalize(
		"copy tensor failed: %s",
		errors.RFCCodeText("FLOW:ErrTensorCopy"),
	)
	ErrIterationAborted = errors.Normalize(
		"iteration %d aborted",
		errors.RFCCodeText("FLOW:ErrIterationAborted"),
	)

	// compile errors
	ErrGraphInvalid = errors.Normalize(
		"graph is invalid: %s",
		errors.RFCCodeText("FLOW:ErrGraphInvalid"),
	)
	ErrKernelNotFound = errors.Normalize(
		"kernel type %s is not registered",
		errors.RFCCodeText("FLOW:ErrKernelNotFound"),
	)
	ErrKernelAttr = errors.Normalize(
		"kernel %s has invalid attribute: %s",
		errors.RFCCodeText("FLOW:ErrKernelAttr"),
	)
	ErrInputMismatch = errors.Normalize(
		"input %s mismatch: %s",
		errors.RFCCodeText("FLOW:ErrInputMismatch"),
	)
	ErrSchedulerClosed = errors.Normalize(
		"graph scheduler is closed",
		errors.RFCCodeText("FLOW:ErrSchedulerClosed"),
	)

	// config and cli errors
	ErrInvalidConfig = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("FLOW:ErrInvalidConfig"),
	)
	ErrDecodeFailed = errors.Normalize(
		"decode failed: %s",
		errors.RFCCodeText("FLOW:ErrDecodeFailed"),
	)
)
