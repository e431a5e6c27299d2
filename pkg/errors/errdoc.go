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
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// allErrors lists the errors documented in errors.toml.
var allErrors = []*errors.Error{
	ErrMailboxFull,
	ErrActorNotFound,
	ErrActorDuplicate,
	ErrActorStopped,
	ErrAsyncPoolExited,
	ErrAllocateMemory,
	ErrLaunchKernel,
	ErrEraseInput,
	ErrSwitchIndexOutOfRange,
	ErrSwitchInputOverflow,
	ErrSwitchCondition,
	ErrDeviceTensorStoreMissing,
	ErrOutputCollected,
	ErrDebugFailed,
	ErrTensorCopy,
	ErrIterationAborted,
	ErrGraphInvalid,
	ErrKernelNotFound,
	ErrKernelAttr,
	ErrInputMismatch,
	ErrSchedulerClosed,
	ErrInvalidConfig,
	ErrDecodeFailed,
}

type docSpec struct {
	Code        string
	Error       string `toml:"error"`
	Description string `toml:"description"`
	Workaround  string `toml:"workaround"`
}

// GenerateDoc renders every error as a TOML table keyed by its RFC code.
// The description and workaround of an error are kept from existing, which
// is a previously generated document and may be empty.
func GenerateDoc(existing []byte) ([]byte, error) {
	existDefinition := map[string]docSpec{}
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &existDefinition); err != nil {
			return nil, WrapError(ErrDecodeFailed, err, "existing error document")
		}
	}

	dedup := make(map[string]docSpec, len(allErrors))
	for _, e := range allErrors {
		code := string(e.RFCCode())
		if _, found := dedup[code]; found {
			return nil, errors.Errorf("duplicated error code %s", code)
		}
		// The message template is not exported.
		message := reflect.ValueOf(e).Elem().FieldByName("message")
		s := docSpec{Code: code, Error: message.String()}
		if exist, found := existDefinition[code]; found {
			s.Description = strings.TrimSpace(exist.Description)
			s.Workaround = strings.TrimSpace(exist.Workaround)
		}
		dedup[code] = s
	}

	sorted := make([]docSpec, 0, len(dedup))
	for _, item := range dedup {
		sorted = append(sorted, item)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Code < sorted[j].Code
	})

	// toml can not keep the order of a map, write the tables by hand.
	buffer := bytes.NewBufferString("# AUTOGENERATED BY _errdoc-generator\n" +
		"# YOU CAN CHANGE THE 'description'/'workaround' FIELDS IF THEM ARE IMPROPER.\n\n")
	for _, item := range sorted {
		buffer.WriteString(fmt.Sprintf("[\"%s\"]\nerror = '''\n%s\n'''\n", item.Code, item.Error))
		if item.Description != "" {
			buffer.WriteString(fmt.Sprintf("description = '''\n%s\n'''\n", item.Description))
		}
		if item.Workaround != "" {
			buffer.WriteString(fmt.Sprintf("workaround = '''\n%s\n'''\n", item.Workaround))
		}
		buffer.WriteString("\n")
	}
	return buffer.Bytes(), nil
}
