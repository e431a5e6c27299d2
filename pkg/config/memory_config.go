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

package config

import (
	"fmt"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
)

// Free policies of the memory manager.
const (
	// FreePolicyIssued lets an actor send its outputs right after its free
	// request is issued.
	FreePolicyIssued = "issued"
	// FreePolicyCompleted lets an actor send its outputs only after its
	// free request is completed.
	FreePolicyCompleted = "completed"
)

// MemoryConfig configs the device memory.
type MemoryConfig struct {
	// Capacity is the bytes a device context may allocate, 0 means unlimited.
	Capacity   int    `toml:"capacity" json:"capacity"`
	FreePolicy string `toml:"free-policy" json:"free-policy"`
}

// ValidateAndAdjust verifies that each parameter is valid.
func (c *MemoryConfig) ValidateAndAdjust() error {
	if c.Capacity < 0 {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("capacity must not be negative")
	}
	switch c.FreePolicy {
	case "":
		c.FreePolicy = FreePolicyIssued
	case FreePolicyIssued, FreePolicyCompleted:
	default:
		return cerrors.ErrInvalidConfig.GenWithStackByArgs(
			fmt.Sprintf("unknown free-policy %q, must be %q or %q",
				c.FreePolicy, FreePolicyIssued, FreePolicyCompleted))
	}
	return nil
}
