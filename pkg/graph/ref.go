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

package graph

import (
	"strconv"
	"strings"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
)

// RefKind is the kind of the value a reference points to.
type RefKind int

// kinds of Ref
const (
	RefUnknown RefKind = iota
	RefInput
	RefWeight
	RefNode
	RefSwitch
)

// Ref is a parsed reference to a value of the graph. The accepted forms are
// "name", "name:index" and "switch@branch:arg".
type Ref struct {
	Kind RefKind
	Name string
	// Index is the output index of a node.
	Index int
	// Branch and Arg locate a switch output, Arg indexes the argument list
	// of the branch.
	Branch int
	Arg    int
	// IsBranch is set for "switch@branch" and "switch@branch:arg" forms.
	IsBranch bool
}

// ParseRef parses a reference. The kind is resolved by Graph.Validate.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, cerrors.ErrGraphInvalid.GenWithStackByArgs("empty reference")
	}
	if name, rest, ok := strings.Cut(s, "@"); ok {
		if name == "" {
			return Ref{}, invalidRef(s)
		}
		branchStr, argStr, hasArg := strings.Cut(rest, ":")
		branch, err := strconv.Atoi(branchStr)
		if err != nil || branch < 0 {
			return Ref{}, invalidRef(s)
		}
		ref := Ref{Kind: RefSwitch, Name: name, Branch: branch, Arg: -1, IsBranch: true}
		if hasArg {
			arg, err := strconv.Atoi(argStr)
			if err != nil || arg < 0 {
				return Ref{}, invalidRef(s)
			}
			ref.Arg = arg
		}
		return ref, nil
	}
	name, idxStr, hasIdx := strings.Cut(s, ":")
	if name == "" {
		return Ref{}, invalidRef(s)
	}
	ref := Ref{Name: name}
	if hasIdx {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			return Ref{}, invalidRef(s)
		}
		ref.Index = idx
	}
	return ref, nil
}

func invalidRef(s string) error {
	return cerrors.ErrGraphInvalid.GenWithStackByArgs("invalid reference " + strconv.Quote(s))
}

// String formats the reference in its canonical form.
func (r Ref) String() string {
	if r.IsBranch {
		s := r.Name + "@" + strconv.Itoa(r.Branch)
		if r.Arg >= 0 {
			s += ":" + strconv.Itoa(r.Arg)
		}
		return s
	}
	if r.Index == 0 {
		return r.Name
	}
	return r.Name + ":" + strconv.Itoa(r.Index)
}
