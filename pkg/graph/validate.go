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
	"fmt"
	"sort"
	"strings"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/pingcap/errors"
)

func invalidf(format string, args ...any) error {
	return cerrors.ErrGraphInvalid.GenWithStackByArgs(fmt.Sprintf(format, args...))
}

// Validate checks the graph and resolves its references. It must be called
// before the graph is compiled. A graph is validated only once.
func (g *Graph) Validate() error {
	if g.validated {
		return nil
	}
	kinds := make(map[string]RefKind)
	declare := func(name string, kind RefKind) error {
		if name == "" {
			return invalidf("empty name")
		}
		if strings.ContainsAny(name, ":@") {
			return invalidf("name %q contains ':' or '@'", name)
		}
		if _, ok := kinds[name]; ok {
			return invalidf("duplicated name %q", name)
		}
		kinds[name] = kind
		return nil
	}

	for _, in := range g.Inputs {
		if err := declare(in.Name, RefInput); err != nil {
			return err
		}
		dtype, err := ParseDType(in.DType)
		if err != nil {
			return errors.Trace(err)
		}
		if err := checkShape(in.Name, in.Shape); err != nil {
			return err
		}
		in.dtype = dtype
	}
	for _, w := range g.Weights {
		if err := declare(w.Name, RefWeight); err != nil {
			return err
		}
		dtype, err := ParseDType(w.DType)
		if err != nil {
			return errors.Trace(err)
		}
		if err := checkShape(w.Name, w.Shape); err != nil {
			return err
		}
		if device.NumElements(w.Shape) != len(w.Values) {
			return invalidf("weight %s has %d values for shape %v", w.Name, len(w.Values), w.Shape)
		}
		w.dtype = dtype
	}
	for _, n := range g.Nodes {
		if err := declare(n.Name, RefNode); err != nil {
			return err
		}
		if n.Kernel == "" {
			return invalidf("node %s has no kernel", n.Name)
		}
	}
	switches := make(map[string]*Switch, len(g.Switches))
	for _, s := range g.Switches {
		if err := declare(s.Name, RefSwitch); err != nil {
			return err
		}
		switch s.Kind {
		case SwitchBool:
			if len(s.Branches) != 2 {
				return invalidf("bool switch %s must have 2 branches, got %d", s.Name, len(s.Branches))
			}
		case SwitchIndex:
			if len(s.Branches) == 0 {
				return invalidf("index switch %s has no branch", s.Name)
			}
		default:
			return invalidf("switch %s has unknown kind %q", s.Name, s.Kind)
		}
		for b, branch := range s.Branches {
			if branch == nil {
				return invalidf("switch %s branch %d is empty", s.Name, b)
			}
		}
		switches[s.Name] = s
	}

	resolve := func(owner, s string) (Ref, error) {
		ref, err := ParseRef(s)
		if err != nil {
			return Ref{}, errors.Trace(err)
		}
		kind, ok := kinds[ref.Name]
		if !ok {
			return Ref{}, invalidf("%s references unknown %q", owner, s)
		}
		switch {
		case ref.IsBranch:
			sw, ok := switches[ref.Name]
			if !ok {
				return Ref{}, invalidf("%s references %q, %s is not a switch", owner, s, ref.Name)
			}
			if ref.Branch >= len(sw.Branches) {
				return Ref{}, invalidf("%s references %q, switch %s has %d branches",
					owner, s, sw.Name, len(sw.Branches))
			}
		case kind == RefSwitch:
			return Ref{}, invalidf("%s references switch %q without a branch", owner, s)
		case kind != RefNode && ref.Index != 0:
			return Ref{}, invalidf("%s references %q, %s has one value", owner, s, ref.Name)
		}
		ref.Kind = kind
		return ref, nil
	}
	resolveData := func(owner, s string) (Ref, error) {
		ref, err := resolve(owner, s)
		if err != nil {
			return Ref{}, err
		}
		if ref.IsBranch {
			sw := switches[ref.Name]
			if ref.Arg < 0 || ref.Arg >= sw.NumArgs(ref.Branch) {
				return Ref{}, invalidf("%s references %q, branch %d of switch %s has %d arguments",
					owner, s, ref.Branch, sw.Name, sw.NumArgs(ref.Branch))
			}
		}
		return ref, nil
	}
	resolveAll := func(owner string, ss []string) ([]Ref, error) {
		refs := make([]Ref, 0, len(ss))
		for _, s := range ss {
			ref, err := resolveData(owner, s)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	}

	var err error
	for _, n := range g.Nodes {
		if n.inputRefs, err = resolveAll(n.Name, n.Inputs); err != nil {
			return err
		}
		n.controlRefs = make([]Ref, 0, len(n.ControlDeps))
		for _, s := range n.ControlDeps {
			ref, err := resolve(n.Name, s)
			if err != nil {
				return err
			}
			if ref.Kind != RefNode && !(ref.IsBranch && ref.Arg < 0) {
				return invalidf("%s has control dependency %q, only nodes and switch branches are allowed",
					n.Name, s)
			}
			n.controlRefs = append(n.controlRefs, ref)
		}
	}
	for _, s := range g.Switches {
		if s.condRef, err = resolveData(s.Name, s.Condition); err != nil {
			return err
		}
		if s.commonRefs, err = resolveAll(s.Name, s.Common); err != nil {
			return err
		}
		for _, b := range s.Branches {
			if b.inputRefs, err = resolveAll(s.Name, b.Inputs); err != nil {
				return err
			}
		}
	}
	for _, o := range g.Outputs {
		if len(o.Refs) == 0 {
			return invalidf("output %s has no producer", o.Name)
		}
		o.refs, err = resolveAll("output "+o.Name, o.Refs)
		if err != nil {
			return err
		}
		for i, ref := range o.refs {
			if ref.Kind != RefNode {
				return invalidf("output %s references %q, outputs must be produced by nodes",
					o.Name, o.Refs[i])
			}
		}
	}

	if g.order, err = g.sort(); err != nil {
		return err
	}
	if err = g.resolveOwners(); err != nil {
		return err
	}
	for _, o := range g.Outputs {
		for i := range o.refs {
			for j := i + 1; j < len(o.refs); j++ {
				if !g.exclusive(o.refs[i].Name, o.refs[j].Name) {
					return invalidf("output %s has producers %s and %s which may both run",
						o.Name, o.refs[i].Name, o.refs[j].Name)
				}
			}
		}
		chains := make([][]BranchKey, 0, len(o.refs))
		for _, ref := range o.refs {
			var chain []BranchKey
			if key, ok := g.owners[ref.Name]; ok {
				chain = g.chain(key)
			}
			chains = append(chains, chain)
		}
		if !g.covers(chains) {
			return invalidf("output %s is not produced by every branch", o.Name)
		}
	}
	g.validated = true
	return nil
}

func checkShape(name string, shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return invalidf("%s has negative dimension in shape %v", name, shape)
		}
	}
	return nil
}

// dependencies returns the nodes and switches a vertex depends on.
func (g *Graph) dependencies(v Vertex) []Ref {
	if v.Kind == VertexNode {
		n := g.Node(v.Name)
		deps := make([]Ref, 0, len(n.inputRefs)+len(n.controlRefs))
		deps = append(deps, n.inputRefs...)
		return append(deps, n.controlRefs...)
	}
	s := g.Switch(v.Name)
	deps := append([]Ref{s.condRef}, s.commonRefs...)
	for _, b := range s.Branches {
		deps = append(deps, b.inputRefs...)
	}
	return deps
}

// sort orders nodes and switches topologically, it fails on cycles.
func (g *Graph) sort() ([]Vertex, error) {
	vertices := make([]Vertex, 0, len(g.Nodes)+len(g.Switches))
	for _, n := range g.Nodes {
		vertices = append(vertices, Vertex{Kind: VertexNode, Name: n.Name})
	}
	for _, s := range g.Switches {
		vertices = append(vertices, Vertex{Kind: VertexSwitch, Name: s.Name})
	}

	inDegree := make(map[string]int, len(vertices))
	successors := make(map[string][]Vertex, len(vertices))
	for _, v := range vertices {
		seen := make(map[string]struct{})
		for _, dep := range g.dependencies(v) {
			if dep.Kind != RefNode && dep.Kind != RefSwitch {
				continue
			}
			if _, ok := seen[dep.Name]; ok {
				continue
			}
			seen[dep.Name] = struct{}{}
			inDegree[v.Name]++
			successors[dep.Name] = append(successors[dep.Name], v)
		}
	}

	queue := make([]Vertex, 0, len(vertices))
	for _, v := range vertices {
		if inDegree[v.Name] == 0 {
			queue = append(queue, v)
		}
	}
	order := make([]Vertex, 0, len(vertices))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, succ := range successors[v.Name] {
			inDegree[succ.Name]--
			if inDegree[succ.Name] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if len(order) != len(vertices) {
		cyclic := make([]string, 0)
		for _, v := range vertices {
			if inDegree[v.Name] > 0 {
				cyclic = append(cyclic, v.Name)
			}
		}
		sort.Strings(cyclic)
		return nil, invalidf("graph has a cycle through %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

// chain returns the branch and all its enclosing branches, innermost first.
func (g *Graph) chain(key BranchKey) []BranchKey {
	chain := []BranchKey{key}
	for {
		parent, ok := g.owners[key.Switch]
		if !ok {
			return chain
		}
		chain = append(chain, parent)
		key = parent
	}
}

func contains(chain []BranchKey, key BranchKey) bool {
	for _, k := range chain {
		if k == key {
			return true
		}
	}
	return false
}

// resolveOwners finds the innermost branch of every node and switch. A
// vertex belongs to a branch if it consumes a value of that branch.
func (g *Graph) resolveOwners() error {
	g.owners = make(map[string]BranchKey)
	for _, v := range g.order {
		var (
			owner    BranchKey
			hasOwner bool
		)
		for _, dep := range g.dependencies(v) {
			var (
				key BranchKey
				ok  bool
			)
			switch {
			case dep.IsBranch:
				key, ok = BranchKey{Switch: dep.Name, Branch: dep.Branch}, true
			case dep.Kind == RefNode:
				key, ok = g.owners[dep.Name]
			}
			if !ok {
				continue
			}
			switch {
			case !hasOwner:
				owner, hasOwner = key, true
			case contains(g.chain(key), owner):
				owner = key
			case contains(g.chain(owner), key):
			default:
				return invalidf("%s consumes values of branch %s@%d and %s@%d which never run together",
					v.Name, owner.Switch, owner.Branch, key.Switch, key.Branch)
			}
		}
		if hasOwner {
			g.owners[v.Name] = owner
		}
	}
	return nil
}

// exclusive returns true if two vertices are in different branches of a
// switch, so at most one of them runs in an iteration.
func (g *Graph) exclusive(a, b string) bool {
	ka, okA := g.owners[a]
	kb, okB := g.owners[b]
	if !okA || !okB {
		return false
	}
	for _, x := range g.chain(ka) {
		for _, y := range g.chain(kb) {
			if x.Switch == y.Switch && x.Branch != y.Branch {
				return true
			}
		}
	}
	return false
}

// covers returns true if, whichever branches are taken, one of the chains
// runs. A chain lists a branch and its enclosing branches, innermost first,
// an empty chain always runs.
func (g *Graph) covers(chains [][]BranchKey) bool {
	bySwitch := make(map[string][][]BranchKey)
	for _, chain := range chains {
		if len(chain) == 0 {
			return true
		}
		outer := chain[len(chain)-1]
		bySwitch[outer.Switch] = append(bySwitch[outer.Switch], chain)
	}
	for name, group := range bySwitch {
		sw := g.Switch(name)
		covered := true
		for b := range sw.Branches {
			inner := make([][]BranchKey, 0, len(group))
			for _, chain := range group {
				if chain[len(chain)-1].Branch == b {
					inner = append(inner, chain[:len(chain)-1])
				}
			}
			if len(inner) == 0 || !g.covers(inner) {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}
