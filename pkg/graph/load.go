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
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
)

// LoadFile loads a graph from a TOML or JSON file, chosen by extension.
// Unknown keys are rejected.
func LoadFile(path string) (*Graph, error) {
	g := &Graph{}
	if err := decodeFile(path, g); err != nil {
		return nil, err
	}
	if g.Name == "" {
		g.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return g, nil
}

// Feed is the host value of one graph input.
type Feed struct {
	Name string `toml:"name" json:"name"`
	// DType defaults to the dtype of the graph input.
	DType  string    `toml:"dtype" json:"dtype"`
	Shape  []int     `toml:"shape" json:"shape"`
	Values []float64 `toml:"values" json:"values"`
}

type feedFile struct {
	Feeds []*Feed `toml:"feeds" json:"feeds"`
}

// LoadFeeds loads the inputs of an iteration from a TOML or JSON file.
func LoadFeeds(path string) ([]*Feed, error) {
	f := &feedFile{}
	if err := decodeFile(path, f); err != nil {
		return nil, err
	}
	return f.Feeds, nil
}

// HostInputs converts feeds into host tensors ordered by the graph inputs.
func (g *Graph) HostInputs(feeds []*Feed) ([]*device.HostTensor, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	byName := make(map[string]*Feed, len(feeds))
	for _, f := range feeds {
		byName[f.Name] = f
	}
	hosts := make([]*device.HostTensor, 0, len(g.Inputs))
	for _, in := range g.Inputs {
		f, ok := byName[in.Name]
		if !ok {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(in.Name, "no value is fed")
		}
		delete(byName, in.Name)
		dtype := in.dtype
		if f.DType != "" && f.DType != in.DType {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				in.Name, fmt.Sprintf("dtype %s, expect %s", f.DType, in.DType))
		}
		shape := f.Shape
		if shape == nil {
			shape = in.Shape
		}
		if !slices.Equal(shape, in.Shape) {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				in.Name, fmt.Sprintf("shape %v, expect %v", shape, in.Shape))
		}
		h, err := ToHost(dtype, shape, f.Values)
		if err != nil {
			return nil, errors.Trace(err)
		}
		hosts = append(hosts, h)
	}
	for name := range byName {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(name, "not an input of the graph")
	}
	return hosts, nil
}

func decodeFile(path string, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, v)
		if err != nil {
			return cerrors.WrapError(cerrors.ErrDecodeFailed, err, path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return cerrors.ErrDecodeFailed.GenWithStackByArgs(
				fmt.Sprintf("%s contains unknown keys: %s", path, strings.Join(keys, ", ")))
		}
		return nil
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return cerrors.WrapError(cerrors.ErrDecodeFailed, err, path)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return cerrors.WrapError(cerrors.ErrDecodeFailed, err, path)
		}
		return nil
	}
	return cerrors.ErrDecodeFailed.GenWithStackByArgs(path + ": unknown file extension")
}
