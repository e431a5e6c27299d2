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
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func TestGenerateDoc(t *testing.T) {
	t.Parallel()

	doc, err := GenerateDoc(nil)
	require.Nil(t, err)
	require.Contains(t, string(doc), "[\"FLOW:ErrSwitchIndexOutOfRange\"]\n"+
		"error = '''\nswitch %s got branch index %d out of range [0, %d)\n'''\n")

	var decoded map[string]docSpec
	_, err = toml.Decode(string(doc), &decoded)
	require.Nil(t, err)
	require.Len(t, decoded, len(allErrors))

	existing := []byte(`
["FLOW:ErrGraphInvalid"]
error = '''
outdated
'''
description = '''
  The graph fails the validation.
'''
workaround = "Fix the graph file."
`)
	doc, err = GenerateDoc(existing)
	require.Nil(t, err)
	require.Contains(t, string(doc), "[\"FLOW:ErrGraphInvalid\"]\nerror = '''\ngraph is invalid: %s\n'''\n"+
		"description = '''\nThe graph fails the validation.\n'''\n"+
		"workaround = '''\nFix the graph file.\n'''\n")

	_, err = GenerateDoc([]byte("not toml ["))
	require.True(t, Is(err, ErrDecodeFailed))
}
