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

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveVAndHash(t *testing.T) {
	t.Parallel()

	cases := []struct {
		version string
		expect  string
	}{
		{"", ""},
		{"v1.2.3", "1.2.3"},
		{"v1.2.3-rc.1", "1.2.3-rc.1"},
		{"v1.2.3-12-g1a2b3c4", "1.2.3"},
		{"v1.2.3-12-g1a2b3c4-dev", "1.2.3"},
		{"v1.2.3-dirty", "1.2.3"},
	}
	for _, cs := range cases {
		require.Equal(t, cs.expect, removeVAndHash(cs.version), cs.version)
	}
}

func TestReleaseSemver(t *testing.T) {
	backup := ReleaseVersion
	defer func() { ReleaseVersion = backup }()

	ReleaseVersion = "None"
	require.Equal(t, "", ReleaseSemver())
	ReleaseVersion = "v0.3.0-5-g0123456-dev"
	require.Equal(t, "0.3.0", ReleaseSemver())
	require.Contains(t, GetRawInfo(), "Release Version: v0.3.0-5-g0123456-dev")
}
