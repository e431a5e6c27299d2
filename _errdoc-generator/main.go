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

package main

import (
	"flag"
	"fmt"
	"os"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
)

func main() {
	var outpath string
	flag.StringVar(&outpath, "output", "", "Specify the error documentation output file path")
	flag.Parse()
	if outpath == "" {
		fmt.Println("Usage: ./_errdoc-generator --output /path/to/errors.toml")
		os.Exit(1)
	}

	// Read-in the exists file and merge the description/workaround from exists file
	existing, err := os.ReadFile(outpath)
	if err != nil && !os.IsNotExist(err) {
		fmt.Printf("Read %s failed: %v\n", outpath, err)
		os.Exit(1)
	}
	doc, err := cerrors.GenerateDoc(existing)
	if err != nil {
		fmt.Printf("Generate error document failed: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outpath, doc, 0o644); err != nil {
		fmt.Printf("Write %s failed: %v\n", outpath, err)
		os.Exit(1)
	}
}
