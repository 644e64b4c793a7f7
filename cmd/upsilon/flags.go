// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"runtime"

	"github.com/spf13/pflag"
	"github.com/ziggy42/upsilon/upsilon"
)

const (
	keyConfig                = "config"                  // string
	keyOutDir                = "out-dir"                 // string
	keyTarget                = "target"                  // string
	keyLayout                = "layout"                  // string
	keyInlineConstantGlobals = "inline-constant-globals" // bool
	keyMaxTableSize          = "max-table-size"          // uint32
	keyEmitMemoryLimits      = "emit-memory-limits"      // bool
	keyManifest              = "manifest"                // bool
	keyVerbose               = "verbose"                 // bool
	keyQuiet                 = "quiet"                   // bool
	keyJobs                  = "jobs"                    // int
)

// hostTarget asks for the triple of the machine running the compiler.
const hostTarget = "host"

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("upsilon", pflag.ContinueOnError)
	flags.String(keyConfig, "", "Optional config file")
	flags.StringP(keyOutDir, "o", ".", "Directory the generated files are written to")
	flags.String(keyTarget, "", "Target triple of the generated modules, or \"host\"")
	flags.String(keyLayout, "", "Data layout of the generated modules")
	flags.Bool(
		keyInlineConstantGlobals,
		false,
		"Replace immutable globals with their value at every use",
	)
	flags.Uint32(
		keyMaxTableSize,
		upsilon.DefaultMaxTableSize,
		"Largest table a module may declare",
	)
	flags.Bool(
		keyEmitMemoryLimits,
		false,
		"Emit the starting_pages and max_pages globals",
	)
	flags.Bool(keyManifest, false, "Write a YAML manifest next to each module")
	flags.BoolP(keyVerbose, "v", false, "Enable debug messages")
	flags.BoolP(keyQuiet, "q", false, "Only report warnings and errors")
	flags.IntP(keyJobs, "j", runtime.GOMAXPROCS(0), "Number of modules compiled in parallel")
	return flags
}
