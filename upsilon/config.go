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

package upsilon

import "github.com/sirupsen/logrus"

// DefaultMaxTableSize is the largest table lowering accepts by default.
const DefaultMaxTableSize = 1024

// Config controls a single compilation. It is read-only for the duration of
// Lower and may be shared by concurrent compilations.
type Config struct {
	// InlineConstantGlobals replaces immutable in-module globals with their
	// initial value at every use site instead of allocating storage.
	// Default: false.
	InlineConstantGlobals bool

	// Target is the target triple of the generated module. Empty leaves the
	// choice to the backend.
	Target string

	// Layout is the data layout string of the generated module.
	Layout string

	// MaxTableSize bounds the declared minimum and maximum of the table.
	// Default: DefaultMaxTableSize.
	MaxTableSize uint32

	// EmitMemoryLimits adds the starting_pages and max_pages globals that
	// expose the declared memory limits to the host. Default: false.
	EmitMemoryLimits bool

	// Logger receives progress messages. Default: the logrus standard logger.
	Logger logrus.FieldLogger

	// Stubs declares the runtime functions generated code calls into.
	// Default: DefaultStubRegistrar.
	Stubs StubRegistrar

	// Functions compiles function bodies. Default: DefaultFunctionCompiler.
	Functions FunctionCompiler
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTableSize: DefaultMaxTableSize,
		Logger:       logrus.StandardLogger(),
		Stubs:        DefaultStubRegistrar{},
		Functions:    DefaultFunctionCompiler{},
	}
}

// withDefaults fills the zero fields of c.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTableSize == 0 {
		c.MaxTableSize = d.MaxTableSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Stubs == nil {
		c.Stubs = d.Stubs
	}
	if c.Functions == nil {
		c.Functions = d.Functions
	}
	return c
}
