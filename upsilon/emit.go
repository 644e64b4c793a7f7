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

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// WriteIR writes the module as textual LLVM IR.
func (o *Output) WriteIR(w io.Writer) error {
	_, err := o.Module.WriteTo(w)
	return errors.Wrap(err, "writing IR")
}

// String returns the module as textual LLVM IR.
func (o *Output) String() string {
	return o.Module.String()
}

// WriteIRFile atomically replaces path with the IR of the module.
func (o *Output) WriteIRFile(path string) error {
	return writeAtomically(path, o.WriteIR)
}

// WriteManifestFile atomically replaces path with the manifest.
func (o *Output) WriteManifestFile(path string) error {
	return writeAtomically(path, o.WriteManifest)
}

// writeAtomically either fully writes path or leaves it untouched.
func writeAtomically(path string, write func(io.Writer) error) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Cleanup()

	if err := write(f); err != nil {
		return err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// ModuleName derives a module name from a file name or URL path.
func ModuleName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CompileFile parses the module at in, lowers it and writes the IR to out.
// Nothing is written if any step fails.
func (c *Compiler) CompileFile(in, out string) (*Output, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return c.CompileReader(f, ModuleName(in), out)
}

// CompileReader is CompileFile for an already opened module.
func (c *Compiler) CompileReader(r io.Reader, name, out string) (*Output, error) {
	module, err := NewParser(r).Parse()
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %s", name)
	}
	module.Name = name

	output, err := c.Lower(module)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %s", name)
	}
	if err := output.WriteIRFile(out); err != nil {
		return nil, err
	}
	return output, nil
}
