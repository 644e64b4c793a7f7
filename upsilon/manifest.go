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

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Manifest describes the symbols of a lowered module for host tooling.
type Manifest struct {
	Module  string           `yaml:"module"`
	Target  string           `yaml:"target,omitempty"`
	Layout  string           `yaml:"layout,omitempty"`
	Trap    string           `yaml:"trap"`
	Start   string           `yaml:"start,omitempty"`
	Imports []ManifestImport `yaml:"imports,omitempty"`
	Exports []ManifestExport `yaml:"exports,omitempty"`
	Globals []ManifestGlobal `yaml:"globals,omitempty"`
	Memory  *ManifestMemory  `yaml:"memory,omitempty"`
	Table   *ManifestTable   `yaml:"table,omitempty"`
}

// ManifestImport is an imported entity and the symbol it resolves to.
type ManifestImport struct {
	Kind   string `yaml:"kind"`
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol,omitempty"`
}

// ManifestExport is an exported entity and the symbol that implements it.
type ManifestExport struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Symbol string `yaml:"symbol"`
}

// ManifestGlobal describes one entry of the global index space.
type ManifestGlobal struct {
	Index   uint32 `yaml:"index"`
	Symbol  string `yaml:"symbol"`
	Type    string `yaml:"type"`
	Mutable bool   `yaml:"mutable"`
	Inlined bool   `yaml:"inlined,omitempty"`
}

// ManifestMemory describes the memory image and its declared limits.
type ManifestMemory struct {
	Symbol      string  `yaml:"symbol"`
	Pages       uint32  `yaml:"pages"`
	MinPages    uint64  `yaml:"min_pages"`
	MaxPages    *uint64 `yaml:"max_pages,omitempty"`
	LimitGlobal bool    `yaml:"limit_globals,omitempty"`
}

// ManifestTable describes the indirect call table.
type ManifestTable struct {
	Symbol string `yaml:"symbol"`
	Size   uint32 `yaml:"size"`
}

// Manifest summarizes the output.
func (o *Output) Manifest() *Manifest {
	ctx := o.Context
	m := &Manifest{
		Module: o.source.Name,
		Target: ctx.Config.Target,
		Layout: ctx.Config.Layout,
		Trap:   ctx.Stubs.Trap.Name(),
	}
	if o.source.StartIndex != nil && int(*o.source.StartIndex) < len(ctx.Functions) {
		m.Start = ctx.Functions[*o.source.StartIndex].Decl.Symbol()
	}

	for _, fn := range o.decls.functions {
		if imp, ok := fn.(*ImportedFunction); ok {
			m.Imports = append(m.Imports, ManifestImport{
				Kind:   FunctionIndexType.String(),
				Module: imp.Module,
				Name:   imp.Name,
				Symbol: imp.Symbol(),
			})
		}
	}
	for _, g := range o.decls.globals {
		if imp, ok := g.(*ImportedGlobal); ok {
			m.Imports = append(m.Imports, ManifestImport{
				Kind:   GlobalIndexType.String(),
				Module: imp.Module,
				Name:   imp.Name,
				Symbol: imp.Symbol(),
			})
		}
	}
	// Imported memories and tables are materialized in the module itself.
	for _, imp := range o.source.Imports {
		switch imp.Type.(type) {
		case MemoryType:
			m.Imports = append(m.Imports, ManifestImport{
				Kind: MemoryIndexType.String(), Module: imp.ModuleName, Name: imp.Name,
				Symbol: memorySymbol,
			})
		case TableType:
			m.Imports = append(m.Imports, ManifestImport{
				Kind: TableIndexType.String(), Module: imp.ModuleName, Name: imp.Name,
				Symbol: tableSymbol,
			})
		}
	}

	for _, exp := range o.source.Exports {
		e := ManifestExport{Name: exp.Name, Kind: exp.IndexType.String()}
		switch exp.IndexType {
		case FunctionIndexType:
			if int(exp.Index) < len(o.decls.functions) {
				e.Symbol = o.decls.functions[exp.Index].Symbol()
			}
		case GlobalIndexType:
			if int(exp.Index) < len(o.decls.globals) {
				e.Symbol = o.decls.globals[exp.Index].Symbol()
			}
		case MemoryIndexType:
			e.Symbol = memorySymbol
		case TableIndexType:
			e.Symbol = tableSymbol
		}
		m.Exports = append(m.Exports, e)
	}

	for i, g := range o.decls.globals {
		_, inlined := ctx.Globals[i].(*InlinedConstant)
		m.Globals = append(m.Globals, ManifestGlobal{
			Index:   uint32(i),
			Symbol:  g.Symbol(),
			Type:    g.ValueType().String(),
			Mutable: g.IsMutable(),
			Inlined: inlined,
		})
	}

	if ctx.Memory != nil {
		m.Memory = &ManifestMemory{
			Symbol:      memorySymbol,
			Pages:       ctx.Memory.Pages,
			MinPages:    ctx.Memory.Limits.Min,
			MaxPages:    ctx.Memory.Limits.Max,
			LimitGlobal: ctx.Config.EmitMemoryLimits,
		}
	}
	if ctx.Table != nil {
		m.Table = &ManifestTable{Symbol: tableSymbol, Size: ctx.Table.Size}
	}
	return m
}

// WriteManifest writes the manifest as YAML.
func (o *Output) WriteManifest(w io.Writer) error {
	out, err := yaml.Marshal(o.Manifest())
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	_, err = w.Write(out)
	return errors.Wrap(err, "writing manifest")
}
