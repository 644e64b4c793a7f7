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
	"fmt"

	"github.com/pkg/errors"
)

const (
	memorySymbol        = "linear_memory"
	tableSymbol         = "table_0"
	tableTypesSymbol    = "table_0.types"
	startingPagesSymbol = "starting_pages"
	maxPagesSymbol      = "max_pages"
)

var reservedSymbols = []string{
	memorySymbol, tableSymbol, tableTypesSymbol, startingPagesSymbol, maxPagesSymbol,
}

// GlobalDecl is either an *ImportedGlobal or a *ModuleGlobal.
type GlobalDecl interface {
	globalIndex() uint32
	Symbol() string
	ValueType() ValueType
	IsMutable() bool
}

// ImportedGlobal is a global provided by the host under Module and Name.
type ImportedGlobal struct {
	Index   uint32
	Module  string
	Name    string
	Type    ValueType
	Mutable bool
	symbol  string
}

// ModuleGlobal is a global defined by the module. Initializer is expected to
// hold exactly one constant-producing instruction.
type ModuleGlobal struct {
	Index         uint32
	GeneratedName string
	Type          ValueType
	Mutable       bool
	Initializer   []byte
}

func (g *ImportedGlobal) globalIndex() uint32  { return g.Index }
func (g *ImportedGlobal) Symbol() string       { return g.symbol }
func (g *ImportedGlobal) ValueType() ValueType { return g.Type }
func (g *ImportedGlobal) IsMutable() bool      { return g.Mutable }

func (g *ModuleGlobal) globalIndex() uint32  { return g.Index }
func (g *ModuleGlobal) Symbol() string       { return g.GeneratedName }
func (g *ModuleGlobal) ValueType() ValueType { return g.Type }
func (g *ModuleGlobal) IsMutable() bool      { return g.Mutable }

// FunctionDecl is either an *ImportedFunction or an *ImplementedFunction.
type FunctionDecl interface {
	functionIndex() uint32
	Symbol() string
	Signature() FunctionType
	SignatureIndex() uint32
}

// ImportedFunction is a function provided by the host under Module and Name.
type ImportedFunction struct {
	Index     uint32
	Module    string
	Name      string
	TypeIndex uint32
	Type      FunctionType
	symbol    string
}

// ImplementedFunction is a function whose body is defined by the module.
type ImplementedFunction struct {
	Index         uint32
	GeneratedName string
	TypeIndex     uint32
	Type          FunctionType
	Locals        []ValueType
	Body          []byte
}

func (f *ImportedFunction) functionIndex() uint32    { return f.Index }
func (f *ImportedFunction) Symbol() string           { return f.symbol }
func (f *ImportedFunction) Signature() FunctionType  { return f.Type }
func (f *ImportedFunction) SignatureIndex() uint32   { return f.TypeIndex }
func (f *ImplementedFunction) functionIndex() uint32 { return f.Index }
func (f *ImplementedFunction) Symbol() string        { return f.GeneratedName }
func (f *ImplementedFunction) Signature() FunctionType {
	return f.Type
}
func (f *ImplementedFunction) SignatureIndex() uint32 { return f.TypeIndex }

// declarations holds the function and global index spaces of a module.
type declarations struct {
	functions []FunctionDecl
	globals   []GlobalDecl
	memory    *MemoryType
	table     *TableType
}

// symbolTable hands out unique IR names.
type symbolTable struct {
	used map[string]int
}

func newSymbolTable(reserved ...string) *symbolTable {
	s := &symbolTable{used: make(map[string]int)}
	for _, name := range reserved {
		s.used[name] = 0
	}
	return s
}

func (s *symbolTable) unique(name string) string {
	n, taken := s.used[name]
	if !taken {
		s.used[name] = 0
		return name
	}
	for {
		n++
		candidate := fmt.Sprintf("%s.%d", name, n)
		if _, taken := s.used[candidate]; !taken {
			s.used[name] = n
			s.used[candidate] = 0
			return candidate
		}
	}
}

// declare flattens imports and definitions into index spaces. Imports come
// first. Exported entities are named after their first export, imports after
// their field name, everything else after its index.
func declare(m *Module, symbols *symbolTable) (*declarations, error) {
	exportNames := make(map[IndexType]map[uint32]string)
	for _, exp := range m.Exports {
		if exportNames[exp.IndexType] == nil {
			exportNames[exp.IndexType] = make(map[uint32]string)
		}
		if _, ok := exportNames[exp.IndexType][exp.Index]; !ok {
			exportNames[exp.IndexType][exp.Index] = exp.Name
		}
	}
	nameFor := func(kind IndexType, index uint32, fallback string) string {
		if name, ok := exportNames[kind][index]; ok {
			return symbols.unique(name)
		}
		return symbols.unique(fallback)
	}
	signature := func(typeIndex uint32) (FunctionType, error) {
		if int(typeIndex) >= len(m.Types) {
			return FunctionType{}, formatErrorf(
				"type index %d out of range (%d types)", typeIndex, len(m.Types),
			)
		}
		return m.Types[typeIndex], nil
	}

	d := &declarations{}
	for _, imp := range m.Imports {
		switch t := imp.Type.(type) {
		case FunctionTypeIndex:
			index := uint32(len(d.functions))
			sig, err := signature(uint32(t))
			if err != nil {
				return nil, errors.Wrapf(err, "function %d", index)
			}
			d.functions = append(d.functions, &ImportedFunction{
				Index:     index,
				Module:    imp.ModuleName,
				Name:      imp.Name,
				TypeIndex: uint32(t),
				Type:      sig,
				symbol:    nameFor(FunctionIndexType, index, imp.Name),
			})
		case GlobalType:
			index := uint32(len(d.globals))
			d.globals = append(d.globals, &ImportedGlobal{
				Index:   index,
				Module:  imp.ModuleName,
				Name:    imp.Name,
				Type:    t.ValueType,
				Mutable: t.IsMutable,
				symbol:  nameFor(GlobalIndexType, index, imp.Name),
			})
		case MemoryType:
			if d.memory != nil {
				return nil, capacityErrorf("module declares more than one memory")
			}
			d.memory = &t
		case TableType:
			if d.table != nil {
				return nil, capacityErrorf("module declares more than one table")
			}
			d.table = &t
		}
	}

	for i, fn := range m.Funcs {
		index := uint32(len(d.functions))
		sig, err := signature(fn.TypeIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "function %d", index)
		}
		d.functions = append(d.functions, &ImplementedFunction{
			Index:         index,
			GeneratedName: nameFor(FunctionIndexType, index, fmt.Sprintf("func_%d", index)),
			TypeIndex:     fn.TypeIndex,
			Type:          sig,
			Locals:        m.Funcs[i].Locals,
			Body:          m.Funcs[i].Body,
		})
	}
	for _, g := range m.GlobalVariables {
		index := uint32(len(d.globals))
		d.globals = append(d.globals, &ModuleGlobal{
			Index:         index,
			GeneratedName: nameFor(GlobalIndexType, index, fmt.Sprintf("global_%d", index)),
			Type:          g.GlobalType.ValueType,
			Mutable:       g.GlobalType.IsMutable,
			Initializer:   g.InitExpression,
		})
	}
	for i := range m.Memories {
		if d.memory != nil {
			return nil, capacityErrorf("module declares more than one memory")
		}
		d.memory = &m.Memories[i]
	}
	for i := range m.Tables {
		if d.table != nil {
			return nil, capacityErrorf("module declares more than one table")
		}
		d.table = &m.Tables[i]
	}
	return d, nil
}
