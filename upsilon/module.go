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
	"slices"
)

// ValueType classifies the values WebAssembly code computes with. It is one of
// NumberType, VectorType or ReferenceType. Only number types can be lowered.
type ValueType interface {
	isValueType()
	fmt.Stringer
}

// NumberType classifies numeric values.
// See https://webassembly.github.io/spec/core/syntax/types.html#number-types.
type NumberType byte

const (
	I32 NumberType = 0x7f
	I64 NumberType = 0x7e
	F32 NumberType = 0x7d
	F64 NumberType = 0x7c
)

func (NumberType) isValueType() {}

func (t NumberType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return fmt.Sprintf("numtype(0x%x)", byte(t))
	}
}

// VectorType classifies 128-bit vectors.
type VectorType byte

const V128 VectorType = 0x7b

func (VectorType) isValueType() {}

func (VectorType) String() string { return "v128" }

// ReferenceType classifies first-class references.
type ReferenceType byte

const (
	FuncRefType   ReferenceType = 0x70
	ExternRefType ReferenceType = 0x6f
)

func (ReferenceType) isValueType() {}

func (t ReferenceType) String() string {
	if t == ExternRefType {
		return "externref"
	}
	return "funcref"
}

// FunctionType maps a vector of parameters to a vector of results.
// See https://webassembly.github.io/spec/core/syntax/types.html#function-types.
type FunctionType struct {
	ParamTypes  []ValueType
	ResultTypes []ValueType
}

func (ft *FunctionType) Equal(other *FunctionType) bool {
	if ft == other {
		return true
	}
	if ft == nil || other == nil {
		return false
	}
	return slices.Equal(ft.ParamTypes, other.ParamTypes) &&
		slices.Equal(ft.ResultTypes, other.ResultTypes)
}

// Function is an in-module function definition. Body does not include the
// final end opcode.
type Function struct {
	TypeIndex uint32
	Locals    []ValueType
	Body      []byte
}

// IndexType is the kind of entity an export refers to.
type IndexType byte

const (
	FunctionIndexType IndexType = 0x0
	TableIndexType    IndexType = 0x1
	MemoryIndexType   IndexType = 0x2
	GlobalIndexType   IndexType = 0x3
)

func (t IndexType) String() string {
	switch t {
	case FunctionIndexType:
		return "func"
	case TableIndexType:
		return "table"
	case MemoryIndexType:
		return "memory"
	case GlobalIndexType:
		return "global"
	default:
		return fmt.Sprintf("kind(%d)", byte(t))
	}
}

// Import is a single entry of the import section.
// See https://webassembly.github.io/spec/core/syntax/modules.html#imports
type Import struct {
	ModuleName string
	Name       string
	Type       ImportType
}

// ImportType is one of FunctionTypeIndex, TableType, MemoryType or GlobalType.
type ImportType interface {
	isImportType()
}

// FunctionTypeIndex is the type of an imported function.
type FunctionTypeIndex uint32

func (FunctionTypeIndex) isImportType() {}
func (TableType) isImportType()         {}
func (MemoryType) isImportType()        {}
func (GlobalType) isImportType()        {}

// Export makes an entity of the module visible to the host.
type Export struct {
	Name      string
	IndexType IndexType
	Index     uint32
}

// Limits bounds the size of a memory (in pages) or table (in elements).
// See https://webassembly.github.io/spec/core/binary/types.html#limits
type Limits struct {
	Min uint64
	Max *uint64
}

// TableType is the reference type and size limits of a table.
type TableType struct {
	ReferenceType ReferenceType
	Limits        Limits
}

// MemoryType is the size limits of a memory, in pages.
type MemoryType struct {
	Limits Limits
}

// ElementMode specifies how an element segment is applied.
type ElementMode int

const (
	ActiveElementMode ElementMode = iota
	PassiveElementMode
	DeclarativeElementMode
)

// ElementSegment initializes a range of a table.
// See https://webassembly.github.io/spec/core/syntax/modules.html#syntax-elem
type ElementSegment struct {
	Mode ElementMode
	Kind ReferenceType

	// FuncIndexes is used when FuncIndexesExpressions is empty.
	FuncIndexes []int32

	// FuncIndexesExpressions holds one ref.func or ref.null expression per
	// element. Used when FuncIndexes is empty.
	FuncIndexesExpressions [][]byte

	// TableIndex and OffsetExpression are only meaningful for active segments.
	TableIndex       uint32
	OffsetExpression []byte
}

// GlobalType is the value type and mutability of a global.
type GlobalType struct {
	ValueType ValueType
	IsMutable bool
}

// GlobalVariable is an in-module global definition.
type GlobalVariable struct {
	GlobalType     GlobalType
	InitExpression []byte
}

// DataMode specifies how a data segment is applied.
type DataMode int

const (
	ActiveDataMode DataMode = iota
	PassiveDataMode
)

// DataSegment initializes a range of linear memory.
// See https://webassembly.github.io/spec/core/syntax/modules.html#data-segments
type DataSegment struct {
	Mode    DataMode
	Content []byte

	// MemoryIndex and OffsetExpression are only meaningful for active segments.
	MemoryIndex      uint32
	OffsetExpression []byte
}

// Module is a parsed WebAssembly module. Lowering never mutates it.
// See https://webassembly.github.io/spec/core/syntax/modules.html#modules.
type Module struct {
	// Name is used as the source file name of the generated IR.
	Name string

	Types           []FunctionType
	Imports         []Import
	Exports         []Export
	StartIndex      *uint32
	Tables          []TableType
	Memories        []MemoryType
	Funcs           []Function
	ElementSegments []ElementSegment
	GlobalVariables []GlobalVariable
	DataSegments    []DataSegment
	DataCount       *uint64
}
