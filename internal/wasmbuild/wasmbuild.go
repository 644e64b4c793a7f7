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

// Package wasmbuild assembles WebAssembly binaries in memory. It exists so
// that tests and benchmarks do not depend on external tools.
package wasmbuild

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Value types.
const (
	I32     byte = 0x7f
	I64     byte = 0x7e
	F32     byte = 0x7d
	F64     byte = 0x7c
	FuncRef byte = 0x70
)

// External kinds.
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionTable    = 4
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionStart    = 8
	sectionElement  = 9
	sectionCode     = 10
	sectionData     = 11
)

const end = 0x0b

type funcType struct {
	params  []byte
	results []byte
}

type limits struct {
	min uint32
	max *uint32
}

type function struct {
	typeIndex uint32
	locals    []byte
	body      []byte
}

type global struct {
	valType byte
	mutable bool
	init    []byte
}

type segment struct {
	passive bool
	offset  []byte
	data    []byte
	funcs   []uint32
}

// Builder accumulates the sections of a module. Imports must be added before
// the entities of the same kind defined by the module, so that indexes
// returned by the builder stay valid.
type Builder struct {
	types        []funcType
	imports      bytes.Buffer
	importCount  uint32
	importFuncs  uint32
	importGlobal uint32
	funcs        []function
	tables       []limits
	memories     []limits
	globals      []global
	exports      bytes.Buffer
	exportCount  uint32
	start        *uint32
	elements     []segment
	data         []segment
}

func New() *Builder {
	return &Builder{}
}

// Type registers a function type, reusing an identical one if present.
func (b *Builder) Type(params, results []byte) uint32 {
	for i, t := range b.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func (b *Builder) importHeader(module, name string, kind byte) {
	writeName(&b.imports, module)
	writeName(&b.imports, name)
	b.imports.WriteByte(kind)
	b.importCount++
}

// ImportFunc adds an imported function and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	typeIndex := b.Type(params, results)
	b.importHeader(module, name, KindFunc)
	b.imports.Write(ULEB(uint64(typeIndex)))
	b.importFuncs++
	return b.importFuncs - 1
}

// ImportGlobal adds an imported global and returns its global index.
func (b *Builder) ImportGlobal(module, name string, valType byte, mutable bool) uint32 {
	b.importHeader(module, name, KindGlobal)
	b.imports.WriteByte(valType)
	b.imports.WriteByte(boolByte(mutable))
	b.importGlobal++
	return b.importGlobal - 1
}

// ImportMemory adds an imported memory.
func (b *Builder) ImportMemory(module, name string, min uint32) {
	b.importHeader(module, name, KindMemory)
	b.imports.Write(encodeLimits(limits{min: min}))
}

// Func adds a function. body must not include the final end opcode.
func (b *Builder) Func(params, results, locals []byte, body ...byte) uint32 {
	b.funcs = append(b.funcs, function{
		typeIndex: b.Type(params, results),
		locals:    locals,
		body:      body,
	})
	return b.importFuncs + uint32(len(b.funcs)) - 1
}

func (b *Builder) Table(min uint32, max *uint32) {
	b.tables = append(b.tables, limits{min: min, max: max})
}

func (b *Builder) Memory(min uint32, max *uint32) {
	b.memories = append(b.memories, limits{min: min, max: max})
}

// Global adds a global initialized by init, which must not include the end
// opcode, and returns its global index.
func (b *Builder) Global(valType byte, mutable bool, init []byte) uint32 {
	b.globals = append(b.globals, global{valType: valType, mutable: mutable, init: init})
	return b.importGlobal + uint32(len(b.globals)) - 1
}

func (b *Builder) Export(name string, kind byte, index uint32) {
	writeName(&b.exports, name)
	b.exports.WriteByte(kind)
	b.exports.Write(ULEB(uint64(index)))
	b.exportCount++
}

func (b *Builder) Start(index uint32) {
	b.start = &index
}

// Elements adds an active element segment for table 0.
func (b *Builder) Elements(offset []byte, funcs ...uint32) {
	b.elements = append(b.elements, segment{offset: offset, funcs: funcs})
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset []byte, data []byte) {
	b.data = append(b.data, segment{offset: offset, data: data})
}

// PassiveData adds a passive data segment.
func (b *Builder) PassiveData(data []byte) {
	b.data = append(b.data, segment{passive: true, data: data})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	out.WriteString("\x00asm")
	out.Write([]byte{1, 0, 0, 0})

	if len(b.types) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.types))))
		for _, t := range b.types {
			s.WriteByte(0x60)
			writeBytes(&s, t.params)
			writeBytes(&s, t.results)
		}
		writeSection(&out, sectionType, s.Bytes())
	}
	if b.importCount > 0 {
		writeSection(&out, sectionImport, append(ULEB(uint64(b.importCount)), b.imports.Bytes()...))
	}
	if len(b.funcs) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.funcs))))
		for _, f := range b.funcs {
			s.Write(ULEB(uint64(f.typeIndex)))
		}
		writeSection(&out, sectionFunction, s.Bytes())
	}
	if len(b.tables) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.tables))))
		for _, t := range b.tables {
			s.WriteByte(FuncRef)
			s.Write(encodeLimits(t))
		}
		writeSection(&out, sectionTable, s.Bytes())
	}
	if len(b.memories) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.memories))))
		for _, m := range b.memories {
			s.Write(encodeLimits(m))
		}
		writeSection(&out, sectionMemory, s.Bytes())
	}
	if len(b.globals) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.globals))))
		for _, g := range b.globals {
			s.WriteByte(g.valType)
			s.WriteByte(boolByte(g.mutable))
			s.Write(g.init)
			s.WriteByte(end)
		}
		writeSection(&out, sectionGlobal, s.Bytes())
	}
	if b.exportCount > 0 {
		writeSection(&out, sectionExport, append(ULEB(uint64(b.exportCount)), b.exports.Bytes()...))
	}
	if b.start != nil {
		writeSection(&out, sectionStart, ULEB(uint64(*b.start)))
	}
	if len(b.elements) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.elements))))
		for _, e := range b.elements {
			s.WriteByte(0)
			s.Write(e.offset)
			s.WriteByte(end)
			s.Write(ULEB(uint64(len(e.funcs))))
			for _, f := range e.funcs {
				s.Write(ULEB(uint64(f)))
			}
		}
		writeSection(&out, sectionElement, s.Bytes())
	}
	if len(b.funcs) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.funcs))))
		for _, f := range b.funcs {
			var body bytes.Buffer
			body.Write(ULEB(uint64(len(f.locals))))
			for _, l := range f.locals {
				body.Write(ULEB(1))
				body.WriteByte(l)
			}
			body.Write(f.body)
			body.WriteByte(end)
			writeBytes(&s, body.Bytes())
		}
		writeSection(&out, sectionCode, s.Bytes())
	}
	if len(b.data) > 0 {
		var s bytes.Buffer
		s.Write(ULEB(uint64(len(b.data))))
		for _, d := range b.data {
			if d.passive {
				s.WriteByte(1)
			} else {
				s.WriteByte(0)
				s.Write(d.offset)
				s.WriteByte(end)
			}
			writeBytes(&s, d.data)
		}
		writeSection(&out, sectionData, s.Bytes())
	}
	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	writeBytes(out, payload)
}

func writeBytes(out *bytes.Buffer, b []byte) {
	out.Write(ULEB(uint64(len(b))))
	out.Write(b)
}

func writeName(out *bytes.Buffer, name string) {
	writeBytes(out, []byte(name))
}

func encodeLimits(l limits) []byte {
	if l.max == nil {
		return append([]byte{0}, ULEB(uint64(l.min))...)
	}
	out := append([]byte{1}, ULEB(uint64(l.min))...)
	return append(out, ULEB(uint64(*l.max))...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ULEB encodes v as unsigned LEB128.
func ULEB(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// SLEB encodes v as signed LEB128.
func SLEB(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// I32Const is the encoding of i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{0x41}, SLEB(int64(v))...)
}

// I64Const is the encoding of i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{0x42}, SLEB(v)...)
}

// F32Const is the encoding of f32.const v.
func F32Const(v float32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{0x43}, math.Float32bits(v))
}

// F64Const is the encoding of f64.const v.
func F64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{0x44}, math.Float64bits(v))
}

// GlobalGet is the encoding of global.get index.
func GlobalGet(index uint32) []byte {
	return append([]byte{0x23}, ULEB(uint64(index))...)
}

// Concat joins instruction encodings.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
