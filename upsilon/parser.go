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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

var ErrElementKindNotZero = errors.New("element kind for element segment must be 0x00")

const (
	wasmMagicNumber      = "\x00asm"
	supportedWasmVersion = 1
	defaultTableIndex    = 0
)

// SectionId identifies a section of the binary format.
// See https://webassembly.github.io/spec/core/binary/modules.html#sections
type SectionId byte

const (
	CustomSectionId SectionId = iota
	TypeSectionId
	ImportSectionId
	FunctionSectionId
	TableSectionId
	MemorySectionId
	GlobalSectionId
	ExportSectionId
	StartSectionId
	ElementSectionId
	CodeSectionId
	DataSectionId
	DataCountSectionId
)

// Parser decodes the WebAssembly binary format into a Module.
type Parser struct {
	reader *bufio.Reader
}

func NewParser(reader io.Reader) *Parser {
	return &Parser{reader: bufio.NewReader(reader)}
}

// ParseBytes is a shorthand for parsing an in-memory module.
func ParseBytes(wasm []byte) (*Module, error) {
	return NewParser(bytes.NewReader(wasm)).Parse()
}

// Parse reads a whole module. The returned module has an empty Name.
func (p *Parser) Parse() (*Module, error) {
	if err := p.parseHeader(); err != nil {
		return nil, err
	}

	var functionTypeIndexes []uint32
	module := &Module{}

	for {
		sectionIdByte, err := p.reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read section ID")
		}

		sectionId := SectionId(sectionIdByte)
		payloadLen, err := p.parseUleb128()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read payload length")
		}
		switch sectionId {
		case CustomSectionId:
			if _, err = io.CopyN(io.Discard, p.reader, int64(payloadLen)); err != nil {
				return nil, errors.Wrap(err, "failed to skip custom section")
			}
		case TypeSectionId:
			module.Types, err = parseVector(p, p.parseFunctionType)
		case ImportSectionId:
			module.Imports, err = parseVector(p, p.parseImport)
		case FunctionSectionId:
			functionTypeIndexes, err = parseVector(p, p.parseIndex)
		case TableSectionId:
			module.Tables, err = parseVector(p, p.parseTableType)
		case MemorySectionId:
			module.Memories, err = parseVector(p, p.parseMemoryType)
		case GlobalSectionId:
			module.GlobalVariables, err = parseVector(p, p.parseGlobalVariable)
		case ExportSectionId:
			module.Exports, err = parseVector(p, p.parseExport)
		case StartSectionId:
			var index uint32
			index, err = p.parseIndex()
			module.StartIndex = &index
		case ElementSectionId:
			module.ElementSegments, err = parseVector(p, p.parseElementSegment)
		case CodeSectionId:
			module.Funcs, err = parseVector(p, p.parseFunction)
		case DataSectionId:
			module.DataSegments, err = parseVector(p, p.parseDataSegment)
		case DataCountSectionId:
			var count uint64
			count, err = p.parseUleb128()
			module.DataCount = &count
		default:
			return nil, errors.Errorf("section %d not implemented", sectionId)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse section %d", sectionId)
		}
	}

	if module.DataCount != nil &&
		*module.DataCount != uint64(len(module.DataSegments)) {
		return nil, errors.New("inconsistent data count")
	}
	if len(functionTypeIndexes) != len(module.Funcs) {
		return nil, errors.New("incompatible number of func indexes/bodies")
	}
	for i := range module.Funcs {
		module.Funcs[i].TypeIndex = functionTypeIndexes[i]
	}
	return module, nil
}

func (p *Parser) parseHeader() error {
	header := make([]byte, 8)
	if _, err := io.ReadFull(p.reader, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return formatErrorf("file is too short to be valid WASM")
		}
		return errors.Wrap(err, "could not read header")
	}
	if !bytes.HasPrefix(header, []byte(wasmMagicNumber)) {
		return formatErrorf("invalid WASM: does not start with magic number")
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != supportedWasmVersion {
		return formatErrorf("unsupported WASM version: %d", version)
	}
	return nil
}

func (p *Parser) parseFunction() (Function, error) {
	size, err := p.parseUleb128()
	if err != nil {
		return Function{}, err
	}

	originalReader := p.reader
	defer func() { p.reader = originalReader }()

	// Bound the reader to the body so locals and code cannot overrun it.
	p.reader = bufio.NewReader(io.LimitReader(originalReader, int64(size)))

	localsVariables, err := parseVector(p, p.parseLocalVariables)
	if err != nil {
		return Function{}, errors.Wrap(err, "failed to parse locals")
	}

	totalLocalsCount := 0
	for _, variables := range localsVariables {
		totalLocalsCount += len(variables)
	}
	if totalLocalsCount > math.MaxInt32 {
		return Function{}, errors.Errorf("too many locals: %d", totalLocalsCount)
	}
	locals := make([]ValueType, 0, totalLocalsCount)
	for _, variables := range localsVariables {
		locals = append(locals, variables...)
	}

	body, err := io.ReadAll(p.reader)
	if err != nil {
		return Function{}, errors.Wrap(err, "failed to read function body")
	}
	if len(body) == 0 || body[len(body)-1] != byte(End) {
		return Function{}, errors.New("function body must end with End opcode")
	}
	return Function{Locals: locals, Body: body[:len(body)-1]}, nil
}

func (p *Parser) parseLocalVariables() ([]ValueType, error) {
	count, err := p.parseUleb128()
	if err != nil {
		return nil, err
	}
	if count > math.MaxInt32 {
		return nil, errors.Errorf("too many local variables: %d", count)
	}
	valueType, err := p.parseValueType()
	if err != nil {
		return nil, err
	}
	variables := make([]ValueType, count)
	for i := range variables {
		variables[i] = valueType
	}
	return variables, nil
}

func (p *Parser) parseImport() (Import, error) {
	moduleName, err := p.parseUtf8String()
	if err != nil {
		return Import{}, err
	}
	name, err := p.parseUtf8String()
	if err != nil {
		return Import{}, err
	}
	b, err := p.reader.ReadByte()
	if err != nil {
		return Import{}, err
	}

	var importType ImportType
	switch IndexType(b) {
	case FunctionIndexType:
		index, err := p.parseIndex()
		if err != nil {
			return Import{}, err
		}
		importType = FunctionTypeIndex(index)
	case TableIndexType:
		importType, err = p.parseTableType()
	case MemoryIndexType:
		importType, err = p.parseMemoryType()
	case GlobalIndexType:
		importType, err = p.parseGlobalType()
	default:
		return Import{}, errors.Errorf("invalid import description 0x%x", b)
	}
	if err != nil {
		return Import{}, err
	}
	return Import{ModuleName: moduleName, Name: name, Type: importType}, nil
}

func (p *Parser) parseExport() (Export, error) {
	name, err := p.parseUtf8String()
	if err != nil {
		return Export{}, err
	}
	b, err := p.reader.ReadByte()
	if err != nil {
		return Export{}, err
	}
	if b > byte(GlobalIndexType) {
		return Export{}, errors.Errorf("invalid export description 0x%x", b)
	}
	index, err := p.parseIndex()
	if err != nil {
		return Export{}, err
	}
	return Export{Name: name, IndexType: IndexType(b), Index: index}, nil
}

func (p *Parser) parseDataSegment() (DataSegment, error) {
	dataMode, err := p.parseUleb128()
	if err != nil {
		return DataSegment{}, err
	}

	if dataMode&1 != 0 {
		content, err := parseVector(p, p.reader.ReadByte)
		if err != nil {
			return DataSegment{}, err
		}
		return DataSegment{Mode: PassiveDataMode, Content: content}, nil
	}

	var memoryIndex uint32
	if dataMode != 0 {
		memoryIndex, err = p.parseIndex()
		if err != nil {
			return DataSegment{}, err
		}
	}
	offsetExpression, err := p.parseExpression()
	if err != nil {
		return DataSegment{}, err
	}
	content, err := parseVector(p, p.reader.ReadByte)
	if err != nil {
		return DataSegment{}, err
	}
	return DataSegment{
		Mode:             ActiveDataMode,
		MemoryIndex:      memoryIndex,
		OffsetExpression: offsetExpression,
		Content:          content,
	}, nil
}

func (p *Parser) parseFunctionType() (FunctionType, error) {
	b, err := p.reader.ReadByte()
	if err != nil {
		return FunctionType{}, err
	}
	if b != 0x60 {
		return FunctionType{}, errors.New("invalid function type prefix")
	}
	paramTypes, err := parseVector(p, p.parseValueType)
	if err != nil {
		return FunctionType{}, errors.Wrap(err, "failed to parse param types")
	}
	resultTypes, err := parseVector(p, p.parseValueType)
	if err != nil {
		return FunctionType{}, errors.Wrap(err, "failed to parse result types")
	}
	return FunctionType{ParamTypes: paramTypes, ResultTypes: resultTypes}, nil
}

func (p *Parser) parseValueType() (ValueType, error) {
	b, err := p.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case byte(I32), byte(I64), byte(F32), byte(F64):
		return NumberType(b), nil
	case byte(V128):
		return VectorType(b), nil
	case byte(FuncRefType), byte(ExternRefType):
		return ReferenceType(b), nil
	default:
		return nil, errors.Errorf("invalid ValueType: 0x%x", b)
	}
}

func (p *Parser) parseTableType() (TableType, error) {
	b, err := p.reader.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	limits, err := p.parseLimits()
	if err != nil {
		return TableType{}, err
	}
	return TableType{ReferenceType: ReferenceType(b), Limits: limits}, nil
}

func (p *Parser) parseMemoryType() (MemoryType, error) {
	limits, err := p.parseLimits()
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func (p *Parser) parseGlobalVariable() (GlobalVariable, error) {
	globalType, err := p.parseGlobalType()
	if err != nil {
		return GlobalVariable{}, err
	}
	init, err := p.parseExpression()
	if err != nil {
		return GlobalVariable{}, err
	}
	return GlobalVariable{GlobalType: globalType, InitExpression: init}, nil
}

func (p *Parser) parseGlobalType() (GlobalType, error) {
	valueType, err := p.parseValueType()
	if err != nil {
		return GlobalType{}, err
	}
	isMutable, err := p.reader.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if isMutable != 0 && isMutable != 1 {
		return GlobalType{}, errors.New("invalid global type mutability")
	}
	return GlobalType{ValueType: valueType, IsMutable: isMutable == 1}, nil
}

// parseElementSegment decodes the eight element segment encodings.
// See https://webassembly.github.io/spec/core/binary/modules.html#element-section
func (p *Parser) parseElementSegment() (ElementSegment, error) {
	flags, err := p.parseUleb128()
	if err != nil {
		return ElementSegment{}, errors.Wrap(err, "failed to read element flags")
	}
	if flags > 7 {
		return ElementSegment{}, errors.Errorf("invalid element flags: %d", flags)
	}

	segment := ElementSegment{Kind: FuncRefType, TableIndex: defaultTableIndex}
	switch {
	case flags&1 == 0:
		segment.Mode = ActiveElementMode
	case flags&2 == 0:
		segment.Mode = PassiveElementMode
	default:
		segment.Mode = DeclarativeElementMode
	}
	usesExpressions := flags&4 != 0

	if segment.Mode == ActiveElementMode {
		if flags&2 != 0 {
			if segment.TableIndex, err = p.parseIndex(); err != nil {
				return ElementSegment{}, err
			}
		}
		if segment.OffsetExpression, err = p.parseExpression(); err != nil {
			return ElementSegment{}, err
		}
	}

	// Flags 0 and 4 carry an implicit element kind.
	if flags != 0 && flags != 4 {
		b, err := p.reader.ReadByte()
		if err != nil {
			return ElementSegment{}, err
		}
		if usesExpressions {
			segment.Kind = ReferenceType(b)
		} else if b != 0x00 {
			return ElementSegment{}, ErrElementKindNotZero
		}
	}

	if usesExpressions {
		segment.FuncIndexesExpressions, err = parseVector(p, p.parseExpression)
		if err != nil {
			return ElementSegment{}, err
		}
		return segment, nil
	}
	indexes, err := parseVector(p, p.parseIndex)
	if err != nil {
		return ElementSegment{}, err
	}
	segment.FuncIndexes = make([]int32, len(indexes))
	for i, index := range indexes {
		segment.FuncIndexes[i] = int32(index)
	}
	return segment, nil
}

// parseExpression reads a constant expression up to and including its end
// opcode, returning the instruction bytes without the end.
func (p *Parser) parseExpression() ([]byte, error) {
	var expr []byte
	readByte := func() (byte, error) {
		b, err := p.reader.ReadByte()
		if err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		expr = append(expr, b)
		return b, nil
	}
	readN := func(n int) error {
		for range n {
			if _, err := readByte(); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		op, err := readByte()
		if err != nil {
			return nil, err
		}
		switch Opcode(op) {
		case End:
			return expr[:len(expr)-1], nil
		case I32Const:
			_, err = readSleb128(readByte, maxBytesUint32)
		case I64Const:
			_, err = readSleb128(readByte, maxBytesUint64)
		case F32Const:
			err = readN(4)
		case F64Const:
			err = readN(8)
		case GlobalGet, RefFunc:
			_, err = readUleb128(readByte, maxBytesUint32)
		case RefNull:
			err = readN(1)
		case I32Add, I32Sub, I32Mul, I64Add, I64Sub, I64Mul:
		default:
			if op != vectorPrefix {
				return nil, errors.Errorf(
					"unexpected opcode %v in constant expression", Opcode(op),
				)
			}
			// v128.const: subopcode 12 followed by 16 immediate bytes.
			var sub uint64
			if sub, err = readUleb128(readByte, maxBytesUint32); err == nil {
				if sub != 12 {
					return nil, errors.Errorf(
						"unexpected vector opcode %d in constant expression", sub,
					)
				}
				err = readN(16)
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *Parser) parseLimits() (Limits, error) {
	b, err := p.reader.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	switch b {
	case 0:
		min, err := p.parseUleb128()
		if err != nil {
			return Limits{}, err
		}
		return Limits{Min: min}, nil
	case 1:
		min, err := p.parseUleb128()
		if err != nil {
			return Limits{}, err
		}
		max, err := p.parseUleb128()
		if err != nil {
			return Limits{}, err
		}
		return Limits{Min: min, Max: &max}, nil
	default:
		return Limits{}, errors.New("unexpected limits format")
	}
}

func parseVector[T any](parser *Parser, parse func() (T, error)) ([]T, error) {
	count, err := parser.parseUleb128()
	if err != nil {
		return nil, err
	}
	if count > math.MaxInt32 {
		return nil, errors.New("too many items in vector")
	}
	items := make([]T, count)
	for i := range items {
		if items[i], err = parse(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (p *Parser) parseIndex() (uint32, error) {
	val, err := readUleb128(p.reader.ReadByte, maxBytesUint32)
	return uint32(val), err
}

func (p *Parser) parseUleb128() (uint64, error) {
	return readUleb128(p.reader.ReadByte, maxBytesUint64)
}

func (p *Parser) parseUtf8String() (string, error) {
	length, err := p.parseIndex()
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", errors.Wrap(err, "failed to read string bytes")
	}
	return string(buf), nil
}
