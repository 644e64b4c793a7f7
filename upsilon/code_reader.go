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
	"encoding/binary"
	"io"
)

// codeReader walks the instruction bytes of a function body or constant
// expression.
type codeReader struct {
	code []byte
	pc   int
}

func newCodeReader(code []byte) *codeReader {
	return &codeReader{code: code}
}

func (r *codeReader) hasMore() bool {
	return r.pc < len(r.code)
}

func (r *codeReader) readByte() (byte, error) {
	if r.pc >= len(r.code) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.code[r.pc]
	r.pc++
	return b, nil
}

func (r *codeReader) readOpcode() (Opcode, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if b != miscPrefix {
		return Opcode(b), nil
	}
	sub, err := r.readU32()
	if err != nil {
		return 0, err
	}
	if sub > 0xFF {
		return 0, formatErrorf("invalid 0xfc subopcode %d", sub)
	}
	return Opcode(uint16(miscPrefix)<<8 | uint16(sub)), nil
}

func (r *codeReader) readU32() (uint32, error) {
	v, err := readUleb128(r.readByte, maxBytesUint32)
	return uint32(v), err
}

func (r *codeReader) readS32() (int32, error) {
	v, err := readSleb128(r.readByte, maxBytesUint32)
	return int32(v), err
}

func (r *codeReader) readS64() (int64, error) {
	return readSleb128(r.readByte, maxBytesUint64)
}

func (r *codeReader) readFixed(n int) ([]byte, error) {
	if r.pc+n > len(r.code) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.code[r.pc : r.pc+n]
	r.pc += n
	return b, nil
}

func (r *codeReader) readF32Bits() (uint32, error) {
	b, err := r.readFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *codeReader) readF64Bits() (uint64, error) {
	b, err := r.readFixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// blockType is the decoded immediate of block, loop and if. Exactly one of
// the fields is meaningful: a nil result means no value, typeIndex >= 0
// refers to the type section.
type blockType struct {
	result    ValueType
	typeIndex int64
}

func (r *codeReader) readBlockType() (blockType, error) {
	if !r.hasMore() {
		return blockType{}, io.ErrUnexpectedEOF
	}
	switch b := r.code[r.pc]; b {
	case 0x40:
		r.pc++
		return blockType{typeIndex: -1}, nil
	case byte(I32), byte(I64), byte(F32), byte(F64):
		r.pc++
		return blockType{result: NumberType(b), typeIndex: -1}, nil
	case byte(V128):
		r.pc++
		return blockType{result: V128, typeIndex: -1}, nil
	case byte(FuncRefType), byte(ExternRefType):
		r.pc++
		return blockType{result: ReferenceType(b), typeIndex: -1}, nil
	}
	// A type index is encoded as a positive s33.
	index, err := readSleb128(r.readByte, maxBytesUint32)
	if err != nil {
		return blockType{}, err
	}
	if index < 0 {
		return blockType{}, formatErrorf("invalid block type %d", index)
	}
	return blockType{typeIndex: index}, nil
}

// memArg is the alignment and static offset of a load or store.
type memArg struct {
	align  uint32
	offset uint32
}

func (r *codeReader) readMemArg() (memArg, error) {
	align, err := r.readU32()
	if err != nil {
		return memArg{}, err
	}
	offset, err := r.readU32()
	if err != nil {
		return memArg{}, err
	}
	return memArg{align: align, offset: offset}, nil
}
