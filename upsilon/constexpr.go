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
	"math"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
)

// constInstruction is the single instruction of a simple constant expression.
type constInstruction struct {
	opcode Opcode
	// value is set for the four numeric constants.
	value constant.Constant
	// index is set for global.get and ref.func.
	index uint32
}

// evalConstExpr decodes an expression that must consist of exactly one
// instruction. Anything else is a format error.
func evalConstExpr(expr []byte) (constInstruction, error) {
	if len(expr) == 0 {
		return constInstruction{}, formatErrorf("empty constant expression")
	}
	r := newCodeReader(expr)
	op, err := r.readOpcode()
	if err != nil {
		return constInstruction{}, errors.WithMessage(ErrFormat, err.Error())
	}

	inst := constInstruction{opcode: op}
	switch op {
	case I32Const:
		var v int32
		v, err = r.readS32()
		inst.value = constant.NewInt(types.I32, int64(v))
	case I64Const:
		var v int64
		v, err = r.readS64()
		inst.value = constant.NewInt(types.I64, v)
	case F32Const:
		var bits uint32
		bits, err = r.readF32Bits()
		inst.value = f32Constant(bits)
	case F64Const:
		var bits uint64
		bits, err = r.readF64Bits()
		inst.value = f64Constant(bits)
	case GlobalGet, RefFunc:
		inst.index, err = r.readU32()
	case RefNull:
		_, err = r.readByte()
	default:
		return constInstruction{}, formatErrorf("non-simple initializer %v", op)
	}
	if err != nil {
		return constInstruction{}, formatErrorf("truncated %v immediate", op)
	}
	if r.hasMore() {
		return constInstruction{}, formatErrorf(
			"non-simple initializer: %d trailing bytes after %v", len(expr)-r.pc, op,
		)
	}
	return inst, nil
}

// evalOffset evaluates a data or element segment offset, which must be a
// single non-negative i32.const.
func evalOffset(expr []byte) (uint32, error) {
	inst, err := evalConstExpr(expr)
	if err != nil {
		return 0, err
	}
	if inst.opcode != I32Const {
		return 0, formatErrorf("offset must be i32.const, got %v", inst.opcode)
	}
	offset := inst.value.(*constant.Int).X.Int64()
	if offset < 0 {
		return 0, formatErrorf("negative offset %d", offset)
	}
	return uint32(offset), nil
}

// f32Constant keeps NaN payloads by going through the integer bit pattern.
func f32Constant(bits uint32) constant.Constant {
	f := math.Float32frombits(bits)
	if f != f {
		return constant.NewBitCast(constant.NewInt(types.I32, int64(int32(bits))), types.Float)
	}
	return constant.NewFloat(types.Float, float64(f))
}

func f64Constant(bits uint64) constant.Constant {
	f := math.Float64frombits(bits)
	if math.IsNaN(f) {
		return constant.NewBitCast(constant.NewInt(types.I64, int64(bits)), types.Double)
	}
	return constant.NewFloat(types.Double, f)
}
