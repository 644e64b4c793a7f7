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
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

var intPredicates = map[Opcode]enum.IPred{
	I32Eq: enum.IPredEQ, I32Ne: enum.IPredNE,
	I32LtS: enum.IPredSLT, I32LtU: enum.IPredULT,
	I32GtS: enum.IPredSGT, I32GtU: enum.IPredUGT,
	I32LeS: enum.IPredSLE, I32LeU: enum.IPredULE,
	I32GeS: enum.IPredSGE, I32GeU: enum.IPredUGE,
	I64Eq: enum.IPredEQ, I64Ne: enum.IPredNE,
	I64LtS: enum.IPredSLT, I64LtU: enum.IPredULT,
	I64GtS: enum.IPredSGT, I64GtU: enum.IPredUGT,
	I64LeS: enum.IPredSLE, I64LeU: enum.IPredULE,
	I64GeS: enum.IPredSGE, I64GeU: enum.IPredUGE,
}

// Ne is the only unordered predicate: NaN != x holds.
var floatPredicates = map[Opcode]enum.FPred{
	F32Eq: enum.FPredOEQ, F32Ne: enum.FPredUNE,
	F32Lt: enum.FPredOLT, F32Gt: enum.FPredOGT,
	F32Le: enum.FPredOLE, F32Ge: enum.FPredOGE,
	F64Eq: enum.FPredOEQ, F64Ne: enum.FPredUNE,
	F64Lt: enum.FPredOLT, F64Gt: enum.FPredOGT,
	F64Le: enum.FPredOLE, F64Ge: enum.FPredOGE,
}

// floatUnaryIntrinsics maps unary float instructions to the intrinsic base
// name. Neg is lowered to fneg directly.
var floatUnaryIntrinsics = map[Opcode]string{
	F32Abs: "fabs", F32Ceil: "ceil", F32Floor: "floor", F32Trunc: "trunc",
	F32Nearest: "nearbyint", F32Sqrt: "sqrt",
	F64Abs: "fabs", F64Ceil: "ceil", F64Floor: "floor", F64Trunc: "trunc",
	F64Nearest: "nearbyint", F64Sqrt: "sqrt",
}

var floatBinaryIntrinsics = map[Opcode]string{
	F32Min: "minimum", F32Max: "maximum", F32Copysign: "copysign",
	F64Min: "minimum", F64Max: "maximum", F64Copysign: "copysign",
}

// truncation describes a float to integer conversion. lower and upper are
// the exclusive bounds outside which the trapping form traps.
type truncation struct {
	from         *types.FloatType
	to           *types.IntType
	signed       bool
	saturating   bool
	lower, upper float64
}

var truncations = map[Opcode]truncation{
	I32TruncF32S: {types.Float, types.I32, true, false, -2147483904.0, 2147483648.0},
	I32TruncF32U: {types.Float, types.I32, false, false, -1.0, 4294967296.0},
	I32TruncF64S: {types.Double, types.I32, true, false, -2147483649.0, 2147483648.0},
	I32TruncF64U: {types.Double, types.I32, false, false, -1.0, 4294967296.0},
	I64TruncF32S: {types.Float, types.I64, true, false, -9223373136366403584.0, 9223372036854775808.0},
	I64TruncF32U: {types.Float, types.I64, false, false, -1.0, 18446744073709551616.0},
	I64TruncF64S: {types.Double, types.I64, true, false, -9223372036854777856.0, 9223372036854775808.0},
	I64TruncF64U: {types.Double, types.I64, false, false, -1.0, 18446744073709551616.0},

	I32TruncSatF32S: {from: types.Float, to: types.I32, signed: true, saturating: true},
	I32TruncSatF32U: {from: types.Float, to: types.I32, saturating: true},
	I32TruncSatF64S: {from: types.Double, to: types.I32, signed: true, saturating: true},
	I32TruncSatF64U: {from: types.Double, to: types.I32, saturating: true},
	I64TruncSatF32S: {from: types.Float, to: types.I64, signed: true, saturating: true},
	I64TruncSatF32U: {from: types.Float, to: types.I64, saturating: true},
	I64TruncSatF64S: {from: types.Double, to: types.I64, signed: true, saturating: true},
	I64TruncSatF64U: {from: types.Double, to: types.I64, saturating: true},
}

// lowerNumeric handles every instruction that only consumes and produces
// operand stack values.
func (c *functionCompiler) lowerNumeric(op Opcode) error {
	if pred, ok := intPredicates[op]; ok {
		x, y, err := c.pop2()
		if err != nil {
			return err
		}
		c.push(c.cur.NewZExt(c.cur.NewICmp(pred, x, y), types.I32))
		return nil
	}
	if pred, ok := floatPredicates[op]; ok {
		x, y, err := c.pop2()
		if err != nil {
			return err
		}
		c.push(c.cur.NewZExt(c.cur.NewFCmp(pred, x, y), types.I32))
		return nil
	}
	if name, ok := floatUnaryIntrinsics[op]; ok {
		x, err := c.pop()
		if err != nil {
			return err
		}
		t, err := floatTypeOf(x)
		if err != nil {
			return err
		}
		v, err := c.callIntrinsic("llvm."+name+floatSuffix(t), x)
		if err != nil {
			return err
		}
		c.push(v)
		return nil
	}
	if name, ok := floatBinaryIntrinsics[op]; ok {
		x, y, err := c.pop2()
		if err != nil {
			return err
		}
		t, err := floatTypeOf(x)
		if err != nil {
			return err
		}
		v, err := c.callIntrinsic("llvm."+name+floatSuffix(t), x, y)
		if err != nil {
			return err
		}
		c.push(v)
		return nil
	}
	if t, ok := truncations[op]; ok {
		return c.lowerTruncation(t)
	}

	switch op {
	case I32Eqz, I64Eqz:
		x, err := c.pop()
		if err != nil {
			return err
		}
		t, err := intTypeOf(x)
		if err != nil {
			return err
		}
		zero := constant.NewInt(t, 0)
		c.push(c.cur.NewZExt(c.cur.NewICmp(enum.IPredEQ, x, zero), types.I32))
	case I32Clz, I32Ctz, I32Popcnt, I64Clz, I64Ctz, I64Popcnt:
		return c.lowerBitCount(op)
	case I32Add, I32Sub, I32Mul, I32And, I32Or, I32Xor,
		I64Add, I64Sub, I64Mul, I64And, I64Or, I64Xor,
		I32Shl, I32ShrS, I32ShrU, I64Shl, I64ShrS, I64ShrU,
		I32Rotl, I32Rotr, I64Rotl, I64Rotr:
		return c.lowerIntBinary(op)
	case I32DivS, I32DivU, I32RemS, I32RemU, I64DivS, I64DivU, I64RemS, I64RemU:
		return c.lowerDivision(op)
	case F32Add, F32Sub, F32Mul, F32Div, F64Add, F64Sub, F64Mul, F64Div:
		x, y, err := c.pop2()
		if err != nil {
			return err
		}
		switch op {
		case F32Add, F64Add:
			c.push(c.cur.NewFAdd(x, y))
		case F32Sub, F64Sub:
			c.push(c.cur.NewFSub(x, y))
		case F32Mul, F64Mul:
			c.push(c.cur.NewFMul(x, y))
		default:
			c.push(c.cur.NewFDiv(x, y))
		}
	case F32Neg, F64Neg:
		x, err := c.pop()
		if err != nil {
			return err
		}
		c.push(c.cur.NewFNeg(x))
	default:
		return c.lowerConversion(op)
	}
	return nil
}

func (c *functionCompiler) lowerBitCount(op Opcode) error {
	x, err := c.pop()
	if err != nil {
		return err
	}
	t, err := intTypeOf(x)
	if err != nil {
		return err
	}
	suffix := intSuffix(t)
	var v value.Value
	switch op {
	case I32Clz, I64Clz:
		v, err = c.callIntrinsic("llvm.ctlz"+suffix, x, constant.False)
	case I32Ctz, I64Ctz:
		v, err = c.callIntrinsic("llvm.cttz"+suffix, x, constant.False)
	default:
		v, err = c.callIntrinsic("llvm.ctpop"+suffix, x)
	}
	if err != nil {
		return err
	}
	c.push(v)
	return nil
}

func (c *functionCompiler) lowerIntBinary(op Opcode) error {
	x, y, err := c.pop2()
	if err != nil {
		return err
	}
	t, err := intTypeOf(x)
	if err != nil {
		return err
	}
	// Shift counts are taken modulo the bit width.
	count := func() value.Value {
		return c.cur.NewAnd(y, constant.NewInt(t, int64(t.BitSize-1)))
	}

	var v value.Value
	switch op {
	case I32Add, I64Add:
		v = c.cur.NewAdd(x, y)
	case I32Sub, I64Sub:
		v = c.cur.NewSub(x, y)
	case I32Mul, I64Mul:
		v = c.cur.NewMul(x, y)
	case I32And, I64And:
		v = c.cur.NewAnd(x, y)
	case I32Or, I64Or:
		v = c.cur.NewOr(x, y)
	case I32Xor, I64Xor:
		v = c.cur.NewXor(x, y)
	case I32Shl, I64Shl:
		v = c.cur.NewShl(x, count())
	case I32ShrS, I64ShrS:
		v = c.cur.NewAShr(x, count())
	case I32ShrU, I64ShrU:
		v = c.cur.NewLShr(x, count())
	case I32Rotl, I64Rotl:
		v, err = c.callIntrinsic("llvm.fshl"+intSuffix(t), x, x, y)
	case I32Rotr, I64Rotr:
		v, err = c.callIntrinsic("llvm.fshr"+intSuffix(t), x, x, y)
	}
	if err != nil {
		return err
	}
	c.push(v)
	return nil
}

// lowerDivision traps on a zero divisor and on signed overflow. The signed
// remainder of MIN by -1 is defined as 0, so the divisor is replaced by 1.
func (c *functionCompiler) lowerDivision(op Opcode) error {
	x, y, err := c.pop2()
	if err != nil {
		return err
	}
	t, err := intTypeOf(x)
	if err != nil {
		return err
	}
	zero := constant.NewInt(t, 0)
	minusOne := constant.NewInt(t, -1)
	minInt := constant.NewInt(t, math.MinInt64)
	if t.BitSize == 32 {
		minInt = constant.NewInt(t, math.MinInt32)
	}

	c.trapIf(c.cur.NewICmp(enum.IPredEQ, y, zero), TrapIntegerDivideByZero)
	switch op {
	case I32DivS, I64DivS:
		overflow := c.cur.NewAnd(
			c.cur.NewICmp(enum.IPredEQ, x, minInt),
			c.cur.NewICmp(enum.IPredEQ, y, minusOne),
		)
		c.trapIf(overflow, TrapIntegerOverflow)
		c.push(c.cur.NewSDiv(x, y))
	case I32DivU, I64DivU:
		c.push(c.cur.NewUDiv(x, y))
	case I32RemS, I64RemS:
		divisor := c.cur.NewSelect(
			c.cur.NewICmp(enum.IPredEQ, y, minusOne), constant.NewInt(t, 1), y,
		)
		c.push(c.cur.NewSRem(x, divisor))
	default:
		c.push(c.cur.NewURem(x, y))
	}
	return nil
}

func (c *functionCompiler) lowerTruncation(t truncation) error {
	x, err := c.pop()
	if err != nil {
		return err
	}
	if t.saturating {
		name := "llvm.fptoui.sat"
		if t.signed {
			name = "llvm.fptosi.sat"
		}
		v, err := c.callIntrinsic(name+intSuffix(t.to)+floatSuffix(t.from), x)
		if err != nil {
			return err
		}
		c.push(v)
		return nil
	}

	// Ordered comparisons are false for NaN, which therefore traps too.
	inRange := c.cur.NewAnd(
		c.cur.NewFCmp(enum.FPredOGT, x, constant.NewFloat(t.from, t.lower)),
		c.cur.NewFCmp(enum.FPredOLT, x, constant.NewFloat(t.from, t.upper)),
	)
	c.trapIf(c.cur.NewXor(inRange, constant.True), TrapInvalidConversion)
	if t.signed {
		c.push(c.cur.NewFPToSI(x, t.to))
	} else {
		c.push(c.cur.NewFPToUI(x, t.to))
	}
	return nil
}

func (c *functionCompiler) lowerConversion(op Opcode) error {
	var convert func(x value.Value) value.Value
	switch op {
	case I32WrapI64:
		convert = func(x value.Value) value.Value { return c.cur.NewTrunc(x, types.I32) }
	case I64ExtendI32S:
		convert = func(x value.Value) value.Value { return c.cur.NewSExt(x, types.I64) }
	case I64ExtendI32U:
		convert = func(x value.Value) value.Value { return c.cur.NewZExt(x, types.I64) }
	case F32ConvertI32S, F32ConvertI64S:
		convert = func(x value.Value) value.Value { return c.cur.NewSIToFP(x, types.Float) }
	case F32ConvertI32U, F32ConvertI64U:
		convert = func(x value.Value) value.Value { return c.cur.NewUIToFP(x, types.Float) }
	case F64ConvertI32S, F64ConvertI64S:
		convert = func(x value.Value) value.Value { return c.cur.NewSIToFP(x, types.Double) }
	case F64ConvertI32U, F64ConvertI64U:
		convert = func(x value.Value) value.Value { return c.cur.NewUIToFP(x, types.Double) }
	case F32DemoteF64:
		convert = func(x value.Value) value.Value { return c.cur.NewFPTrunc(x, types.Float) }
	case F64PromoteF32:
		convert = func(x value.Value) value.Value { return c.cur.NewFPExt(x, types.Double) }
	case I32ReinterpretF32:
		convert = func(x value.Value) value.Value { return c.cur.NewBitCast(x, types.I32) }
	case I64ReinterpretF64:
		convert = func(x value.Value) value.Value { return c.cur.NewBitCast(x, types.I64) }
	case F32ReinterpretI32:
		convert = func(x value.Value) value.Value { return c.cur.NewBitCast(x, types.Float) }
	case F64ReinterpretI64:
		convert = func(x value.Value) value.Value { return c.cur.NewBitCast(x, types.Double) }
	case I32Extend8S, I32Extend16S, I64Extend8S, I64Extend16S, I64Extend32S:
		narrow := map[Opcode]types.Type{
			I32Extend8S: types.I8, I32Extend16S: types.I16,
			I64Extend8S: types.I8, I64Extend16S: types.I16, I64Extend32S: types.I32,
		}[op]
		convert = func(x value.Value) value.Value {
			return c.cur.NewSExt(c.cur.NewTrunc(x, narrow), x.Type())
		}
	default:
		return errors.Wrapf(ErrUnsupportedInstruction, "%v", op)
	}

	x, err := c.pop()
	if err != nil {
		return err
	}
	c.push(convert(x))
	return nil
}

func intTypeOf(v value.Value) (*types.IntType, error) {
	if t, ok := v.Type().(*types.IntType); ok {
		return t, nil
	}
	return nil, formatErrorf("expected an integer operand, got %v", v.Type())
}

func floatTypeOf(v value.Value) (*types.FloatType, error) {
	if t, ok := v.Type().(*types.FloatType); ok {
		return t, nil
	}
	return nil, formatErrorf("expected a float operand, got %v", v.Type())
}
