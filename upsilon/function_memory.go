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
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// memoryAccess describes a load or store: the operand type, the type stored
// in memory and, for narrow loads, whether the value is sign extended.
type memoryAccess struct {
	operand types.Type
	stored  types.Type
	signed  bool
	size    int64
}

var loads = map[Opcode]memoryAccess{
	I32Load:    {types.I32, types.I32, false, 4},
	I64Load:    {types.I64, types.I64, false, 8},
	F32Load:    {types.Float, types.Float, false, 4},
	F64Load:    {types.Double, types.Double, false, 8},
	I32Load8S:  {types.I32, types.I8, true, 1},
	I32Load8U:  {types.I32, types.I8, false, 1},
	I32Load16S: {types.I32, types.I16, true, 2},
	I32Load16U: {types.I32, types.I16, false, 2},
	I64Load8S:  {types.I64, types.I8, true, 1},
	I64Load8U:  {types.I64, types.I8, false, 1},
	I64Load16S: {types.I64, types.I16, true, 2},
	I64Load16U: {types.I64, types.I16, false, 2},
	I64Load32S: {types.I64, types.I32, true, 4},
	I64Load32U: {types.I64, types.I32, false, 4},
}

var stores = map[Opcode]memoryAccess{
	I32Store:   {types.I32, types.I32, false, 4},
	I64Store:   {types.I64, types.I64, false, 8},
	F32Store:   {types.Float, types.Float, false, 4},
	F64Store:   {types.Double, types.Double, false, 8},
	I32Store8:  {types.I32, types.I8, false, 1},
	I32Store16: {types.I32, types.I16, false, 2},
	I64Store8:  {types.I64, types.I8, false, 1},
	I64Store16: {types.I64, types.I16, false, 2},
	I64Store32: {types.I64, types.I32, false, 4},
}

// address bounds checks [addr+offset, addr+offset+size) against the image and
// returns an i8* to its first byte.
func (c *functionCompiler) address(addr value.Value, offset uint32, size value.Value) (value.Value, error) {
	mem := c.ctx.Memory
	if mem == nil {
		return nil, formatErrorf("memory access in a module without memory")
	}
	var ea value.Value = c.cur.NewZExt(addr, types.I64)
	if offset != 0 {
		ea = c.cur.NewAdd(ea, constant.NewInt(types.I64, int64(offset)))
	}
	end := c.cur.NewAdd(ea, size)
	limit := constant.NewInt(types.I64, int64(mem.Size()))
	c.trapIf(c.cur.NewICmp(enum.IPredUGT, end, limit), TrapMemoryOutOfBounds)
	return c.cur.NewGetElementPtr(
		mem.Global.ContentType, mem.Global, constant.NewInt(types.I64, 0), ea,
	), nil
}

func (c *functionCompiler) lowerLoad(access memoryAccess) error {
	arg, err := c.reader.readMemArg()
	if err != nil {
		return err
	}
	addr, err := c.pop()
	if err != nil {
		return err
	}
	ptr, err := c.address(addr, arg.offset, constant.NewInt(types.I64, access.size))
	if err != nil {
		return err
	}
	if !types.Equal(access.stored, types.I8) {
		ptr = c.cur.NewBitCast(ptr, types.NewPointer(access.stored))
	}
	var v value.Value = c.cur.NewLoad(access.stored, ptr)
	switch {
	case types.Equal(access.stored, access.operand):
	case access.signed:
		v = c.cur.NewSExt(v, access.operand)
	default:
		v = c.cur.NewZExt(v, access.operand)
	}
	c.push(v)
	return nil
}

func (c *functionCompiler) lowerStore(access memoryAccess) error {
	arg, err := c.reader.readMemArg()
	if err != nil {
		return err
	}
	addr, v, err := c.pop2()
	if err != nil {
		return err
	}
	ptr, err := c.address(addr, arg.offset, constant.NewInt(types.I64, access.size))
	if err != nil {
		return err
	}
	if !types.Equal(access.stored, access.operand) {
		v = c.cur.NewTrunc(v, access.stored)
	}
	if !types.Equal(access.stored, types.I8) {
		ptr = c.cur.NewBitCast(ptr, types.NewPointer(access.stored))
	}
	c.cur.NewStore(v, ptr)
	return nil
}

// lowerMemorySize handles memory.size and memory.grow. The image has a fixed
// size, so growing by anything but zero pages fails with -1.
func (c *functionCompiler) lowerMemorySize(op Opcode) error {
	if _, err := c.reader.readU32(); err != nil {
		return err
	}
	mem := c.ctx.Memory
	if mem == nil {
		return formatErrorf("%v in a module without memory", op)
	}
	pages := constant.NewInt(types.I32, int64(mem.Pages))
	if op == MemorySize {
		c.push(pages)
		return nil
	}
	delta, err := c.pop()
	if err != nil {
		return err
	}
	grown := c.cur.NewICmp(enum.IPredEQ, delta, constant.NewInt(types.I32, 0))
	c.push(c.cur.NewSelect(grown, pages, constant.NewInt(types.I32, -1)))
	return nil
}

func (c *functionCompiler) lowerBulkMemory(op Opcode) error {
	if op == MemoryCopy {
		if _, err := c.reader.readU32(); err != nil {
			return err
		}
	}
	if _, err := c.reader.readU32(); err != nil {
		return err
	}
	operands, err := c.popN(3)
	if err != nil {
		return err
	}
	dst, n := operands[0], c.cur.NewZExt(operands[2], types.I64)
	dstPtr, err := c.address(dst, 0, n)
	if err != nil {
		return err
	}
	isVolatile := constant.False

	if op == MemoryFill {
		fill := c.cur.NewTrunc(operands[1], types.I8)
		_, err = c.callIntrinsic("llvm.memset.p0i8.i64", dstPtr, fill, n, isVolatile)
		return err
	}
	srcPtr, err := c.address(operands[1], 0, n)
	if err != nil {
		return err
	}
	_, err = c.callIntrinsic("llvm.memmove.p0i8.p0i8.i64", dstPtr, srcPtr, n, isVolatile)
	return err
}
