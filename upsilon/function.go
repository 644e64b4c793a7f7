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

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// DefaultFunctionCompiler lowers structured control flow and the numeric,
// variable, memory and call instructions of WebAssembly 1.0 plus
// sign-extension, saturating truncation and bulk memory copy/fill.
type DefaultFunctionCompiler struct{}

func (DefaultFunctionCompiler) CompileFunction(ctx *ModuleContext, fn *ImplementedFunction) error {
	if int(fn.Index) >= len(ctx.Functions) {
		return errors.Errorf("function %d was not prototyped", fn.Index)
	}
	c := &functionCompiler{
		ctx:    ctx,
		decl:   fn,
		native: ctx.Functions[fn.Index].Native,
		reader: newCodeReader(fn.Body),
		traps:  make(map[TrapCode]*ir.Block),
	}
	return c.compile()
}

type frameKind int

const (
	functionFrame frameKind = iota
	blockFrame
	loopFrame
	ifFrame
)

// controlFrame is an open block, loop, if or the function itself. Values a
// frame produces travel through slot so that no phi nodes are needed.
type controlFrame struct {
	kind   frameKind
	result types.Type
	slot   value.Value
	header *ir.Block
	follow *ir.Block
	// elseBlock is the false edge of an if until its else is reached.
	elseBlock *ir.Block
	height    int
}

func (f *controlFrame) target() *ir.Block {
	if f.kind == loopFrame {
		return f.header
	}
	return f.follow
}

// carriesValue reports whether a branch to f must provide its result.
func (f *controlFrame) carriesValue() bool {
	return f.kind != loopFrame && f.result != nil
}

type functionCompiler struct {
	ctx    *ModuleContext
	decl   *ImplementedFunction
	native *ir.Func
	reader *codeReader

	entry  *ir.Block
	cur    *ir.Block
	locals []value.Value
	ltypes []types.Type
	stack  []value.Value
	frames []*controlFrame
	traps  map[TrapCode]*ir.Block
	blocks int

	// unreachable is set after an unconditional transfer of control. Until
	// the matching else or end, instructions are decoded but not lowered.
	unreachable      bool
	unreachableDepth int
}

func (c *functionCompiler) compile() error {
	c.entry = c.native.NewBlock("entry")
	body := c.newBlock("body")
	c.entry.NewBr(body)

	for _, p := range c.native.Params {
		slot := c.entry.NewAlloca(p.Typ)
		c.entry.NewStore(p, slot)
		c.locals = append(c.locals, slot)
		c.ltypes = append(c.ltypes, p.Typ)
	}
	for i, vt := range c.decl.Locals {
		t, err := nativeType(vt)
		if err != nil {
			return errors.Wrapf(err, "local %d", len(c.native.Params)+i)
		}
		slot := c.entry.NewAlloca(t)
		c.entry.NewStore(zeroValue(t), slot)
		c.locals = append(c.locals, slot)
		c.ltypes = append(c.ltypes, t)
	}

	var result types.Type
	if ret := c.native.Sig.RetType; !types.Equal(ret, types.Void) {
		result = ret
	}
	c.pushFrame(functionFrame, result, nil, c.newBlock("exit"))
	c.enter(body)

	for c.reader.hasMore() {
		pc := c.reader.pc
		op, err := c.reader.readOpcode()
		if err != nil {
			return formatErrorf("offset %d: %v", pc, err)
		}
		if err := c.lowerInstruction(op); err != nil {
			return errors.WithMessagef(err, "offset %d (%v)", pc, op)
		}
		if len(c.frames) == 0 {
			return formatErrorf("offset %d: end of function before end of body", pc)
		}
	}
	if len(c.frames) != 1 {
		return formatErrorf("%d unterminated blocks", len(c.frames)-1)
	}
	// The body does not include its final end.
	if err := c.lowerInstruction(End); err != nil {
		return errors.WithMessage(err, "function end")
	}

	for _, code := range []TrapCode{
		TrapUnreachable, TrapIntegerDivideByZero, TrapIntegerOverflow,
		TrapInvalidConversion, TrapIndirectCallToNull, TrapTableOutOfBounds,
		TrapSignatureMismatch, TrapMemoryOutOfBounds,
	} {
		if blk, ok := c.traps[code]; ok {
			c.attach(blk)
		}
	}
	for _, blk := range c.native.Blocks {
		if blk.Term == nil {
			blk.NewUnreachable()
		}
	}
	return nil
}

func (c *functionCompiler) newBlock(kind string) *ir.Block {
	c.blocks++
	return ir.NewBlock(fmt.Sprintf("%s.%d", kind, c.blocks))
}

func (c *functionCompiler) attach(blk *ir.Block) {
	blk.Parent = c.native
	c.native.Blocks = append(c.native.Blocks, blk)
}

func (c *functionCompiler) enter(blk *ir.Block) {
	c.attach(blk)
	c.cur = blk
}

func (c *functionCompiler) push(v value.Value) {
	c.stack = append(c.stack, v)
}

func (c *functionCompiler) pop() (value.Value, error) {
	if len(c.stack) <= c.frames[len(c.frames)-1].height {
		return nil, formatErrorf("operand stack underflow")
	}
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v, nil
}

func (c *functionCompiler) peek() (value.Value, error) {
	v, err := c.pop()
	if err != nil {
		return nil, err
	}
	c.push(v)
	return v, nil
}

// popN pops n values and returns them in push order.
func (c *functionCompiler) popN(n int) ([]value.Value, error) {
	if len(c.stack)-n < c.frames[len(c.frames)-1].height {
		return nil, formatErrorf("operand stack underflow")
	}
	values := make([]value.Value, n)
	copy(values, c.stack[len(c.stack)-n:])
	c.stack = c.stack[:len(c.stack)-n]
	return values, nil
}

func (c *functionCompiler) pop2() (value.Value, value.Value, error) {
	values, err := c.popN(2)
	if err != nil {
		return nil, nil, err
	}
	return values[0], values[1], nil
}

func (c *functionCompiler) pushFrame(
	kind frameKind,
	result types.Type,
	header, follow *ir.Block,
) *controlFrame {
	f := &controlFrame{
		kind:   kind,
		result: result,
		header: header,
		follow: follow,
		height: len(c.stack),
	}
	if result != nil {
		f.slot = c.entry.NewAlloca(result)
	}
	c.frames = append(c.frames, f)
	return f
}

func (c *functionCompiler) frameAt(depth uint32) (*controlFrame, error) {
	if int(depth) >= len(c.frames) {
		return nil, formatErrorf("branch depth %d exceeds %d open blocks", depth, len(c.frames))
	}
	return c.frames[len(c.frames)-1-int(depth)], nil
}

func (c *functionCompiler) markUnreachable() {
	c.unreachable = true
	c.unreachableDepth = 0
}

// trapIf branches to the trap block for code when cond holds and continues in
// a fresh block otherwise.
func (c *functionCompiler) trapIf(cond value.Value, code TrapCode) {
	trap, ok := c.traps[code]
	if !ok {
		trap = c.newBlock("trap")
		trap.NewCall(c.ctx.Stubs.Trap, constant.NewInt(types.I32, int64(code)))
		trap.NewUnreachable()
		c.traps[code] = trap
	}
	cont := c.newBlock("cont")
	c.cur.NewCondBr(cond, trap, cont)
	c.enter(cont)
}

func (c *functionCompiler) callIntrinsic(name string, args ...value.Value) (value.Value, error) {
	fn, err := c.ctx.Stubs.Intrinsic(name)
	if err != nil {
		return nil, err
	}
	return c.cur.NewCall(fn, args...), nil
}

func (c *functionCompiler) resolveBlockType(bt blockType) (types.Type, error) {
	if bt.typeIndex < 0 {
		if bt.result == nil {
			return nil, nil
		}
		return nativeType(bt.result)
	}
	if int(bt.typeIndex) >= len(c.ctx.Types) {
		return nil, formatErrorf("block type index %d out of range", bt.typeIndex)
	}
	ft := c.ctx.Types[bt.typeIndex]
	if len(ft.ParamTypes) > 0 || len(ft.ResultTypes) > 1 {
		return nil, errors.Wrap(ErrUnsupportedInstruction, "multi-value block type")
	}
	if len(ft.ResultTypes) == 0 {
		return nil, nil
	}
	return nativeType(ft.ResultTypes[0])
}

func (c *functionCompiler) lowerInstruction(op Opcode) error {
	if c.unreachable {
		return c.skipInstruction(op)
	}

	switch op {
	case Nop:
		return nil
	case Unreachable:
		c.cur.NewCall(c.ctx.Stubs.Trap, constant.NewInt(types.I32, int64(TrapUnreachable)))
		c.cur.NewUnreachable()
		c.markUnreachable()
		return nil
	case Block, Loop, If:
		return c.lowerBlockStart(op)
	case Else:
		return c.lowerElse()
	case End:
		return c.lowerEnd()
	case Br:
		depth, err := c.reader.readU32()
		if err != nil {
			return err
		}
		if err := c.branch(depth); err != nil {
			return err
		}
		c.markUnreachable()
		return nil
	case BrIf:
		return c.lowerBrIf()
	case BrTable:
		return c.lowerBrTable()
	case Return:
		if err := c.branch(uint32(len(c.frames) - 1)); err != nil {
			return err
		}
		c.markUnreachable()
		return nil
	case Call:
		return c.lowerCall()
	case CallIndirect:
		return c.lowerCallIndirect()
	case Drop:
		_, err := c.pop()
		return err
	case Select, SelectT:
		return c.lowerSelect(op)
	case LocalGet, LocalSet, LocalTee:
		return c.lowerLocal(op)
	case GlobalGet, GlobalSet:
		return c.lowerGlobal(op)
	case MemorySize, MemoryGrow:
		return c.lowerMemorySize(op)
	case MemoryCopy, MemoryFill:
		return c.lowerBulkMemory(op)
	case I32Const:
		v, err := c.reader.readS32()
		if err != nil {
			return err
		}
		c.push(constant.NewInt(types.I32, int64(v)))
		return nil
	case I64Const:
		v, err := c.reader.readS64()
		if err != nil {
			return err
		}
		c.push(constant.NewInt(types.I64, v))
		return nil
	case F32Const:
		bits, err := c.reader.readF32Bits()
		if err != nil {
			return err
		}
		c.push(f32Constant(bits))
		return nil
	case F64Const:
		bits, err := c.reader.readF64Bits()
		if err != nil {
			return err
		}
		c.push(f64Constant(bits))
		return nil
	}

	if access, ok := loads[op]; ok {
		return c.lowerLoad(access)
	}
	if access, ok := stores[op]; ok {
		return c.lowerStore(access)
	}
	return c.lowerNumeric(op)
}

// skipInstruction decodes the immediates of op without lowering it.
func (c *functionCompiler) skipInstruction(op Opcode) error {
	switch op {
	case Block, Loop, If:
		c.unreachableDepth++
		_, err := c.reader.readBlockType()
		return err
	case Else:
		if c.unreachableDepth > 0 {
			return nil
		}
		return c.lowerElse()
	case End:
		if c.unreachableDepth > 0 {
			c.unreachableDepth--
			return nil
		}
		return c.lowerEnd()
	}
	return skipImmediates(c.reader, op)
}

func skipImmediates(r *codeReader, op Opcode) error {
	var err error
	switch op {
	case Br, BrIf, Call, LocalGet, LocalSet, LocalTee, GlobalGet, GlobalSet,
		RefFunc, MemorySize, MemoryGrow, DataDrop, ElemDrop, MemoryFill,
		TableGrow, TableSize, TableFill, TableGet, TableSet:
		_, err = r.readU32()
	case CallIndirect, MemoryInit, MemoryCopy, TableInit, TableCopy:
		if _, err = r.readU32(); err == nil {
			_, err = r.readU32()
		}
	case BrTable:
		var n uint32
		if n, err = r.readU32(); err == nil {
			for i := uint32(0); i <= n && err == nil; i++ {
				_, err = r.readU32()
			}
		}
	case SelectT:
		var n uint32
		if n, err = r.readU32(); err == nil {
			_, err = r.readFixed(int(n))
		}
	case RefNull:
		_, err = r.readByte()
	case I32Const:
		_, err = r.readS32()
	case I64Const:
		_, err = r.readS64()
	case F32Const:
		_, err = r.readFixed(4)
	case F64Const:
		_, err = r.readFixed(8)
	default:
		if _, ok := loads[op]; ok {
			_, err = r.readMemArg()
		} else if _, ok := stores[op]; ok {
			_, err = r.readMemArg()
		} else if !isPlainInstruction(op) {
			return errors.Wrapf(ErrUnsupportedInstruction, "%v", op)
		}
	}
	return err
}

// isPlainInstruction reports whether op has no immediates.
func isPlainInstruction(op Opcode) bool {
	switch {
	case op == Unreachable, op == Nop, op == Return, op == Drop, op == Select,
		op == RefIsNull:
		return true
	case op >= I32Eqz && op <= I64Extend32S:
		return true
	case op >= I32TruncSatF32S && op <= I64TruncSatF64U:
		return true
	}
	return false
}

func (c *functionCompiler) lowerBlockStart(op Opcode) error {
	bt, err := c.reader.readBlockType()
	if err != nil {
		return err
	}
	result, err := c.resolveBlockType(bt)
	if err != nil {
		return err
	}

	switch op {
	case Block:
		c.pushFrame(blockFrame, result, nil, c.newBlock("block.end"))
	case Loop:
		header := c.newBlock("loop")
		c.cur.NewBr(header)
		c.enter(header)
		c.pushFrame(loopFrame, result, header, c.newBlock("loop.end"))
	case If:
		cond, err := c.pop()
		if err != nil {
			return err
		}
		then := c.newBlock("if.then")
		f := c.pushFrame(ifFrame, result, nil, c.newBlock("if.end"))
		f.elseBlock = c.newBlock("if.else")
		c.cur.NewCondBr(c.truthy(cond), then, f.elseBlock)
		c.enter(then)
	}
	return nil
}

// closeArm stores the frame result and jumps to the continuation. It is a
// no-op when the current block already ended in a transfer of control.
func (c *functionCompiler) closeArm(f *controlFrame) error {
	if c.unreachable {
		return nil
	}
	if f.result != nil {
		v, err := c.pop()
		if err != nil {
			return err
		}
		c.cur.NewStore(v, f.slot)
	}
	if len(c.stack) != f.height {
		return formatErrorf("%d values left on the stack at end of block", len(c.stack)-f.height)
	}
	c.cur.NewBr(f.follow)
	return nil
}

func (c *functionCompiler) lowerElse() error {
	f := c.frames[len(c.frames)-1]
	if f.kind != ifFrame || f.elseBlock == nil {
		return formatErrorf("else without matching if")
	}
	if err := c.closeArm(f); err != nil {
		return err
	}
	c.stack = c.stack[:f.height]
	c.enter(f.elseBlock)
	f.elseBlock = nil
	c.unreachable = false
	return nil
}

func (c *functionCompiler) lowerEnd() error {
	f := c.frames[len(c.frames)-1]
	if err := c.closeArm(f); err != nil {
		return err
	}
	if f.elseBlock != nil {
		// An if without else falls through on its false edge.
		c.enter(f.elseBlock)
		c.cur.NewBr(f.follow)
	}
	c.frames = c.frames[:len(c.frames)-1]
	c.stack = c.stack[:f.height]
	c.unreachable = false
	c.enter(f.follow)

	if f.kind == functionFrame {
		if f.result == nil {
			c.cur.NewRet(nil)
			return nil
		}
		c.cur.NewRet(c.cur.NewLoad(f.result, f.slot))
		return nil
	}
	if f.result != nil {
		c.push(c.cur.NewLoad(f.result, f.slot))
	}
	return nil
}

// storeBranchValue records the value a branch to f carries. Any path that
// reaches f's continuation stores its own value last, so storing on a path
// that does not take the branch is harmless.
func (c *functionCompiler) storeBranchValue(f *controlFrame) error {
	if !f.carriesValue() {
		return nil
	}
	v, err := c.peek()
	if err != nil {
		return err
	}
	c.cur.NewStore(v, f.slot)
	return nil
}

func (c *functionCompiler) branch(depth uint32) error {
	f, err := c.frameAt(depth)
	if err != nil {
		return err
	}
	if err := c.storeBranchValue(f); err != nil {
		return err
	}
	c.cur.NewBr(f.target())
	return nil
}

func (c *functionCompiler) lowerBrIf() error {
	depth, err := c.reader.readU32()
	if err != nil {
		return err
	}
	cond, err := c.pop()
	if err != nil {
		return err
	}
	f, err := c.frameAt(depth)
	if err != nil {
		return err
	}
	if err := c.storeBranchValue(f); err != nil {
		return err
	}
	cont := c.newBlock("br_if.cont")
	c.cur.NewCondBr(c.truthy(cond), f.target(), cont)
	c.enter(cont)
	return nil
}

func (c *functionCompiler) lowerBrTable() error {
	n, err := c.reader.readU32()
	if err != nil {
		return err
	}
	depths := make([]uint32, n+1)
	for i := range depths {
		if depths[i], err = c.reader.readU32(); err != nil {
			return err
		}
	}
	index, err := c.pop()
	if err != nil {
		return err
	}

	targets := make([]*ir.Block, len(depths))
	stored := make(map[*controlFrame]bool)
	for i, depth := range depths {
		f, err := c.frameAt(depth)
		if err != nil {
			return err
		}
		if !stored[f] {
			if err := c.storeBranchValue(f); err != nil {
				return err
			}
			stored[f] = true
		}
		targets[i] = f.target()
	}

	cases := make([]*ir.Case, n)
	for i := range cases {
		cases[i] = ir.NewCase(constant.NewInt(types.I32, int64(i)), targets[i])
	}
	c.cur.NewSwitch(index, targets[n], cases...)
	c.markUnreachable()
	return nil
}

func (c *functionCompiler) lowerCall() error {
	index, err := c.reader.readU32()
	if err != nil {
		return err
	}
	if int(index) >= len(c.ctx.Functions) {
		return formatErrorf("call to unknown function %d", index)
	}
	callee := c.ctx.Functions[index]
	args, err := c.popN(len(callee.Native.Params))
	if err != nil {
		return err
	}
	call := c.cur.NewCall(callee.Native, args...)
	if !types.Equal(callee.Native.Sig.RetType, types.Void) {
		c.push(call)
	}
	return nil
}

func (c *functionCompiler) lowerCallIndirect() error {
	typeIndex, err := c.reader.readU32()
	if err != nil {
		return err
	}
	tableIndex, err := c.reader.readU32()
	if err != nil {
		return err
	}
	table := c.ctx.Table
	if table == nil || tableIndex != 0 {
		return formatErrorf("call_indirect through missing table %d", tableIndex)
	}
	if int(typeIndex) >= len(c.ctx.Types) {
		return formatErrorf("call_indirect with unknown type %d", typeIndex)
	}
	sig, err := nativeFuncType(c.ctx.Types[typeIndex])
	if err != nil {
		return err
	}

	slot, err := c.pop()
	if err != nil {
		return err
	}
	args, err := c.popN(len(sig.Params))
	if err != nil {
		return err
	}

	c.trapIf(
		c.cur.NewICmp(enum.IPredUGE, slot, constant.NewInt(types.I32, int64(table.Size))),
		TrapTableOutOfBounds,
	)
	index := c.cur.NewZExt(slot, types.I64)
	zero := constant.NewInt(types.I64, 0)
	fnPtr := c.cur.NewLoad(types.I8Ptr, c.cur.NewGetElementPtr(
		table.Global.ContentType, table.Global, zero, index,
	))
	c.trapIf(
		c.cur.NewICmp(enum.IPredEQ, fnPtr, constant.NewNull(types.I8Ptr)),
		TrapIndirectCallToNull,
	)
	typeID := c.cur.NewLoad(types.I32, c.cur.NewGetElementPtr(
		table.TypesGlobal.ContentType, table.TypesGlobal, zero, index,
	))
	expected := constant.NewInt(types.I32, int64(table.SignatureIDs[typeIndex]))
	c.trapIf(c.cur.NewICmp(enum.IPredNE, typeID, expected), TrapSignatureMismatch)

	callee := c.cur.NewBitCast(fnPtr, types.NewPointer(sig))
	call := c.cur.NewCall(callee, args...)
	if !types.Equal(sig.RetType, types.Void) {
		c.push(call)
	}
	return nil
}

func (c *functionCompiler) lowerSelect(op Opcode) error {
	if op == SelectT {
		n, err := c.reader.readU32()
		if err != nil {
			return err
		}
		if _, err := c.reader.readFixed(int(n)); err != nil {
			return err
		}
	}
	values, err := c.popN(3)
	if err != nil {
		return err
	}
	c.push(c.cur.NewSelect(c.truthy(values[2]), values[0], values[1]))
	return nil
}

func (c *functionCompiler) lowerLocal(op Opcode) error {
	index, err := c.reader.readU32()
	if err != nil {
		return err
	}
	if int(index) >= len(c.locals) {
		return formatErrorf("unknown local %d", index)
	}
	slot := c.locals[index]
	switch op {
	case LocalGet:
		c.push(c.cur.NewLoad(c.ltypes[index], slot))
	case LocalSet:
		v, err := c.pop()
		if err != nil {
			return err
		}
		c.cur.NewStore(v, slot)
	case LocalTee:
		v, err := c.peek()
		if err != nil {
			return err
		}
		c.cur.NewStore(v, slot)
	}
	return nil
}

func (c *functionCompiler) lowerGlobal(op Opcode) error {
	index, err := c.reader.readU32()
	if err != nil {
		return err
	}
	if int(index) >= len(c.ctx.Globals) {
		return formatErrorf("unknown global %d", index)
	}
	global := c.ctx.Globals[index]
	if op == GlobalGet {
		c.push(global.Load(c.cur))
		return nil
	}
	v, err := c.pop()
	if err != nil {
		return err
	}
	return errors.WithMessagef(global.Store(c.cur, v), "global %d", index)
}

// truthy converts a WebAssembly i32 condition to an i1.
func (c *functionCompiler) truthy(v value.Value) value.Value {
	return c.cur.NewICmp(enum.IPredNE, v, constant.NewInt(types.I32, 0))
}
