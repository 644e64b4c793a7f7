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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/ziggy42/upsilon/internal/wasmbuild"
)

func testConfig() (Config, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Logger = logger
	return cfg, hook
}

func lowerModule(cfg Config, b *wasmbuild.Builder) (*Output, error) {
	module, err := ParseBytes(b.Bytes())
	if err != nil {
		return nil, err
	}
	module.Name = "test"
	return NewCompiler().WithConfig(cfg).Lower(module)
}

func mustLower(t *testing.T, cfg Config, b *wasmbuild.Builder) *Output {
	t.Helper()
	out, err := lowerModule(cfg, b)
	if err != nil {
		t.Fatalf("lowering module failed: %v", err)
	}
	return out
}

func findFunc(t *testing.T, out *Output, name string) *ir.Func {
	t.Helper()
	for _, fn := range out.Module.Funcs {
		if fn.Name() == name {
			return fn
		}
	}
	t.Fatalf("function @%s not found", name)
	return nil
}

func findGlobal(out *Output, name string) *ir.Global {
	for _, g := range out.Module.Globals {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

func globalNames(out *Output) []string {
	var names []string
	for _, g := range out.Module.Globals {
		names = append(names, g.Name())
	}
	return names
}

// recordingCompiler remembers which functions reached the body compiler.
type recordingCompiler struct {
	compiled []uint32
}

func (r *recordingCompiler) CompileFunction(ctx *ModuleContext, fn *ImplementedFunction) error {
	r.compiled = append(r.compiled, fn.Index)
	return DefaultFunctionCompiler{}.CompileFunction(ctx, fn)
}

func TestLowerEmptyModule(t *testing.T) {
	cfg, _ := testConfig()
	out := mustLower(t, cfg, wasmbuild.New())

	if out.Context.Memory != nil || out.Context.Table != nil {
		t.Errorf("expected no memory and no table, got %v and %v", out.Context.Memory, out.Context.Table)
	}
	if got := out.Module.SourceFilename; got != "test" {
		t.Errorf("expected source filename test, got %q", got)
	}
	if findFunc(t, out, TrapSymbol) != out.Context.Stubs.Trap {
		t.Errorf("trap stub not registered under %s", TrapSymbol)
	}
}

func TestLowerEndToEnd(t *testing.T) {
	b := wasmbuild.New()
	b.Memory(1, nil)
	counter := b.Global(wasmbuild.I32, true, wasmbuild.I32Const(42))
	seven := b.Global(wasmbuild.I32, false, wasmbuild.I32Const(7))
	fn := b.Func(nil, []byte{wasmbuild.I32}, nil, wasmbuild.Concat(
		wasmbuild.GlobalGet(counter),
		wasmbuild.GlobalGet(seven),
		[]byte{byte(I32Add)},
	)...)
	b.Export("sum_globals", wasmbuild.KindFunc, fn)
	b.Data(wasmbuild.I32Const(0), []byte{0xAA})

	cfg, _ := testConfig()
	cfg.InlineConstantGlobals = true
	out := mustLower(t, cfg, b)

	if diff := cmp.Diff([]string{"global_0", memorySymbol}, globalNames(out)); diff != "" {
		t.Errorf("unexpected globals (-want +got):\n%s", diff)
	}
	g := findGlobal(out, "global_0")
	if v, ok := g.Init.(*constant.Int); !ok || v.X.Int64() != 42 {
		t.Errorf("expected global_0 to start at 42, got %v", g.Init)
	}
	if g.Immutable {
		t.Errorf("expected global_0 to be mutable")
	}
	if _, ok := out.Context.Globals[1].(*InlinedConstant); !ok {
		t.Errorf("expected global 1 to be inlined, got %T", out.Context.Globals[1])
	}

	mem := out.Context.Memory
	if mem.Pages != 1 || len(mem.Bytes) != pageSize {
		t.Fatalf("expected a single page image, got %d pages and %d bytes", mem.Pages, len(mem.Bytes))
	}
	if mem.Bytes[0] != 0xAA {
		t.Errorf("expected byte 0 to be 0xAA, got 0x%x", mem.Bytes[0])
	}
	if zeros := bytes.Count(mem.Bytes[1:], []byte{0}); zeros != pageSize-1 {
		t.Errorf("expected the rest of the image to be zero, got %d zero bytes", zeros)
	}

	var add *ir.InstAdd
	native := findFunc(t, out, "sum_globals")
	for _, blk := range native.Blocks {
		for _, inst := range blk.Insts {
			switch inst := inst.(type) {
			case *ir.InstAdd:
				add = inst
			case *ir.InstLoad:
				if src, ok := inst.Src.(*ir.Global); ok && src != g {
					t.Errorf("unexpected load from @%s", src.Name())
				}
			}
		}
	}
	if add == nil {
		t.Fatalf("no add instruction in sum_globals")
	}
	if y, ok := add.Y.(*constant.Int); !ok || y.X.Int64() != 7 {
		t.Errorf("expected the immutable global to be the literal 7, got %v", add.Y)
	}
}

func TestLowerWithoutInliningDefinesConstantGlobal(t *testing.T) {
	b := wasmbuild.New()
	b.Global(wasmbuild.I32, false, wasmbuild.I32Const(7))

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	g := findGlobal(out, "global_0")
	if g == nil {
		t.Fatalf("expected storage for global_0")
	}
	if !g.Immutable {
		t.Errorf("expected global_0 to be immutable")
	}
	native, ok := out.Context.Globals[0].(*NativeGlobal)
	if !ok || !native.Constant {
		t.Errorf("expected a constant native global, got %#v", out.Context.Globals[0])
	}
}

func TestLowerForwardAndRecursiveCalls(t *testing.T) {
	b := wasmbuild.New()
	// func 0 calls func 1, which is declared after it and calls itself.
	caller := b.Func(nil, []byte{wasmbuild.I32}, nil,
		byte(I32Const), 3, byte(Call), 1)
	b.Func([]byte{wasmbuild.I32}, []byte{wasmbuild.I32}, nil,
		byte(LocalGet), 0,
		byte(If), 0x7f,
		byte(LocalGet), 0, byte(I32Const), 1, byte(I32Sub), byte(Call), 1,
		byte(Else),
		byte(I32Const), 0,
		byte(End),
	)
	b.Export("run", wasmbuild.KindFunc, caller)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	run := findFunc(t, out, "run")
	helper := findFunc(t, out, "func_1")
	if run.Linkage == enum.LinkageInternal {
		t.Errorf("expected exported function to be visible")
	}
	if helper.Linkage != enum.LinkageInternal {
		t.Errorf("expected func_1 to have internal linkage, got %v", helper.Linkage)
	}

	var callees []*ir.Func
	for _, blk := range helper.Blocks {
		for _, inst := range blk.Insts {
			if call, ok := inst.(*ir.InstCall); ok {
				callees = append(callees, call.Callee.(*ir.Func))
			}
		}
	}
	if len(callees) != 1 || callees[0] != helper {
		t.Errorf("expected func_1 to call itself, got %v", callees)
	}
}

func TestLowerImportedFunction(t *testing.T) {
	b := wasmbuild.New()
	imported := b.ImportFunc("env", "log", []byte{wasmbuild.I32}, nil)
	fn := b.Func(nil, nil, nil, byte(I32Const), 1, byte(Call), byte(imported))
	b.Export("main", wasmbuild.KindFunc, fn)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	native := findFunc(t, out, "log")
	if native.Linkage != enum.LinkageExternal {
		t.Errorf("expected external linkage, got %v", native.Linkage)
	}
	if len(native.Blocks) != 0 {
		t.Errorf("expected imported function to have no body")
	}
	want := map[string]string{importModuleAttr: "env", importNameAttr: "log"}
	got := make(map[string]string)
	for _, attr := range native.FuncAttrs {
		if pair, ok := attr.(ir.AttrPair); ok {
			got[pair.Key] = pair.Value
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected import attributes (-want +got):\n%s", diff)
	}
}

func TestLowerSymbolCollisions(t *testing.T) {
	b := wasmbuild.New()
	f0 := b.Func(nil, nil, nil)
	f1 := b.Func(nil, nil, nil)
	b.Memory(1, nil)
	b.Export(memorySymbol, wasmbuild.KindFunc, f0)
	b.Export(TrapSymbol, wasmbuild.KindFunc, f1)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	findFunc(t, out, memorySymbol+".1")
	findFunc(t, out, TrapSymbol+".1")
	if findGlobal(out, memorySymbol) != out.Context.Memory.Global {
		t.Errorf("expected %s to name the memory image", memorySymbol)
	}
}

func TestLowerFirstExportNameWins(t *testing.T) {
	b := wasmbuild.New()
	fn := b.Func(nil, nil, nil)
	b.Export("first", wasmbuild.KindFunc, fn)
	b.Export("second", wasmbuild.KindFunc, fn)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	if got := out.Context.Functions[0].Decl.Symbol(); got != "first" {
		t.Errorf("expected symbol first, got %q", got)
	}
}

func TestLowerRejectsSecondMemory(t *testing.T) {
	b := wasmbuild.New()
	b.ImportMemory("env", "memory", 1)
	b.Memory(1, nil)

	cfg, _ := testConfig()
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected a capacity error, got %v", err)
	}
}

func TestLowerStopsBeforeBodiesOnTableError(t *testing.T) {
	b := wasmbuild.New()
	b.Table(2000, nil)
	b.Func(nil, nil, nil)

	cfg, _ := testConfig()
	recorder := &recordingCompiler{}
	cfg.Functions = recorder
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected a capacity error, got %v", err)
	}
	if len(recorder.compiled) != 0 {
		t.Errorf("expected no function bodies to be compiled, got %v", recorder.compiled)
	}
}

func TestLowerCompilesEveryImplementedFunction(t *testing.T) {
	b := wasmbuild.New()
	b.ImportFunc("env", "tick", nil, nil)
	b.Func(nil, nil, nil)
	b.Func(nil, nil, nil)

	cfg, _ := testConfig()
	recorder := &recordingCompiler{}
	cfg.Functions = recorder
	mustLower(t, cfg, b)

	if diff := cmp.Diff([]uint32{1, 2}, recorder.compiled); diff != "" {
		t.Errorf("unexpected compiled functions (-want +got):\n%s", diff)
	}
}

func TestLowerLogsProgress(t *testing.T) {
	b := wasmbuild.New()
	b.Memory(1, nil)

	cfg, hook := testConfig()
	mustLower(t, cfg, b)

	messages := make(map[string]bool)
	for _, entry := range hook.AllEntries() {
		messages[entry.Message] = true
	}
	for _, want := range []string{
		"Inserting runtime stubs",
		"Generating mem init",
		"Static memory size in pages",
		"Lowered module",
	} {
		if !messages[want] {
			t.Errorf("expected log message %q", want)
		}
	}
}

func TestLowerSetsTarget(t *testing.T) {
	cfg, _ := testConfig()
	cfg.Target = "x86_64-unknown-linux-gnu"
	cfg.Layout = "e-m:e-i64:64-n8:16:32:64-S128"
	out := mustLower(t, cfg, wasmbuild.New())

	if out.Module.TargetTriple != cfg.Target || out.Module.DataLayout != cfg.Layout {
		t.Errorf("expected target %q and layout %q, got %q and %q",
			cfg.Target, cfg.Layout, out.Module.TargetTriple, out.Module.DataLayout)
	}
}

func TestWithConfigFillsDefaults(t *testing.T) {
	c := NewCompiler().WithConfig(Config{InlineConstantGlobals: true})

	cfg := c.Config()
	if cfg.MaxTableSize != DefaultMaxTableSize {
		t.Errorf("expected max table size %d, got %d", DefaultMaxTableSize, cfg.MaxTableSize)
	}
	if cfg.Logger == nil || cfg.Stubs == nil || cfg.Functions == nil {
		t.Errorf("expected defaults to be filled in, got %+v", cfg)
	}
	if !cfg.InlineConstantGlobals {
		t.Errorf("expected explicit settings to be kept")
	}
}
