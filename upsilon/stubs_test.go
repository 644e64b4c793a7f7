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
	"slices"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

func TestDefaultStubRegistrar(t *testing.T) {
	cfg, _ := testConfig()
	m := ir.NewModule()
	stubs, err := DefaultStubRegistrar{}.RegisterStubs(cfg, m)
	if err != nil {
		t.Fatalf("registering stubs failed: %v", err)
	}

	if stubs.Trap.Name() != TrapSymbol || m.Funcs[0] != stubs.Trap {
		t.Errorf("expected the trap stub to be declared first, got @%s", m.Funcs[0].Name())
	}
	if !slices.Contains(stubs.Trap.FuncAttrs, ir.FuncAttribute(enum.FuncAttrNoReturn)) {
		t.Errorf("expected the trap stub to be noreturn")
	}

	for _, name := range []string{
		"llvm.ctlz.i32", "llvm.cttz.i64", "llvm.ctpop.i64", "llvm.fshr.i32",
		"llvm.sqrt.f32", "llvm.copysign.f64", "llvm.fptoui.sat.i64.f32",
		"llvm.memset.p0i8.i64",
	} {
		fn, err := stubs.Intrinsic(name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(fn.Blocks) != 0 {
			t.Errorf("expected %s to be a declaration", name)
		}
	}
	if _, err := stubs.Intrinsic("llvm.bogus"); err == nil {
		t.Errorf("expected an error for an unregistered intrinsic")
	}

	ctlz, _ := stubs.Intrinsic("llvm.ctlz.i64")
	if !types.Equal(ctlz.Sig.RetType, types.I64) || len(ctlz.Params) != 2 {
		t.Errorf("unexpected signature for llvm.ctlz.i64: %v", ctlz.Sig)
	}
}

func TestTrapCodeString(t *testing.T) {
	if got := TrapIntegerDivideByZero.String(); got != "integer divide by zero" {
		t.Errorf("unexpected name %q", got)
	}
	if got := TrapCode(99).String(); got != "trap(99)" {
		t.Errorf("unexpected name %q", got)
	}
}

func TestSymbolTable(t *testing.T) {
	s := newSymbolTable(memorySymbol)
	got := []string{
		s.unique("f"),
		s.unique("f"),
		s.unique("f"),
		s.unique(memorySymbol),
		s.unique("f.1"),
	}
	want := []string{"f", "f.1", "f.2", memorySymbol + ".1", "f.1.1"}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
