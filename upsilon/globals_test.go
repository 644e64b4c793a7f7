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
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
	"github.com/ziggy42/upsilon/internal/wasmbuild"
)

func TestResolveGlobalsByKind(t *testing.T) {
	cfg, _ := testConfig()
	cfg.InlineConstantGlobals = true
	m := ir.NewModule()
	values, err := resolveGlobals(cfg, m, []GlobalDecl{
		&ImportedGlobal{Index: 0, Module: "env", Name: "base", Type: I32, symbol: "base"},
		&ModuleGlobal{
			Index: 1, GeneratedName: "global_1", Type: I64, Mutable: true,
			Initializer: wasmbuild.I64Const(-5),
		},
		&ModuleGlobal{
			Index: 2, GeneratedName: "global_2", Type: F64,
			Initializer: wasmbuild.F64Const(1.5),
		},
	})
	if err != nil {
		t.Fatalf("resolving globals failed: %v", err)
	}

	imported, ok := values[0].(*NativeGlobal)
	if !ok {
		t.Fatalf("expected imported global to be native, got %T", values[0])
	}
	if imported.Global.Linkage != enum.LinkageExternal || imported.Global.Init != nil {
		t.Errorf("expected an external declaration, got %v", imported.Global)
	}
	if !imported.Constant {
		t.Errorf("expected immutable import to be constant")
	}

	mutable, ok := values[1].(*NativeGlobal)
	if !ok {
		t.Fatalf("expected mutable global to be native, got %T", values[1])
	}
	if v := mutable.Global.Init.(*constant.Int).X.Int64(); v != -5 {
		t.Errorf("expected initial value -5, got %d", v)
	}

	inlined, ok := values[2].(*InlinedConstant)
	if !ok {
		t.Fatalf("expected immutable global to be inlined, got %T", values[2])
	}
	if f := inlined.Value.(*constant.Float); !types.Equal(f.Typ, types.Double) {
		t.Errorf("expected a double, got %v", f.Typ)
	}
	if len(m.Globals) != 2 {
		t.Errorf("expected 2 globals in the module, got %d", len(m.Globals))
	}
}

func TestResolveGlobalsRejectsTypeMismatch(t *testing.T) {
	cfg, _ := testConfig()
	_, err := resolveGlobals(cfg, ir.NewModule(), []GlobalDecl{
		&ModuleGlobal{GeneratedName: "global_0", Type: I32, Initializer: wasmbuild.I64Const(1)},
	})
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestResolveGlobalsRejectsNonSimpleInitializers(t *testing.T) {
	tests := []struct {
		name string
		init []byte
	}{
		{name: "global.get", init: wasmbuild.GlobalGet(0)},
		{name: "ref.func", init: []byte{byte(RefFunc), 0}},
		{
			name: "extended constant",
			init: wasmbuild.Concat(wasmbuild.I32Const(1), wasmbuild.I32Const(2), []byte{byte(I32Add)}),
		},
		{name: "empty", init: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig()
			_, err := resolveGlobals(cfg, ir.NewModule(), []GlobalDecl{
				&ModuleGlobal{GeneratedName: "global_0", Type: I32, Initializer: tt.init},
			})
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("expected a format error, got %v", err)
			}
		})
	}
}

func TestResolveGlobalsRejectsVectorGlobals(t *testing.T) {
	cfg, _ := testConfig()
	_, err := resolveGlobals(cfg, ir.NewModule(), []GlobalDecl{
		&ImportedGlobal{Name: "v", Type: V128, symbol: "v"},
	})
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestResolveGlobalsKeepsNaNPayload(t *testing.T) {
	cfg, _ := testConfig()
	bits := uint32(0x7fc00001)
	expr := wasmbuild.F32Const(math.Float32frombits(bits))
	values, err := resolveGlobals(cfg, ir.NewModule(), []GlobalDecl{
		&ModuleGlobal{GeneratedName: "nan", Type: F32, Mutable: true, Initializer: expr},
	})
	if err != nil {
		t.Fatalf("resolving globals failed: %v", err)
	}
	cast, ok := values[0].(*NativeGlobal).Global.Init.(*constant.ExprBitCast)
	if !ok {
		t.Fatalf("expected a bitcast initializer, got %v", values[0].(*NativeGlobal).Global.Init)
	}
	if got := uint32(cast.From.(*constant.Int).X.Int64()); got != bits {
		t.Errorf("expected payload 0x%x, got 0x%x", bits, got)
	}
}

func TestInlinedConstantRejectsStores(t *testing.T) {
	c := &InlinedConstant{Value: constant.NewInt(types.I32, 7)}
	err := c.Store(nil, constant.NewInt(types.I32, 1))
	if !errors.Is(err, ErrStoreToInlinedConstant) {
		t.Errorf("expected ErrStoreToInlinedConstant, got %v", err)
	}
	if !errors.Is(err, ErrFormat) {
		t.Errorf("expected the error to be a format error, got %v", err)
	}
}

func TestNativeGlobalStores(t *testing.T) {
	m := ir.NewModule()
	fn := m.NewFunc("f", types.Void)
	b := fn.NewBlock("")

	constGlobal := &NativeGlobal{
		Global:   m.NewGlobalDef("c", constant.NewInt(types.I32, 1)),
		Constant: true,
	}
	if err := constGlobal.Store(b, constant.NewInt(types.I32, 2)); !errors.Is(err, ErrStoreToConstantGlobal) {
		t.Errorf("expected ErrStoreToConstantGlobal, got %v", err)
	}

	mutable := &NativeGlobal{Global: m.NewGlobalDef("v", constant.NewInt(types.I32, 1))}
	if err := mutable.Store(b, constant.NewInt(types.I64, 2)); !errors.Is(err, ErrFormat) {
		t.Errorf("expected a format error for a mistyped store, got %v", err)
	}
	if err := mutable.Store(b, constant.NewInt(types.I32, 2)); err != nil {
		t.Fatalf("storing failed: %v", err)
	}
	if len(b.Insts) != 1 {
		t.Fatalf("expected a single store, got %d instructions", len(b.Insts))
	}
	if _, ok := b.Insts[0].(*ir.InstStore); !ok {
		t.Errorf("expected a store, got %T", b.Insts[0])
	}
	if load, ok := mutable.Load(b).(*ir.InstLoad); !ok || load.Src != mutable.Global {
		t.Errorf("expected a load from @v")
	}
}

func TestGlobalSetOnInlinedConstantFails(t *testing.T) {
	b := wasmbuild.New()
	g := b.Global(wasmbuild.I32, false, wasmbuild.I32Const(7))
	b.Func(nil, nil, nil, wasmbuild.Concat(
		wasmbuild.I32Const(1),
		[]byte{byte(GlobalSet), byte(g)},
	)...)

	cfg, _ := testConfig()
	cfg.InlineConstantGlobals = true
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrStoreToInlinedConstant) {
		t.Fatalf("expected ErrStoreToInlinedConstant, got %v", err)
	}
}

func TestLowerImportedGlobal(t *testing.T) {
	b := wasmbuild.New()
	b.ImportGlobal("env", "stack_pointer", wasmbuild.I32, true)
	b.Global(wasmbuild.I32, false, wasmbuild.I32Const(3))

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	sp := findGlobal(out, "stack_pointer")
	if sp == nil {
		t.Fatalf("expected @stack_pointer")
	}
	if sp.Linkage != enum.LinkageExternal || sp.Immutable {
		t.Errorf("expected a mutable external global, got %v", sp)
	}
	if findGlobal(out, "global_1") == nil {
		t.Errorf("expected the module global to follow the import in the index space")
	}
}
