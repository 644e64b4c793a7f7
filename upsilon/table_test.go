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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir/constant"
	"github.com/pkg/errors"
	"github.com/ziggy42/upsilon/internal/wasmbuild"
)

func TestTablePlacesFunctionReferences(t *testing.T) {
	b := wasmbuild.New()
	for range 4 {
		b.Func(nil, nil, nil)
	}
	b.Table(10, nil)
	b.Elements(wasmbuild.I32Const(5), 3)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	table := out.Context.Table
	if table.Size != 10 {
		t.Fatalf("expected 10 slots, got %d", table.Size)
	}
	for i := range table.Size {
		ref, ok := table.Entry(i)
		if i == 5 {
			if !ok || ref != 3 {
				t.Errorf("expected slot 5 to hold function 3, got %d", ref)
			}
		} else if ok {
			t.Errorf("expected slot %d to be null, got %d", i, ref)
		}
	}

	slots := table.Global.Init.(*constant.Array)
	cast, ok := slots.Elems[5].(*constant.ExprBitCast)
	if !ok || cast.From != out.Context.Functions[3].Native {
		t.Errorf("expected slot 5 to point to func_3, got %v", slots.Elems[5])
	}
	if _, ok := slots.Elems[0].(*constant.Null); !ok {
		t.Errorf("expected slot 0 to be null, got %v", slots.Elems[0])
	}
	if table.Global.Name() != tableSymbol {
		t.Errorf("expected table to be named %s, got %s", tableSymbol, table.Global.Name())
	}
}

func TestTableTypeIDs(t *testing.T) {
	b := wasmbuild.New()
	b.Func(nil, nil, nil)
	b.Func([]byte{wasmbuild.I32}, []byte{wasmbuild.I32}, nil, byte(LocalGet), 0)
	b.Table(3, nil)
	b.Elements(wasmbuild.I32Const(0), 1, 0)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	var ids []int64
	for _, elem := range out.Context.Table.TypesGlobal.Init.(*constant.Array).Elems {
		ids = append(ids, elem.(*constant.Int).X.Int64())
	}
	if diff := cmp.Diff([]int64{1, 0, NullReference}, ids); diff != "" {
		t.Errorf("unexpected type ids (-want +got):\n%s", diff)
	}
}

func TestSignatureIDsShareStructurallyEqualTypes(t *testing.T) {
	ids := signatureIDs([]FunctionType{
		{ParamTypes: []ValueType{I32}},
		{ResultTypes: []ValueType{I64}},
		{ParamTypes: []ValueType{I32}},
	})
	if diff := cmp.Diff([]int32{0, 1, 0}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestTableRejectsOversizedLimits(t *testing.T) {
	limit := uint64(2000)
	tests := []struct {
		name   string
		limits Limits
	}{
		{name: "minimum", limits: Limits{Min: 2000}},
		{name: "maximum", limits: Limits{Min: 1, Max: &limit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig()
			ctx := &ModuleContext{Config: cfg}
			_, err := buildTable(ctx, TableType{ReferenceType: FuncRefType, Limits: tt.limits}, nil)
			if !errors.Is(err, ErrCapacity) {
				t.Fatalf("expected a capacity error, got %v", err)
			}
		})
	}
}

func TestTableRespectsConfiguredMaximum(t *testing.T) {
	b := wasmbuild.New()
	b.Table(10, nil)

	cfg, _ := testConfig()
	cfg.MaxTableSize = 8
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected a capacity error, got %v", err)
	}
}

func TestTableRejectsSegmentPastEnd(t *testing.T) {
	b := wasmbuild.New()
	b.Func(nil, nil, nil)
	b.Table(2, nil)
	b.Elements(wasmbuild.I32Const(1), 0, 0)

	cfg, _ := testConfig()
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected a capacity error, got %v", err)
	}
}

func TestTableRejectsUnknownFunction(t *testing.T) {
	b := wasmbuild.New()
	b.Func(nil, nil, nil)
	b.Table(2, nil)
	b.Elements(wasmbuild.I32Const(0), 7)

	cfg, _ := testConfig()
	_, err := lowerModule(cfg, b)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestTableElementExpressions(t *testing.T) {
	refs, err := segmentReferences(ElementSegment{
		FuncIndexesExpressions: [][]byte{
			{byte(RefFunc), 2},
			{byte(RefNull), byte(FuncRefType)},
		},
	})
	if err != nil {
		t.Fatalf("evaluating element expressions failed: %v", err)
	}
	if diff := cmp.Diff([]int32{2, NullReference}, refs); diff != "" {
		t.Errorf("unexpected references (-want +got):\n%s", diff)
	}

	_, err = segmentReferences(ElementSegment{
		FuncIndexesExpressions: [][]byte{wasmbuild.I32Const(1)},
	})
	if !errors.Is(err, ErrFormat) {
		t.Errorf("expected a format error, got %v", err)
	}
}
