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
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
)

// TrapCode is the argument generated code passes to the trap stub.
type TrapCode int32

const (
	TrapUnreachable TrapCode = iota + 1
	TrapIntegerDivideByZero
	TrapIntegerOverflow
	TrapInvalidConversion
	TrapIndirectCallToNull
	TrapTableOutOfBounds
	TrapSignatureMismatch
	TrapMemoryOutOfBounds
)

func (c TrapCode) String() string {
	switch c {
	case TrapUnreachable:
		return "unreachable"
	case TrapIntegerDivideByZero:
		return "integer divide by zero"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapInvalidConversion:
		return "invalid conversion to integer"
	case TrapIndirectCallToNull:
		return "indirect call to null"
	case TrapTableOutOfBounds:
		return "undefined element"
	case TrapSignatureMismatch:
		return "indirect call type mismatch"
	case TrapMemoryOutOfBounds:
		return "out of bounds memory access"
	default:
		return fmt.Sprintf("trap(%d)", int32(c))
	}
}

// TrapSymbol is the host function generated code calls on a trap. It must
// not return.
const TrapSymbol = "upsilon_trap"

// RuntimeStubs are the functions registered before any WebAssembly entity.
type RuntimeStubs struct {
	Trap       *ir.Func
	intrinsics map[string]*ir.Func
}

// Intrinsic returns a registered intrinsic such as "llvm.ctlz.i32".
func (s *RuntimeStubs) Intrinsic(name string) (*ir.Func, error) {
	fn, ok := s.intrinsics[name]
	if !ok {
		return nil, errors.Errorf("intrinsic %s is not registered", name)
	}
	return fn, nil
}

// StubRegistrar declares the runtime support functions in a module.
type StubRegistrar interface {
	RegisterStubs(cfg Config, m *ir.Module) (*RuntimeStubs, error)
}

// DefaultStubRegistrar declares the trap stub and the intrinsics the default
// function compiler uses.
type DefaultStubRegistrar struct{}

var (
	bitIntrinsics   = []string{"ctlz", "cttz", "ctpop", "fshl", "fshr"}
	floatIntrinsics = []string{
		"fabs", "ceil", "floor", "trunc", "nearbyint", "sqrt",
		"minimum", "maximum", "copysign",
	}
)

func (DefaultStubRegistrar) RegisterStubs(cfg Config, m *ir.Module) (*RuntimeStubs, error) {
	cfg.Logger.WithField("subsys", "stubs").Info("Inserting runtime stubs")

	trap := m.NewFunc(TrapSymbol, types.Void, ir.NewParam("code", types.I32))
	trap.FuncAttrs = append(trap.FuncAttrs, enum.FuncAttrNoReturn, enum.FuncAttrCold)

	stubs := &RuntimeStubs{Trap: trap, intrinsics: make(map[string]*ir.Func)}
	declare := func(name string, ret types.Type, params ...types.Type) {
		ps := make([]*ir.Param, len(params))
		for i, p := range params {
			ps[i] = ir.NewParam("", p)
		}
		stubs.intrinsics[name] = m.NewFunc(name, ret, ps...)
	}

	for _, t := range []*types.IntType{types.I32, types.I64} {
		suffix := intSuffix(t)
		for _, name := range bitIntrinsics {
			switch name {
			case "ctlz", "cttz":
				declare("llvm."+name+suffix, t, t, types.I1)
			case "ctpop":
				declare("llvm."+name+suffix, t, t)
			default:
				declare("llvm."+name+suffix, t, t, t, t)
			}
		}
	}
	for _, t := range []*types.FloatType{types.Float, types.Double} {
		suffix := floatSuffix(t)
		for _, name := range floatIntrinsics {
			switch name {
			case "minimum", "maximum", "copysign":
				declare("llvm."+name+suffix, t, t, t)
			default:
				declare("llvm."+name+suffix, t, t)
			}
		}
	}
	for _, to := range []*types.IntType{types.I32, types.I64} {
		for _, from := range []*types.FloatType{types.Float, types.Double} {
			for _, op := range []string{"fptosi", "fptoui"} {
				declare(fmt.Sprintf("llvm.%s.sat%s%s", op, intSuffix(to), floatSuffix(from)), to, from)
			}
		}
	}
	declare("llvm.memset.p0i8.i64", types.Void, types.I8Ptr, types.I8, types.I64, types.I1)
	declare("llvm.memmove.p0i8.p0i8.i64", types.Void, types.I8Ptr, types.I8Ptr, types.I64, types.I1)
	return stubs, nil
}

func intSuffix(t *types.IntType) string {
	return fmt.Sprintf(".i%d", t.BitSize)
}

func floatSuffix(t *types.FloatType) string {
	if t.Kind == types.FloatKindDouble {
		return ".f64"
	}
	return ".f32"
}
