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
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GlobalValue is the lowered form of a WebAssembly global. It is either an
// *InlinedConstant or a *NativeGlobal; both are used through Load and Store.
type GlobalValue interface {
	// Type is the IR type of the value.
	Type() types.Type
	// Load produces the current value in block b.
	Load(b *ir.Block) value.Value
	// Store writes v in block b.
	Store(b *ir.Block, v value.Value) error

	isGlobalValue()
}

// InlinedConstant is an immutable global replaced by its value at every use.
type InlinedConstant struct {
	Value constant.Constant
}

func (c *InlinedConstant) isGlobalValue()             {}
func (c *InlinedConstant) Type() types.Type           { return c.Value.Type() }
func (c *InlinedConstant) Load(*ir.Block) value.Value { return c.Value }

func (c *InlinedConstant) Store(*ir.Block, value.Value) error {
	return errors.WithStack(ErrStoreToInlinedConstant)
}

// NativeGlobal is a global backed by storage in the generated module.
type NativeGlobal struct {
	Global   *ir.Global
	Constant bool
}

func (g *NativeGlobal) isGlobalValue()   {}
func (g *NativeGlobal) Type() types.Type { return g.Global.ContentType }

func (g *NativeGlobal) Load(b *ir.Block) value.Value {
	return b.NewLoad(g.Global.ContentType, g.Global)
}

func (g *NativeGlobal) Store(b *ir.Block, v value.Value) error {
	if g.Constant {
		return errors.Wrapf(ErrStoreToConstantGlobal, "@%s", g.Global.Name())
	}
	if !types.Equal(v.Type(), g.Global.ContentType) {
		return formatErrorf(
			"storing %v into @%s of type %v", v.Type(), g.Global.Name(), g.Global.ContentType,
		)
	}
	b.NewStore(v, g.Global)
	return nil
}

// resolveGlobals lowers every global declaration, index for index.
func resolveGlobals(
	cfg Config,
	m *ir.Module,
	decls []GlobalDecl,
) ([]GlobalValue, error) {
	values := make([]GlobalValue, len(decls))
	for i, decl := range decls {
		v, err := resolveGlobal(cfg, m, decl)
		if err != nil {
			return nil, errors.Wrapf(err, "global %d (%s)", i, decl.Symbol())
		}
		values[i] = v
	}
	return values, nil
}

func resolveGlobal(cfg Config, m *ir.Module, decl GlobalDecl) (GlobalValue, error) {
	typ, err := nativeType(decl.ValueType())
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.WithFields(logrus.Fields{
		"global": decl.globalIndex(),
		"symbol": decl.Symbol(),
	})

	switch decl := decl.(type) {
	case *ImportedGlobal:
		g := m.NewGlobal(decl.Symbol(), typ)
		g.Linkage = enum.LinkageExternal
		g.Immutable = !decl.Mutable
		log.Debug("Declaring imported global")
		return &NativeGlobal{Global: g, Constant: !decl.Mutable}, nil

	case *ModuleGlobal:
		inst, err := evalConstExpr(decl.Initializer)
		if err != nil {
			return nil, err
		}
		if inst.value == nil {
			return nil, formatErrorf("non-simple initializer %v", inst.opcode)
		}
		produced, err := wasmType(inst.value.Type())
		if err != nil {
			return nil, err
		}
		if produced != decl.Type {
			return nil, formatErrorf(
				"initializer produces %v, global is declared %v", produced, decl.Type,
			)
		}
		if cfg.InlineConstantGlobals && !decl.Mutable {
			log.Debug("Inlining constant global")
			return &InlinedConstant{Value: inst.value}, nil
		}
		g := m.NewGlobalDef(decl.Symbol(), inst.value)
		g.Immutable = !decl.Mutable
		log.Debug("Defining global")
		return &NativeGlobal{Global: g, Constant: !decl.Mutable}, nil
	}
	return nil, errors.Errorf("unknown global declaration %T", decl)
}
