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
	"github.com/llir/llvm/ir/enum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	importModuleAttr = "wasm-import-module"
	importNameAttr   = "wasm-import-name"
)

// PrototypedFunction pairs a declaration with its IR function.
type PrototypedFunction struct {
	Native *ir.Func
	Decl   FunctionDecl
}

// ModuleContext is everything a function compiler may reference. It is
// complete before the first body is compiled and is not modified afterwards;
// compilers only add instructions to the functions it lists.
type ModuleContext struct {
	Config    Config
	Module    *ir.Module
	Types     []FunctionType
	Stubs     *RuntimeStubs
	Globals   []GlobalValue
	Functions []PrototypedFunction
	// Memory and Table are nil when the module has none.
	Memory *MemoryImage
	Table  *Table
}

// FunctionCompiler lowers the body of an implemented function into its
// prototype.
type FunctionCompiler interface {
	CompileFunction(ctx *ModuleContext, fn *ImplementedFunction) error
}

// Compiler lowers WebAssembly modules to IR. A Compiler holds no state
// between calls to Lower.
type Compiler struct {
	config Config
}

func NewCompiler() *Compiler {
	return &Compiler{config: DefaultConfig()}
}

// WithConfig replaces the configuration. Zero fields take their defaults.
func (c *Compiler) WithConfig(config Config) *Compiler {
	c.config = config.withDefaults()
	return c
}

// Config returns the effective configuration.
func (c *Compiler) Config() Config {
	return c.config
}

// Output is a lowered module.
type Output struct {
	Module  *ir.Module
	Context *ModuleContext

	source *Module
	decls  *declarations
}

// lowering is the state of one call to Lower.
type lowering struct {
	cfg     Config
	log     logrus.FieldLogger
	source  *Module
	module  *ir.Module
	symbols *symbolTable
	decls   *declarations
	stubs   *RuntimeStubs
	globals []GlobalValue
	ctx     *ModuleContext
}

// Lower compiles m. Any failure aborts the whole compilation and no output
// is returned.
func (c *Compiler) Lower(m *Module) (*Output, error) {
	l := &lowering{
		cfg:    c.config,
		log:    c.config.Logger.WithField("module", m.Name),
		source: m,
		module: ir.NewModule(),
	}

	stages := []func() error{
		l.initModule,
		l.registerStubs,
		l.resolveGlobals,
		l.prototypeFunctions,
		l.buildMemory,
		l.buildTable,
		l.compileFunctions,
	}
	for _, stage := range stages {
		if err := stage(); err != nil {
			return nil, err
		}
	}
	return &Output{Module: l.module, Context: l.ctx, source: m, decls: l.decls}, nil
}

func (l *lowering) initModule() error {
	l.module.SourceFilename = l.source.Name
	l.module.TargetTriple = l.cfg.Target
	l.module.DataLayout = l.cfg.Layout
	return nil
}

func (l *lowering) registerStubs() error {
	stubs, err := l.cfg.Stubs.RegisterStubs(l.cfg, l.module)
	if err != nil {
		return errors.WithMessage(err, "registering runtime stubs")
	}
	l.stubs = stubs

	// Stub names are taken before any WebAssembly entity is named.
	l.symbols = newSymbolTable(reservedSymbols...)
	for _, fn := range l.module.Funcs {
		l.symbols.unique(fn.Name())
	}
	for _, g := range l.module.Globals {
		l.symbols.unique(g.Name())
	}
	return nil
}

func (l *lowering) resolveGlobals() error {
	decls, err := declare(l.source, l.symbols)
	if err != nil {
		return err
	}
	l.decls = decls
	l.globals, err = resolveGlobals(l.cfg, l.module, decls.globals)
	return err
}

// prototypeFunctions registers every function, imported or implemented, so
// that bodies may reference any function regardless of declaration order.
func (l *lowering) prototypeFunctions() error {
	exported := make(map[uint32]bool)
	for _, exp := range l.source.Exports {
		if exp.IndexType == FunctionIndexType {
			exported[exp.Index] = true
		}
	}
	if l.source.StartIndex != nil {
		exported[*l.source.StartIndex] = true
	}

	functions := make([]PrototypedFunction, len(l.decls.functions))
	for i, decl := range l.decls.functions {
		sig, err := nativeFuncType(decl.Signature())
		if err != nil {
			return errors.Wrapf(err, "function %d (%s)", i, decl.Symbol())
		}
		params := make([]*ir.Param, len(sig.Params))
		for j, t := range sig.Params {
			params[j] = ir.NewParam("", t)
		}
		fn := l.module.NewFunc(decl.Symbol(), sig.RetType, params...)

		switch decl := decl.(type) {
		case *ImportedFunction:
			fn.Linkage = enum.LinkageExternal
			fn.FuncAttrs = append(fn.FuncAttrs,
				ir.AttrPair{Key: importModuleAttr, Value: decl.Module},
				ir.AttrPair{Key: importNameAttr, Value: decl.Name},
			)
		case *ImplementedFunction:
			if !exported[decl.Index] {
				fn.Linkage = enum.LinkageInternal
			}
		}
		functions[i] = PrototypedFunction{Native: fn, Decl: decl}
	}

	l.ctx = &ModuleContext{
		Config:    l.cfg,
		Module:    l.module,
		Types:     l.source.Types,
		Stubs:     l.stubs,
		Globals:   l.globals,
		Functions: functions,
	}
	l.log.WithField("functions", len(functions)).Debug("Prototyped functions")
	return nil
}

func (l *lowering) buildMemory() error {
	if l.decls.memory == nil {
		return nil
	}
	image, err := buildMemoryImage(l.cfg, l.module, *l.decls.memory, l.source.DataSegments)
	if err != nil {
		return err
	}
	l.ctx.Memory = image
	return nil
}

func (l *lowering) buildTable() error {
	if l.decls.table == nil {
		return nil
	}
	table, err := buildTable(l.ctx, *l.decls.table, l.source.ElementSegments)
	if err != nil {
		return err
	}
	l.ctx.Table = table
	return nil
}

func (l *lowering) compileFunctions() error {
	for _, fn := range l.ctx.Functions {
		decl, ok := fn.Decl.(*ImplementedFunction)
		if !ok {
			continue
		}
		if err := l.cfg.Functions.CompileFunction(l.ctx, decl); err != nil {
			return errors.Wrapf(err, "function %d (%s)", decl.Index, decl.Symbol())
		}
	}
	l.log.Info("Lowered module")
	return nil
}
