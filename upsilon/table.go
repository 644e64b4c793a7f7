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
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NullReference marks an empty table slot.
const NullReference = -1

// Table is the statically initialized indirect-call table. Slot i holds
// Entries[i], a function index or NullReference.
type Table struct {
	Global *ir.Global
	// TypesGlobal holds the canonical signature id of every slot, or -1.
	TypesGlobal *ir.Global
	Size        uint32
	Entries     []int32
	// SignatureIDs maps a type index to the id stored in TypesGlobal.
	SignatureIDs []int32
}

// Entry returns the function index at slot i.
func (t *Table) Entry(i uint32) (int32, bool) {
	if i >= t.Size || t.Entries[i] == NullReference {
		return NullReference, false
	}
	return t.Entries[i], true
}

// signatureIDs maps every type index to the lowest type index with the same
// signature, so that structurally equal types compare equal at run time.
func signatureIDs(typeList []FunctionType) []int32 {
	ids := make([]int32, len(typeList))
	for i := range typeList {
		ids[i] = int32(i)
		for j := range i {
			if typeList[i].Equal(&typeList[j]) {
				ids[i] = ids[j]
				break
			}
		}
	}
	return ids
}

// buildTable applies the active element segments of table 0 and
// materializes the result as an array of function pointers. Slots no segment
// touches are null.
func buildTable(ctx *ModuleContext, table TableType, segments []ElementSegment) (*Table, error) {
	cfg := ctx.Config
	log := cfg.Logger.WithField("subsys", "table")
	log.Info("Generating table init")

	if table.Limits.Min > uint64(cfg.MaxTableSize) {
		return nil, capacityErrorf(
			"table minimum %d exceeds maximum supported size %d",
			table.Limits.Min, cfg.MaxTableSize,
		)
	}
	if table.Limits.Max != nil && *table.Limits.Max > uint64(cfg.MaxTableSize) {
		return nil, capacityErrorf(
			"table maximum %d exceeds maximum supported size %d",
			*table.Limits.Max, cfg.MaxTableSize,
		)
	}

	size := uint32(table.Limits.Min)
	entries := make([]int32, size)
	for i := range entries {
		entries[i] = NullReference
	}

	for i, segment := range segments {
		if segment.Mode != ActiveElementMode {
			log.WithField("segment", i).Debug("Skipping non-active element segment")
			continue
		}
		if segment.TableIndex != 0 {
			return nil, capacityErrorf(
				"element segment %d targets table %d", i, segment.TableIndex,
			)
		}
		offset, err := evalOffset(segment.OffsetExpression)
		if err != nil {
			return nil, errors.Wrapf(err, "element segment %d", i)
		}
		refs, err := segmentReferences(segment)
		if err != nil {
			return nil, errors.Wrapf(err, "element segment %d", i)
		}
		for j, ref := range refs {
			slot := uint64(offset) + uint64(j)
			if slot >= uint64(size) {
				return nil, capacityErrorf(
					"element segment %d writes slot %d of a table of size %d", i, slot, size,
				)
			}
			if ref != NullReference && (ref < 0 || int(ref) >= len(ctx.Functions)) {
				return nil, formatErrorf(
					"element segment %d references unknown function %d", i, ref,
				)
			}
			entries[slot] = ref
		}
		log.WithFields(logrus.Fields{
			"segment": i,
			"offset":  offset,
			"length":  len(refs),
		}).Debug("Applied element segment")
	}

	ids := signatureIDs(ctx.Types)
	slotType := types.I8Ptr
	pointers := make([]constant.Constant, size)
	typeIDs := make([]constant.Constant, size)
	for i, ref := range entries {
		if ref == NullReference {
			pointers[i] = constant.NewNull(slotType)
			typeIDs[i] = constant.NewInt(types.I32, NullReference)
			continue
		}
		fn := ctx.Functions[ref]
		pointers[i] = constant.NewBitCast(fn.Native, slotType)
		typeIDs[i] = constant.NewInt(types.I32, int64(ids[fn.Decl.SignatureIndex()]))
	}

	g := ctx.Module.NewGlobalDef(
		tableSymbol, constant.NewArray(types.NewArray(uint64(size), slotType), pointers...),
	)
	g.Immutable = true
	tg := ctx.Module.NewGlobalDef(
		tableTypesSymbol, constant.NewArray(types.NewArray(uint64(size), types.I32), typeIDs...),
	)
	tg.Immutable = true
	log.WithField("size", size).Info("Table size in slots")
	return &Table{
		Global:       g,
		TypesGlobal:  tg,
		Size:         size,
		Entries:      entries,
		SignatureIDs: ids,
	}, nil
}

// segmentReferences returns the function index of every element, using
// NullReference for ref.null.
func segmentReferences(segment ElementSegment) ([]int32, error) {
	if len(segment.FuncIndexesExpressions) == 0 {
		return segment.FuncIndexes, nil
	}
	refs := make([]int32, len(segment.FuncIndexesExpressions))
	for i, expr := range segment.FuncIndexesExpressions {
		inst, err := evalConstExpr(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		switch inst.opcode {
		case RefFunc:
			refs[i] = int32(inst.index)
		case RefNull:
			refs[i] = NullReference
		default:
			return nil, formatErrorf("element %d: unexpected %v", i, inst.opcode)
		}
	}
	return refs, nil
}
