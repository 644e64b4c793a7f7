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

const pageSize = 65536

// MemoryImage is the statically initialized linear memory.
type MemoryImage struct {
	Global *ir.Global
	Bytes  []byte
	Pages  uint32
	// Limits are the declared limits, which may differ from Pages.
	Limits Limits
}

// Size is the image size in bytes.
func (m *MemoryImage) Size() uint64 {
	return uint64(m.Pages) * pageSize
}

type placedSegment struct {
	index   int
	offset  uint64
	content []byte
}

// buildMemoryImage applies the active data segments in order onto a zeroed
// buffer, so that later segments win where they overlap, and materializes the
// result as a single mutable global. Every segment must fit in the declared
// minimum size.
func buildMemoryImage(
	cfg Config,
	m *ir.Module,
	mem MemoryType,
	segments []DataSegment,
) (*MemoryImage, error) {
	log := cfg.Logger.WithField("subsys", "memory")
	log.Info("Generating mem init")

	declared := mem.Limits.Min * pageSize
	var placed []placedSegment
	var totalWritten, reach uint64
	for i, segment := range segments {
		if segment.Mode != ActiveDataMode {
			log.WithField("segment", i).Debug("Skipping passive data segment")
			continue
		}
		if segment.MemoryIndex != 0 {
			return nil, capacityErrorf(
				"data segment %d targets memory %d", i, segment.MemoryIndex,
			)
		}
		offset, err := evalOffset(segment.OffsetExpression)
		if err != nil {
			return nil, errors.Wrapf(err, "data segment %d", i)
		}
		p := placedSegment{index: i, offset: uint64(offset), content: segment.Content}
		if end := p.offset + uint64(len(p.content)); end > declared {
			return nil, capacityErrorf(
				"data segment %d ends at byte %d, past the %d declared pages",
				i, end, mem.Limits.Min,
			)
		}
		placed = append(placed, p)
		totalWritten += uint64(len(p.content))
		reach = max(reach, p.offset+uint64(len(p.content)))
	}

	// Size the image by whichever is larger: the bytes written or the highest
	// byte touched. It always has at least one page.
	extent := max(totalWritten, reach)
	pages := max((extent+pageSize-1)/pageSize, 1)
	buf := make([]byte, pages*pageSize)
	for _, p := range placed {
		copy(buf[p.offset:], p.content)
		log.WithFields(logrus.Fields{
			"segment": p.index,
			"offset":  p.offset,
			"length":  len(p.content),
		}).Debug("Applied data segment")
	}

	g := m.NewGlobalDef(memorySymbol, constant.NewCharArray(buf))
	log.WithField("pages", pages).Info("Static memory size in pages")

	image := &MemoryImage{Global: g, Bytes: buf, Pages: uint32(pages), Limits: mem.Limits}
	if cfg.EmitMemoryLimits {
		addMemoryLimitGlobals(m, mem.Limits)
	}
	return image, nil
}

// addMemoryLimitGlobals exposes the declared limits to the host. A missing
// maximum is reported as zero.
func addMemoryLimitGlobals(m *ir.Module, limits Limits) {
	starting := m.NewGlobalDef(
		startingPagesSymbol, constant.NewInt(types.I32, int64(uint32(limits.Min))),
	)
	starting.Immutable = true
	var maxPages int64
	if limits.Max != nil {
		maxPages = int64(uint32(*limits.Max))
	}
	maximum := m.NewGlobalDef(maxPagesSymbol, constant.NewInt(types.I32, maxPages))
	maximum.Immutable = true
}
