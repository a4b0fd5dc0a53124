// Copyright 2023 Helios Data
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package groupby

import (
	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/rowset"
)

// EmptyKey64 is the all-ones empty-key sentinel. No legitimate key may take
// this value; NULL grouping values are remapped to max+1 before hashing.
const EmptyKey64 = int64(-1)

// ColWidth is the logical and in-buffer width of one aggregate slot.
type ColWidth struct {
	Actual  uint8
	Compact uint8
}

// MemSharing selects per-thread versus block-shared group buffers.
type MemSharing uint8

const (
	SharingPrivate MemSharing = iota
	SharingShared
)

// QueryMemoryDescriptor is the algebraic model of the group hash table for
// one execution unit: addressing kind, layout widths, entry counts and the
// flags the code generator and execution context agree on. The layout
// methods below are the single source of truth for buffer offsets.
type QueryMemoryDescriptor struct {
	cfg config.Config

	HashKind GroupingKind

	Keyless                 bool
	InterleavedBinsOnDevice bool
	IdxTargetAsKey          int32
	InitVal                 int64

	GroupColWidths []uint8
	AggColWidths   []ColWidth

	EntryCount      uint64
	EntryCountSmall uint64

	MinVal   int64
	MaxVal   int64
	Bucket   int64
	HasNulls bool

	Sharing MemSharing

	CountDistinctDescs rowset.CountDistinctDescriptors

	AllowMultifrag bool
	SortOnDevice   bool
	IsSortPlan     bool
	OutputColumnar bool
	RenderOutput   bool
}

func alignTo8(v uint64) uint64 {
	return (v + 7) &^ 7
}

// GetColsSize is the packed byte size of the aggregate slots of one row.
// Every 8-byte slot is 8-aligned.
func (q *QueryMemoryDescriptor) GetColsSize() uint64 {
	var total uint64
	for _, w := range q.AggColWidths {
		if w.Compact == 8 {
			total = alignTo8(total)
		}
		total += uint64(w.Compact)
	}
	return total
}

// GetRowSize is the full row-major row size: keys (8 bytes each when keyed)
// plus the aggregate slots, padded to a multiple of 8.
func (q *QueryMemoryDescriptor) GetRowSize() uint64 {
	var total uint64
	if !q.Keyless {
		total = uint64(len(q.GroupColWidths)) * 8
	}
	total += q.GetColsSize()
	return alignTo8(total)
}

// GetRowSizeQuad is the row size in 8-byte quads.
func (q *QueryMemoryDescriptor) GetRowSizeQuad() int32 {
	return int32(q.GetRowSize() / 8)
}

// WarpCount is the interleaving factor of the keyless warp layout.
func (q *QueryMemoryDescriptor) WarpCount(kind device.Kind) uint64 {
	if q.InterleavedBins(kind) {
		return uint64(q.cfg.WarpSize)
	}
	return 1
}

// CompactByteWidth is the shared compact width of an isometric layout.
func (q *QueryMemoryDescriptor) CompactByteWidth() int {
	if len(q.AggColWidths) == 0 {
		return 8
	}
	return int(q.AggColWidths[0].Compact)
}

// IsCompactLayoutIsometric reports whether every slot shares one compact
// width; non-isometric columnar layouts pad columns to 8 bytes.
func (q *QueryMemoryDescriptor) IsCompactLayoutIsometric() bool {
	if len(q.AggColWidths) == 0 {
		return true
	}
	w := q.AggColWidths[0].Compact
	for _, cw := range q.AggColWidths {
		if cw.Compact != w {
			return false
		}
	}
	return true
}

// TotalBytesOfColumnarBuffers is the byte size of the per-target columns of
// a columnar layout.
func (q *QueryMemoryDescriptor) TotalBytesOfColumnarBuffers() uint64 {
	var total uint64
	isometric := q.IsCompactLayoutIsometric()
	for _, w := range q.AggColWidths {
		total += uint64(w.Compact) * q.EntryCount
		if !isometric {
			total = alignTo8(total)
		}
	}
	return total
}

// GetKeyOffInBytes is the byte offset of one key slot of a bin.
func (q *QueryMemoryDescriptor) GetKeyOffInBytes(bin, keyIdx uint64) uint64 {
	if q.OutputColumnar {
		return bin * 8
	}
	return bin*q.GetRowSize() + keyIdx*8
}

// GetColOnlyOffInBytes is the offset of a slot within the aggregate region
// of a row.
func (q *QueryMemoryDescriptor) GetColOnlyOffInBytes(colIdx int) uint64 {
	var off uint64
	for i := 0; i < colIdx; i++ {
		if q.AggColWidths[i].Compact == 8 {
			off = alignTo8(off)
		}
		off += uint64(q.AggColWidths[i].Compact)
	}
	if q.AggColWidths[colIdx].Compact == 8 {
		off = alignTo8(off)
	}
	return off
}

// GetColOffInBytes is the absolute offset of (bin, colIdx) from the buffer
// start, covering both layouts and warp interleaving.
func (q *QueryMemoryDescriptor) GetColOffInBytes(kind device.Kind, bin uint64, colIdx int) uint64 {
	warpCount := q.WarpCount(kind)
	if q.OutputColumnar {
		var off uint64
		isometric := q.IsCompactLayoutIsometric()
		if !q.Keyless {
			off = 8 * q.EntryCount
		}
		for i := 0; i < colIdx; i++ {
			off += uint64(q.AggColWidths[i].Compact) * q.EntryCount
			if !isometric {
				off = alignTo8(off)
			}
		}
		off += bin * uint64(q.AggColWidths[colIdx].Compact)
		return off
	}

	off := bin * warpCount * q.GetRowSize()
	if !q.Keyless {
		off += uint64(len(q.GroupColWidths)) * 8
	}
	off += q.GetColOnlyOffInBytes(colIdx)
	return off
}

// GetColOffInBytesInNextBin is the stride from a slot to the same slot of
// the next bin.
func (q *QueryMemoryDescriptor) GetColOffInBytesInNextBin(kind device.Kind, colIdx int) uint64 {
	if q.OutputColumnar {
		return uint64(q.AggColWidths[colIdx].Compact)
	}
	return q.WarpCount(kind) * q.GetRowSize()
}

// GetNextColOffInBytes is the stride from the slot at byte offset colOff in
// its row (or column) to the next slot, reproducing the walk the buffer
// initializer takes.
func (q *QueryMemoryDescriptor) GetNextColOffInBytes(colOff uint64, bin uint64, colIdx int) uint64 {
	chosen := uint64(q.AggColWidths[colIdx].Compact)
	if colIdx+1 == len(q.AggColWidths) {
		if q.OutputColumnar {
			return (q.EntryCount - bin) * chosen
		}
		return alignTo8(colOff+chosen) - colOff
	}
	next := uint64(q.AggColWidths[colIdx+1].Compact)
	if q.OutputColumnar {
		off := q.EntryCount * chosen
		if !q.IsCompactLayoutIsometric() {
			off = alignTo8(off)
		}
		// columns advance at different widths, re-center on the bin
		off += bin * (next - chosen)
		return off
	}
	if next == 8 {
		return alignTo8(colOff+chosen) - colOff
	}
	return chosen
}

// GetBufferSizeQuad is the main buffer size in 8-byte quads for the device.
func (q *QueryMemoryDescriptor) GetBufferSizeQuad(kind device.Kind) uint64 {
	if q.Keyless {
		total := alignTo8(q.GetColsSize())
		return q.WarpCount(kind) * q.EntryCount * total / 8
	}
	if q.OutputColumnar {
		return (8*q.EntryCount + q.TotalBytesOfColumnarBuffers()) / 8
	}
	return q.GetRowSize() * q.EntryCount / 8
}

// GetBufferSizeBytes is the main buffer size in bytes.
func (q *QueryMemoryDescriptor) GetBufferSizeBytes(kind device.Kind) uint64 {
	return q.GetBufferSizeQuad(kind) * 8
}

// GetSmallBufferSizeQuad is the overflow buffer size in quads; the small
// buffer is always row-major with full-width slots.
func (q *QueryMemoryDescriptor) GetSmallBufferSizeQuad() uint64 {
	return uint64(len(q.GroupColWidths)+len(q.AggColWidths)) * q.EntryCountSmall
}

// GetSmallBufferSizeBytes is the overflow buffer size in bytes.
func (q *QueryMemoryDescriptor) GetSmallBufferSizeBytes() uint64 {
	return q.GetSmallBufferSizeQuad() * 8
}

// GetSmallRowSize is the row size of the overflow buffer.
func (q *QueryMemoryDescriptor) GetSmallRowSize() uint64 {
	return uint64(len(q.GroupColWidths)+len(q.AggColWidths)) * 8
}

// UsesGetGroupValueFast reports whether the direct-addressed lookup family
// applies.
func (q *QueryMemoryDescriptor) UsesGetGroupValueFast() bool {
	return q.HashKind == GroupByOneColKnownRange && q.GetSmallBufferSizeBytes() == 0
}

// UsesCachedContext reports whether the context may be shared across
// fragment batches.
func (q *QueryMemoryDescriptor) UsesCachedContext() bool {
	return q.AllowMultifrag && (q.UsesGetGroupValueFast() || q.HashKind == GroupByMultiColPerfectHash)
}

// ThreadsShareMemory reports block-shared buffers.
func (q *QueryMemoryDescriptor) ThreadsShareMemory() bool {
	return q.Sharing == SharingShared
}

// BlocksShareMemory reports whether all blocks write one buffer.
func (q *QueryMemoryDescriptor) BlocksShareMemory() bool {
	if q.cfg.CPUOnly || q.RenderOutput {
		return true
	}
	return q.UsesCachedContext() && q.SharedMemBytes(device.Accelerator) == 0 &&
		manyEntries(q.MaxVal, q.MinVal, q.Bucket)
}

// LazyInitGroups reports whether buffer initialization happens on the
// device instead of from a host template.
func (q *QueryMemoryDescriptor) LazyInitGroups(kind device.Kind) bool {
	return kind == device.Accelerator && !q.RenderOutput && q.GetSmallBufferSizeQuad() == 0
}

// InterleavedBins reports warp interleaving, an accelerator-only layout.
func (q *QueryMemoryDescriptor) InterleavedBins(kind device.Kind) bool {
	return q.InterleavedBinsOnDevice && kind == device.Accelerator
}

// SharedMemBytes is the shared-memory request of a launch: the whole buffer
// iff the fast path applies and it fits the device budget.
func (q *QueryMemoryDescriptor) SharedMemBytes(kind device.Kind) uint64 {
	if kind == device.CPU {
		return 0
	}
	bytes := q.GetBufferSizeBytes(device.Accelerator)
	if !q.UsesGetGroupValueFast() || bytes > q.cfg.SharedMemBytes {
		return 0
	}
	return bytes
}

// CanOutputColumnar gates the columnar layout.
func (q *QueryMemoryDescriptor) CanOutputColumnar() bool {
	return q.UsesGetGroupValueFast() && q.ThreadsShareMemory() && q.BlocksShareMemory() &&
		!q.InterleavedBins(device.Accelerator)
}

func manyEntries(maxVal, minVal, bucket int64) bool {
	b := bucket
	if b < 1 {
		b = 1
	}
	return maxVal-minVal > 10000*b
}
